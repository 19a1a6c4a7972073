package repository

import (
	"context"
	"time"

	"whatsapp-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour

	StatusComplete = "complete"
)

// ReadWriter defines the thread state operations consumed by the conversation service.
type ReadWriter interface {
	GetTurnCount(ctx context.Context, threadID string) (int, error)
	GetHistory(ctx context.Context, threadID string, limit int) ([]domain.Turn, error)
	SaveCompletedTurn(ctx context.Context, threadID, sender, text, answer string, turns int) error
}

func threadPK(threadID string) string {
	return "THREAD#" + threadID
}

func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// NewTurn builds a Turn keyed by threadID and the current time.
func NewTurn(threadID, sender, text, answer, status string) domain.Turn {
	now := time.Now().UTC()
	return domain.Turn{
		PK:       threadPK(threadID),
		SK:       msgSK(now),
		ThreadID: threadID,
		Sender:   sender,
		Text:     text,
		Answer:   answer,
		Status:   status,
		TTL:      ttlValue(now),
	}
}

func NewThreadMeta(threadID, sender string, turns int) domain.ThreadMeta {
	now := time.Now().UTC()
	return domain.ThreadMeta{
		PK:           threadPK(threadID),
		SK:           skMeta,
		ThreadID:     threadID,
		Sender:       sender,
		LastActivity: now.Format(time.RFC3339),
		Turns:        turns,
		TTL:          ttlValue(now),
	}
}
