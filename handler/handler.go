// Package handler exposes the WPPConnect webhook over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"whatsapp-agent/internal/domain"
)

const (
	maxBodyBytes = 16 << 20

	msgNewWindow      = "Message received and being aggregated"
	msgExistingWindow = "Message added to existing aggregation window"
	msgSkipped        = "Message received but not processed (not matching criteria)"
	msgDuplicate      = "Message already received"
)

// Enqueuer buffers a message fragment for a sender. It reports whether a new
// aggregation window was opened.
type Enqueuer interface {
	Add(sender, fragment string) (bool, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type Handler struct {
	enqueuer    Enqueuer
	transcriber Transcriber
	dedupe      *deduper
	logger      *slog.Logger
}

type Option func(*Handler)

// WithDedupeWindow ignores redelivered payloads whose id was accepted within d.
// Zero disables deduplication.
func WithDedupeWindow(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.dedupe = newDeduper(d)
		} else {
			h.dedupe = nil
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(enqueuer Enqueuer, transcriber Transcriber, opts ...Option) (*Handler, error) {
	if enqueuer == nil {
		return nil, errors.New("handler: enqueuer must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("handler: transcriber must not be nil")
	}
	h := &Handler{
		enqueuer:    enqueuer,
		transcriber: transcriber,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewRouter returns a gin engine serving the webhook and health routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(correlationID(), requestLogger(h.logger), recovery(h.logger))
	h.Register(r)
	return r
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhook", h.Webhook)
	r.GET("/health", h.Health)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: "healthy"})
}

// Webhook validates a WPPConnect delivery, transcribes voice notes and hands
// the text to the aggregator. It never waits for the reply.
func (h *Handler) Webhook(c *gin.Context) {
	log := h.logger.With("correlation_id", correlationIDFrom(c))

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		h.parseError(c, log, fmt.Errorf("read body: %w", err))
		return
	}
	payload, err := decodeObject(raw)
	if err != nil {
		h.parseError(c, log, err)
		return
	}
	if !matchesCriteria(payload) {
		log.Info("message skipped, does not match criteria")
		c.JSON(http.StatusOK, statusResponse{Status: "received", Message: msgSkipped})
		return
	}
	ev, err := parseInbound(payload)
	if err != nil {
		h.parseError(c, log, err)
		return
	}
	log = log.With("sender", ev.SenderID, "kind", string(ev.Kind))

	if ev.ID != "" && h.dedupe != nil {
		if !h.dedupe.claim(ev.ID) {
			log.Info("duplicate delivery ignored", "message_id", ev.ID)
			c.JSON(http.StatusOK, statusResponse{Status: "received", Message: msgDuplicate})
			return
		}
	}
	accepted := false
	defer func() {
		if !accepted && ev.ID != "" && h.dedupe != nil {
			h.dedupe.release(ev.ID)
		}
	}()

	text := ev.Body
	if ev.Kind == domain.KindVoiceNote {
		log.Info("processing voice note")
		text, err = h.transcribe(c.Request.Context(), ev.Body)
		if err != nil {
			log.Error("voice note transcription failed", "err", err)
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: "Error processing audio: " + err.Error()})
			return
		}
		log.Info("voice note transcribed", "chars", len(text))
	}

	opened, err := h.enqueuer.Add(ev.SenderID, text)
	if err != nil {
		log.Error("failed to buffer message", "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Error processing webhook: " + err.Error()})
		return
	}
	accepted = true

	msg := msgExistingWindow
	if opened {
		msg = msgNewWindow
	}
	log.Info("message buffered", "new_window", opened)
	c.JSON(http.StatusOK, statusResponse{Status: "aggregating", Message: msg})
}

func (h *Handler) transcribe(ctx context.Context, body string) (string, error) {
	audio, err := decodeAudio(body)
	if err != nil {
		return "", err
	}
	text, err := h.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcription")
	}
	return text, nil
}

func (h *Handler) parseError(c *gin.Context, log *slog.Logger, err error) {
	log.Warn("invalid webhook payload", "err", err)
	c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: "Error parsing message: " + err.Error()})
}
