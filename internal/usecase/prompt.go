package usecase

import (
	"strings"

	"whatsapp-agent/internal/domain"
)

func buildPromptMessages(systemPrompt, message string, history []domain.Turn) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, 2+2*len(history))
	if p := strings.TrimSpace(systemPrompt); p != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: p})
	}
	for _, t := range history {
		messages = append(messages, historyToPromptMessages(t)...)
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
}

// historyToPromptMessages replays only completed turns with both sides present.
func historyToPromptMessages(t domain.Turn) []domain.ChatMessage {
	if t.Status != statusComplete {
		return nil
	}
	text := strings.TrimSpace(t.Text)
	answer := strings.TrimSpace(t.Answer)
	if text == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: domain.RoleUser, Content: text},
		{Role: domain.RoleAssistant, Content: answer},
	}
}
