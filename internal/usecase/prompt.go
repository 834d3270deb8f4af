package usecase

import (
	"strings"

	"guardrails-chat/internal/domain"
)

// buildPromptMessages sends the whole conversation followed by the new
// prompt. Empty historical messages are dropped.
func buildPromptMessages(history []domain.Message, prompt string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+1)
	for _, m := range history {
		if !m.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, domain.Message{Role: domain.RoleUser, Content: prompt})
}
