package domain

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only used when assembling provider requests; it never
	// appears in a session's history.
	RoleSystem Role = "system"
)

// Message is a single role-tagged conversation entry. Values are never
// mutated once appended to a history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Valid reports whether the message can be part of a conversation history.
func (m Message) Valid() bool {
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// ResponseSchema asks the provider for strict JSON output matching Schema.
type ResponseSchema struct {
	Name   string
	Schema []byte
}

// CompletionRequest is the provider-agnostic chat completion request built
// from a session's history.
type CompletionRequest struct {
	Model       string
	Temperature *float64
	Messages    []Message
	Schema      *ResponseSchema
}
