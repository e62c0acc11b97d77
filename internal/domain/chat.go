package domain

// ChatMessage is the provider-agnostic chat message shape used by the engine
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleError marks an engine failure recorded for audit. It is never
	// replayed to the engine as an assistant turn.
	RoleError = "error"
)
