package history

import "time"

// Turn is one persisted chat turn of a conversation.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	WasStopped     bool      `json:"was_stopped,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Roles stored in the conversation log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
