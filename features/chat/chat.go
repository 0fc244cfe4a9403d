package chat

import (
	"errors"
	"time"

	"paperdesk/apps/backend/internal/synthesis"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrEmptyMessage    = errors.New("message content must not be empty")
)

// Session is a multi-turn conversation scoped to one workspace. The
// workspace binding fixes which documents every turn retrieves from.
type Session struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one turn in a session. Seq orders the transcript; the
// assistant's citations are stored with the message so the transcript
// replays with its sources intact.
type Message struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Seq       int                  `json:"seq"`
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	Citations []synthesis.Citation `json:"citations,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}
