package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Workspace is the unit that owns one conversation log and one published file set.
type Workspace struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is one entry of a workspace's append-only log.
// Processed flips to true exactly once, when the message triggers or is superseded by a cycle.
type Message struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspaceId"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	Processed   bool      `json:"processed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewMessage stamps a fresh message for the workspace.
// Assistant messages are born processed; they never trigger a cycle.
func NewMessage(workspaceID uuid.UUID, role Role, text string) Message {
	return Message{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Role:        role,
		Text:        text,
		Processed:   role != RoleUser,
		CreatedAt:   time.Now().UTC(),
	}
}

// Turn is the role/text pair sent to the model as part of the history summary.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
