package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SubmitFunc appends a user message to a workspace.
type SubmitFunc func(ctx context.Context, workspaceID uuid.UUID, text string) error

const inboundTimeout = 10 * time.Second

// MessageHandler adapts SubjectMessageAppended deliveries to submit. Bad
// payloads and rejected messages are logged and dropped.
func MessageHandler(submit SubmitFunc, logger *slog.Logger) func(subject string, data []byte) {
	return func(subject string, data []byte) {
		var msg MessageAppended
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("failed to decode inbound message", "subject", subject, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		if err := submit(ctx, msg.WorkspaceID, msg.Text); err != nil {
			logger.Warn("inbound message rejected", "workspace_id", msg.WorkspaceID, "error", err)
			return
		}
		logger.Debug("inbound message accepted", "workspace_id", msg.WorkspaceID)
	}
}
