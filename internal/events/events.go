// Package events defines the record every generation cycle emits, whatever
// its outcome.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/kiln/internal/fileset"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomePublished         Outcome = "published"
	OutcomeDegenerate        Outcome = "degenerate"
	OutcomeExtractionFailed  Outcome = "extraction_failed"
	OutcomeTransportFailed   Outcome = "transport_failed"
	OutcomePersistenceFailed Outcome = "persistence_failed"
)

// Published reports whether the cycle replaced the workspace's file set.
func (o Outcome) Published() bool {
	return o == OutcomePublished || o == OutcomeDegenerate
}

// Cycle describes one finished generation cycle. Files, ActiveFile and Entry
// describe the file set visible after the cycle, which is the previous one
// when the cycle failed.
type Cycle struct {
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	MessageID   uuid.UUID       `json:"message_id"`
	ReplyID     uuid.UUID       `json:"reply_id,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Version     int             `json:"version"`
	Title       string          `json:"title,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	Files       fileset.FileSet `json:"files"`
	ActiveFile  string          `json:"active_file,omitempty"`
	Entry       string          `json:"entry,omitempty"`
	RawText     string          `json:"raw_text,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration_ns"`
	At          time.Time       `json:"at"`
}
