package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/events"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
	"github.com/MikeSquared-Agency/kiln/internal/store"
	"github.com/MikeSquared-Agency/kiln/internal/trigger"
)

// Snapshot is a published file set as the preview and editor consume it.
// Version 0 is the default scaffold shown before the first cycle.
type Snapshot struct {
	WorkspaceID  uuid.UUID         `json:"workspaceId"`
	Version      int               `json:"version"`
	Title        string            `json:"title,omitempty"`
	Explanation  string            `json:"explanation,omitempty"`
	Files        fileset.FileSet   `json:"files"`
	ActiveFile   string            `json:"activeFile"`
	Entry        string            `json:"entry"`
	Dependencies map[string]string `json:"dependencies"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	State        string            `json:"state,omitempty"`
	LastCycle    *CycleStatus      `json:"lastCycle,omitempty"`
}

// CycleStatus is the outcome of the most recent cycle, kept so a failure
// stays visible next to the file set it left in place.
type CycleStatus struct {
	MessageID uuid.UUID      `json:"messageId"`
	Outcome   events.Outcome `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	RawText   string         `json:"rawText,omitempty"`
	At        time.Time      `json:"at"`
}

func newSnapshot(workspaceID uuid.UUID, version int, title, explanation string, files fileset.FileSet, at time.Time) *Snapshot {
	return &Snapshot{
		WorkspaceID:  workspaceID,
		Version:      version,
		Title:        title,
		Explanation:  explanation,
		Files:        files,
		ActiveFile:   fileset.ActiveFile(files),
		Entry:        fileset.BootstrapPath(files),
		Dependencies: fileset.Dependencies,
		UpdatedAt:    at,
	}
}

func fromStored(s *store.Snapshot) *Snapshot {
	return newSnapshot(s.WorkspaceID, s.Version, s.Title, s.Explanation, s.Files, s.CreatedAt)
}

// withStatus copies snap with a new LastCycle; the published value is never mutated.
func (snap *Snapshot) withStatus(status CycleStatus) *Snapshot {
	next := *snap
	next.LastCycle = &status
	return &next
}

// session is the in-memory state of one workspace. The trigger serializes
// cycles; published is swapped whole so readers never see a partial merge.
type session struct {
	workspace conversation.Workspace
	trigger   *trigger.Trigger
	published atomic.Pointer[Snapshot]

	// appendMu keeps store order and trigger order identical.
	appendMu sync.Mutex
	// refs is guarded by Orchestrator.mu.
	refs int
}
