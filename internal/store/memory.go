package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
)

// Memory keeps everything in process. It backs tests and runs without DATABASE_URL.
type Memory struct {
	mu         sync.RWMutex
	workspaces map[uuid.UUID]conversation.Workspace
	messages   map[uuid.UUID][]conversation.Message
	snapshots  map[uuid.UUID][]Snapshot
}

func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[uuid.UUID]conversation.Workspace),
		messages:   make(map[uuid.UUID][]conversation.Message),
		snapshots:  make(map[uuid.UUID][]Snapshot),
	}
}

func (m *Memory) CreateWorkspace(_ context.Context, w conversation.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[w.ID]; ok {
		return fmt.Errorf("insert workspace: duplicate id %s", w.ID)
	}
	m.workspaces[w.ID] = w
	return nil
}

func (m *Memory) GetWorkspace(_ context.Context, id uuid.UUID) (*conversation.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(msg)
}

func (m *Memory) appendLocked(msg conversation.Message) error {
	if _, ok := m.workspaces[msg.WorkspaceID]; !ok {
		return fmt.Errorf("insert message: workspace %s: %w", msg.WorkspaceID, ErrNotFound)
	}
	m.messages[msg.WorkspaceID] = append(m.messages[msg.WorkspaceID], msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, workspaceID uuid.UUID) ([]conversation.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.messages[workspaceID]
	out := make([]conversation.Message, len(log))
	copy(out, log)
	return out, nil
}

func (m *Memory) MarkProcessed(_ context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for ws, log := range m.messages {
		for i := range log {
			if want[log[i].ID] {
				m.messages[ws][i].Processed = true
			}
		}
	}
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, workspaceID uuid.UUID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[workspaceID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

func (m *Memory) SaveCycle(_ context.Context, reply conversation.Message, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.snapshots[snap.WorkspaceID] {
		if existing.Version == snap.Version {
			return fmt.Errorf("insert snapshot: duplicate version %d", snap.Version)
		}
	}
	if err := m.appendLocked(reply); err != nil {
		return err
	}
	m.snapshots[snap.WorkspaceID] = append(m.snapshots[snap.WorkspaceID], snap)
	return nil
}
