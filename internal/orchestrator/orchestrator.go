// Package orchestrator runs generation cycles: it watches each workspace's
// message log, calls the model when a user message is waiting, and publishes
// the reconciled file set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/kiln/internal/codegen"
	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/events"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
	"github.com/MikeSquared-Agency/kiln/internal/store"
	"github.com/MikeSquared-Agency/kiln/internal/trigger"
)

var (
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrNameRequired      = errors.New("workspace name is required")
	ErrWorkspaceNotFound = fmt.Errorf("workspace %w", store.ErrNotFound)
	ErrClosed            = errors.New("orchestrator is shutting down")
)

// Store is the persistence boundary.
type Store interface {
	CreateWorkspace(ctx context.Context, w conversation.Workspace) error
	GetWorkspace(ctx context.Context, id uuid.UUID) (*conversation.Workspace, error)
	AppendMessage(ctx context.Context, m conversation.Message) error
	ListMessages(ctx context.Context, workspaceID uuid.UUID) ([]conversation.Message, error)
	MarkProcessed(ctx context.Context, ids ...uuid.UUID) error
	LatestSnapshot(ctx context.Context, workspaceID uuid.UUID) (*store.Snapshot, error)
	SaveCycle(ctx context.Context, reply conversation.Message, snap store.Snapshot) error
}

// Generator is the model boundary: request in, raw text out.
type Generator interface {
	Generate(ctx context.Context, req codegen.Request) (string, error)
}

// Notifier receives every finished cycle. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, cycle events.Cycle)
}

type Config struct {
	// HistoryLimit caps the turns sent with each request; <= 0 sends all.
	HistoryLimit int
	// Timeout bounds the model call of one cycle.
	Timeout time.Duration
	// CacheSize is the number of idle sessions kept in memory.
	CacheSize int
}

const persistTimeout = 15 * time.Second

type Orchestrator struct {
	store     Store
	gen       Generator
	notifiers []Notifier
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*session
	idle   *lru.Cache[uuid.UUID, *session]
	closed bool

	loads singleflight.Group
	wg    sync.WaitGroup
}

func New(st Store, gen Generator, cfg Config, logger *slog.Logger, notifiers ...Notifier) (*Orchestrator, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	idle, err := lru.New[uuid.UUID, *session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Orchestrator{
		store:     st,
		gen:       gen,
		notifiers: notifiers,
		cfg:       cfg,
		logger:    logger,
		active:    make(map[uuid.UUID]*session),
		idle:      idle,
	}, nil
}

// CreateWorkspace stores a new workspace. It starts from the default scaffold.
func (o *Orchestrator) CreateWorkspace(ctx context.Context, name, description string) (*conversation.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	w := conversation.Workspace{
		ID:          uuid.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateWorkspace(ctx, w); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	o.logger.Info("workspace created", "workspace_id", w.ID, "name", w.Name)
	return &w, nil
}

// Workspace returns the workspace metadata.
func (o *Orchestrator) Workspace(ctx context.Context, id uuid.UUID) (*conversation.Workspace, error) {
	s, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer o.release(s)
	w := s.workspace
	return &w, nil
}

// Submit appends a user message to the workspace log and starts a cycle if
// the workspace is idle. It returns as soon as the message is stored.
func (o *Orchestrator) Submit(ctx context.Context, id uuid.UUID, text string) (conversation.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, ErrEmptyMessage
	}
	if o.isClosed() {
		return conversation.Message{}, ErrClosed
	}

	s, err := o.acquire(ctx, id)
	if err != nil {
		return conversation.Message{}, err
	}
	defer o.release(s)

	msg := conversation.NewMessage(id, conversation.RoleUser, text)

	s.appendMu.Lock()
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		s.appendMu.Unlock()
		return conversation.Message{}, fmt.Errorf("append message: %w", err)
	}
	s.trigger.Append(msg)
	s.appendMu.Unlock()

	o.logger.Info("message appended", "workspace_id", id, "message_id", msg.ID)
	o.evaluate(s)
	return msg, nil
}

// Messages returns the workspace log in append order.
func (o *Orchestrator) Messages(ctx context.Context, id uuid.UUID) ([]conversation.Message, error) {
	s, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer o.release(s)
	return s.trigger.Messages(), nil
}

// Snapshot returns the currently published file set. It never observes a
// cycle half way through.
func (o *Orchestrator) Snapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	s, err := o.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer o.release(s)
	snap := *s.published.Load()
	snap.State = s.trigger.State().String()
	return &snap, nil
}

// Stats is a point-in-time view of the session cache.
type Stats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{Active: len(o.active), Idle: o.idle.Len()}
}

// Close stops new cycles from starting and waits for running ones to finish.
// Messages still pending stay unprocessed; after a restart only the newest
// of them fires and the older ones are marked superseded.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// evaluate starts a cycle for s if its trigger fires.
func (o *Orchestrator) evaluate(s *session) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	msg, ok := s.trigger.Evaluate()
	if !ok {
		o.mu.Unlock()
		return
	}
	s.refs++
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.runCycle(s, msg)
		s.trigger.Complete()
		o.evaluate(s)
		o.release(s)
	}()
}

// acquire returns the single live session for id, loading it on a miss, and
// pins it until release.
func (o *Orchestrator) acquire(ctx context.Context, id uuid.UUID) (*session, error) {
	if s := o.pin(id); s != nil {
		return s, nil
	}

	v, err, _ := o.loads.Do(id.String(), func() (any, error) {
		return o.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	loaded := v.(*session)

	o.mu.Lock()
	s := o.pinLocked(id)
	fresh := s == nil
	if fresh {
		s = loaded
		s.refs = 1
		o.active[id] = s
	}
	o.mu.Unlock()

	if fresh {
		// a restored log may end with a user message that never got its cycle
		o.evaluate(s)
	}
	return s, nil
}

func (o *Orchestrator) pin(id uuid.UUID) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pinLocked(id)
}

func (o *Orchestrator) pinLocked(id uuid.UUID) *session {
	if s, ok := o.active[id]; ok {
		s.refs++
		return s
	}
	if s, ok := o.idle.Peek(id); ok {
		o.idle.Remove(id)
		s.refs = 1
		o.active[id] = s
		return s
	}
	return nil
}

// release unpins s; an unreferenced session moves to the idle cache.
func (o *Orchestrator) release(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(o.active, s.workspace.ID)
	o.idle.Add(s.workspace.ID, s)
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*session, error) {
	w, err := o.store.GetWorkspace(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}

	log, err := o.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	tr, superseded := trigger.Restore(log)
	if len(superseded) > 0 {
		if err := o.store.MarkProcessed(ctx, superseded...); err != nil {
			return nil, fmt.Errorf("mark superseded: %w", err)
		}
		o.logger.Info("superseded pending messages", "workspace_id", id, "count", len(superseded))
	}

	snap, err := o.store.LatestSnapshot(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap = &store.Snapshot{WorkspaceID: id, Files: fileset.Scaffold(), CreatedAt: w.CreatedAt}
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	s := &session{workspace: *w, trigger: tr}
	s.published.Store(fromStored(snap))
	return s, nil
}
