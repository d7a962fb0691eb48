package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MikeSquared-Agency/kiln/internal/codegen"
	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/events"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
	"github.com/MikeSquared-Agency/kiln/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGen answers each request with the next function in script and
// records the requests it saw.
type scriptedGen struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, req codegen.Request) (string, error)
	requests []codegen.Request
	inFlight int
	maxSeen  int
}

func (g *scriptedGen) Generate(ctx context.Context, req codegen.Request) (string, error) {
	g.mu.Lock()
	n := len(g.requests)
	g.requests = append(g.requests, req)
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	fn := g.script[len(g.script)-1]
	if n < len(g.script) {
		fn = g.script[n]
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()
	return fn(ctx, req)
}

func (g *scriptedGen) calls() []codegen.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]codegen.Request, len(g.requests))
	copy(out, g.requests)
	return out
}

func (g *scriptedGen) maxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func reply(text string) func(context.Context, codegen.Request) (string, error) {
	return func(context.Context, codegen.Request) (string, error) { return text, nil }
}

type recordingNotifier struct {
	mu     sync.Mutex
	cycles []events.Cycle
}

func (n *recordingNotifier) Notify(_ context.Context, c events.Cycle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cycles = append(n.cycles, c)
}

func (n *recordingNotifier) outcomes() []events.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]events.Outcome, len(n.cycles))
	for i, c := range n.cycles {
		out[i] = c.Outcome
	}
	return out
}

type failingSaveStore struct {
	*store.Memory
}

func (failingSaveStore) SaveCycle(context.Context, conversation.Message, store.Snapshot) error {
	return errors.New("disk full")
}

type harness struct {
	orch     *Orchestrator
	store    *store.Memory
	gen      *scriptedGen
	notifier *recordingNotifier
}

func newHarness(t *testing.T, st Store, mem *store.Memory, script ...func(context.Context, codegen.Request) (string, error)) *harness {
	t.Helper()
	gen := &scriptedGen{script: script}
	n := &recordingNotifier{}
	o, err := New(st, gen, Config{HistoryLimit: 10, Timeout: 5 * time.Second, CacheSize: 8}, discardLogger(), n)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return &harness{orch: o, store: mem, gen: gen, notifier: n}
}

func newMemoryHarness(t *testing.T, script ...func(context.Context, codegen.Request) (string, error)) *harness {
	mem := store.NewMemory()
	return newHarness(t, mem, mem, script...)
}

func (h *harness) workspace(t *testing.T) uuid.UUID {
	t.Helper()
	w, err := h.orch.CreateWorkspace(context.Background(), "demo", "")
	require.NoError(t, err)
	return w.ID
}

func (h *harness) waitOutcomes(t *testing.T, n int) []events.Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.notifier.outcomes()) >= n }, 5*time.Second, 5*time.Millisecond)
	return h.notifier.outcomes()
}

const todoArtifact = "Here you go:\n```json\n" +
	`{"projectTitle":"Todo","explanation":"A todo list.","files":{"/Button.jsx":{"code":"export const Button = () => null;"},"/App.js":{"code":"export default function App() {}"}}}` +
	"\n```"

func TestScaffoldBeforeFirstCycle(t *testing.T) {
	h := newMemoryHarness(t, reply(todoArtifact))
	id := h.workspace(t)

	snap, err := h.orch.Snapshot(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Version)
	assert.Equal(t, fileset.DefaultEntryPath, snap.ActiveFile)
	assert.Equal(t, fileset.DefaultBootstrapPath, snap.Entry)
	assert.Equal(t, "idle", snap.State)
	assert.Nil(t, snap.LastCycle)
	assert.Empty(t, h.gen.calls())
}

func TestSubmit_PublishesCycle(t *testing.T) {
	h := newMemoryHarness(t, reply(todoArtifact))
	ctx := context.Background()
	id := h.workspace(t)

	msg, err := h.orch.Submit(ctx, id, "  build a todo app ")
	require.NoError(t, err)
	assert.Equal(t, "build a todo app", msg.Text)

	assert.Equal(t, []events.Outcome{events.OutcomePublished}, h.waitOutcomes(t, 1))

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "Todo", snap.Title)
	assert.Equal(t, []string{"/Button.jsx", "/App.js", "/index.js"}, snap.Files.Paths())
	assert.Equal(t, "/App.js", snap.ActiveFile)
	boot, _ := snap.Files.Get("/index.js")
	assert.Contains(t, boot.Content, "import App from './App';")
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, msg.ID, snap.LastCycle.MessageID)

	calls := h.gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0, calls[0].PreviousFiles.Len(), "the scaffold is not sent as previous files")

	log, err := h.orch.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.True(t, log[0].Processed)
	assert.Equal(t, conversation.RoleAssistant, log[1].Role)
	assert.Equal(t, "A todo list.", log[1].Text)

	stored, err := h.store.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.True(t, stored[0].Processed)
	latest, err := h.store.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.True(t, latest.Files.Equal(snap.Files))
}

func TestSubmit_SecondMessageWaitsForFirstCycle(t *testing.T) {
	release := make(chan struct{})
	first := func(ctx context.Context, _ codegen.Request) (string, error) {
		<-release
		return `{"files":{"/App.jsx":"v1"}}`, nil
	}
	h := newMemoryHarness(t, first, reply(`{"files":{"/App.js":"v2"}}`))
	ctx := context.Background()
	id := h.workspace(t)

	a, err := h.orch.Submit(ctx, id, "A")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.gen.calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	b, err := h.orch.Submit(ctx, id, "B")
	require.NoError(t, err)

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "generating", snap.State)
	assert.Equal(t, 0, snap.Version, "readers see the old file set while a cycle runs")
	assert.Len(t, h.gen.calls(), 1, "no second cycle while the first is in flight")

	close(release)
	h.waitOutcomes(t, 2)

	calls := h.gen.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].Instruction)
	assert.Equal(t, "B", calls[1].Instruction)
	assert.Equal(t, 1, h.gen.maxInFlight())

	// B was queued behind A; its history still carries A's reply, which landed after B in the log.
	require.Len(t, calls[1].History, 2)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleUser, Text: "A"}, calls[1].History[0])
	assert.Equal(t, conversation.RoleAssistant, calls[1].History[1].Role)

	snap, err = h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	// the entry path from the first cycle is kept, content from the second
	assert.Equal(t, []string{"/App.jsx", "/index.js"}, snap.Files.Paths())
	app, _ := snap.Files.Get("/App.jsx")
	assert.Equal(t, "v2", app.Content)
	assert.Equal(t, b.ID, snap.LastCycle.MessageID)

	log, err := h.orch.Messages(ctx, id)
	require.NoError(t, err)
	for _, m := range log {
		assert.True(t, m.Processed, "message %s", m.Text)
	}
	assert.Equal(t, a.ID, log[0].ID)
}

func TestSubmit_EntryPathStableAcrossCycles(t *testing.T) {
	h := newMemoryHarness(t,
		reply(`{"files":{"/App.jsx":"first","/styles.css":"a{}"}}`),
		reply(`{"files":{"/App.js":"second","/Header.jsx":"h"}}`),
	)
	ctx := context.Background()
	id := h.workspace(t)

	_, err := h.orch.Submit(ctx, id, "one")
	require.NoError(t, err)
	h.waitOutcomes(t, 1)
	_, err = h.orch.Submit(ctx, id, "two")
	require.NoError(t, err)
	h.waitOutcomes(t, 2)

	calls := h.gen.calls()
	_, ok := calls[1].PreviousFiles.Get("/App.jsx")
	assert.True(t, ok, "second request carries the published files")
	require.Len(t, calls[1].History, 2)

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"/Header.jsx", "/App.jsx", "/index.js"}, snap.Files.Paths())
	app, _ := snap.Files.Get("/App.jsx")
	assert.Equal(t, "second", app.Content)
}

func TestSubmit_ExtractionFailureKeepsFiles(t *testing.T) {
	h := newMemoryHarness(t, reply("I cannot do that."))
	ctx := context.Background()
	id := h.workspace(t)

	before, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, id, "build something")
	require.NoError(t, err)
	assert.Equal(t, []events.Outcome{events.OutcomeExtractionFailed}, h.waitOutcomes(t, 1))

	after, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.Files.Equal(after.Files))
	require.NotNil(t, after.LastCycle)
	assert.Equal(t, events.OutcomeExtractionFailed, after.LastCycle.Outcome)
	assert.Equal(t, "I cannot do that.", after.LastCycle.RawText)
	assert.NotEmpty(t, after.LastCycle.Error)

	log, err := h.orch.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].Processed, "a failed cycle does not re-arm its message")
	assert.Len(t, h.gen.calls(), 1)
}

func TestSubmit_TransportFailure(t *testing.T) {
	h := newMemoryHarness(t, func(context.Context, codegen.Request) (string, error) {
		return "", errors.New("connection refused")
	})
	ctx := context.Background()
	id := h.workspace(t)

	_, err := h.orch.Submit(ctx, id, "build something")
	require.NoError(t, err)
	assert.Equal(t, []events.Outcome{events.OutcomeTransportFailed}, h.waitOutcomes(t, 1))

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)
	assert.Contains(t, snap.LastCycle.Error, "connection refused")
	assert.Equal(t, "idle", snap.State)
}

func TestSubmit_TimeoutIsTransportFailure(t *testing.T) {
	mem := store.NewMemory()
	gen := &scriptedGen{script: []func(context.Context, codegen.Request) (string, error){
		func(ctx context.Context, _ codegen.Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	n := &recordingNotifier{}
	o, err := New(mem, gen, Config{Timeout: 20 * time.Millisecond}, discardLogger(), n)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h := &harness{orch: o, store: mem, gen: gen, notifier: n}

	id := h.workspace(t)
	_, err = o.Submit(context.Background(), id, "slow")
	require.NoError(t, err)
	assert.Equal(t, []events.Outcome{events.OutcomeTransportFailed}, h.waitOutcomes(t, 1))
}

func TestSubmit_DegenerateArtifactShowsFallback(t *testing.T) {
	h := newMemoryHarness(t, reply(`{"projectTitle":"Nothing","files":{}}`))
	ctx := context.Background()
	id := h.workspace(t)

	_, err := h.orch.Submit(ctx, id, "build something")
	require.NoError(t, err)
	assert.Equal(t, []events.Outcome{events.OutcomeDegenerate}, h.waitOutcomes(t, 1))

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, []string{"/App.jsx", "/index.js"}, snap.Files.Paths())
	app, _ := snap.Files.Get("/App.jsx")
	assert.Contains(t, app.Content, "fallback")
}

func TestSubmit_PersistenceFailureKeepsFiles(t *testing.T) {
	mem := store.NewMemory()
	h := newHarness(t, failingSaveStore{mem}, mem, reply(todoArtifact))
	ctx := context.Background()
	id := h.workspace(t)

	_, err := h.orch.Submit(ctx, id, "build a todo app")
	require.NoError(t, err)
	assert.Equal(t, []events.Outcome{events.OutcomePersistenceFailed}, h.waitOutcomes(t, 1))

	snap, err := h.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)
	assert.Contains(t, snap.LastCycle.Error, "disk full")

	log, err := h.orch.Messages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, log, 1, "no reply without a stored snapshot")
}

func TestRestore_NewestPendingMessageFires(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	w := conversation.Workspace{ID: uuid.New(), Name: "restored", CreatedAt: time.Now().UTC()}
	require.NoError(t, mem.CreateWorkspace(ctx, w))
	old := conversation.NewMessage(w.ID, conversation.RoleUser, "old request")
	newest := conversation.NewMessage(w.ID, conversation.RoleUser, "newest request")
	require.NoError(t, mem.AppendMessage(ctx, old))
	require.NoError(t, mem.AppendMessage(ctx, newest))

	h := newHarness(t, mem, mem, reply(todoArtifact))

	_, err := h.orch.Snapshot(ctx, w.ID)
	require.NoError(t, err)

	h.waitOutcomes(t, 1)
	calls := h.gen.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "newest request", calls[0].Instruction)

	stored, err := mem.ListMessages(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, stored[0].Processed, "older pending message is superseded")
	assert.True(t, stored[1].Processed)
}

func TestRestore_PublishedSnapshotSurvivesRestart(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	first := newHarness(t, mem, mem, reply(todoArtifact))
	id := first.workspace(t)
	_, err := first.orch.Submit(ctx, id, "build a todo app")
	require.NoError(t, err)
	first.waitOutcomes(t, 1)
	first.orch.Close()

	second := newHarness(t, mem, mem, reply(`{"files":{"/App.jsx":"changed"}}`))
	snap, err := second.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "/App.js", snap.ActiveFile)

	_, err = second.orch.Submit(ctx, id, "change it")
	require.NoError(t, err)
	second.waitOutcomes(t, 1)

	snap, err = second.orch.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
	app, ok := snap.Files.Get("/App.js")
	require.True(t, ok, "restored entry path is kept")
	assert.Equal(t, "changed", app.Content)
}

func TestErrors(t *testing.T) {
	h := newMemoryHarness(t, reply(todoArtifact))
	ctx := context.Background()

	_, err := h.orch.Snapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.orch.Submit(ctx, uuid.New(), "hello")
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)

	id := h.workspace(t)
	_, err = h.orch.Submit(ctx, id, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.orch.CreateWorkspace(ctx, " ", "desc")
	assert.ErrorIs(t, err, ErrNameRequired)

	h.orch.Close()
	_, err = h.orch.Submit(ctx, id, "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionCacheEviction(t *testing.T) {
	mem := store.NewMemory()
	gen := &scriptedGen{script: []func(context.Context, codegen.Request) (string, error){reply(todoArtifact)}}
	n := &recordingNotifier{}
	o, err := New(mem, gen, Config{CacheSize: 1}, discardLogger(), n)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h := &harness{orch: o, store: mem, gen: gen, notifier: n}
	ctx := context.Background()

	a, b := h.workspace(t), h.workspace(t)
	_, err = o.Submit(ctx, a, "first")
	require.NoError(t, err)
	h.waitOutcomes(t, 1)
	require.Eventually(t, func() bool { return o.Stats().Active == 0 }, time.Second, 5*time.Millisecond)

	_, err = o.Workspace(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, Stats{Active: 0, Idle: 1}, o.Stats())

	// a was evicted and reloads from the store with its published version
	snap, err := o.Snapshot(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	log, err := o.Messages(ctx, a)
	require.NoError(t, err)
	assert.Len(t, log, 2)
	assert.Len(t, gen.calls(), 1, "reloading does not re-fire a processed message")
}

func TestConcurrentWorkspacesRunIndependently(t *testing.T) {
	h := newMemoryHarness(t, reply(todoArtifact))
	ctx := context.Background()

	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = h.workspace(t)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := h.orch.Submit(ctx, id, "build")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	h.waitOutcomes(t, len(ids))

	for _, id := range ids {
		snap, err := h.orch.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Version)
	}
}
