// Package trigger decides, from a workspace's message log, when a generation
// cycle has to start.
package trigger

import (
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
)

// State of a workspace's generation loop.
type State int

const (
	Idle State = iota
	Generating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	default:
		return "unknown"
	}
}

// Trigger owns one workspace's message log and its Idle/Generating state.
// At most one message is being generated for at any time.
type Trigger struct {
	mu      sync.Mutex
	state   State
	current uuid.UUID
	log     []conversation.Message
}

// New returns an idle trigger with an empty log.
func New() *Trigger {
	return &Trigger{}
}

// Restore rebuilds a trigger from a persisted log ordered by creation time.
// Of the user messages still unprocessed only the newest stays pending; the
// older ones are marked processed and their ids returned so the caller can
// persist that.
func Restore(log []conversation.Message) (*Trigger, []uuid.UUID) {
	t := &Trigger{log: make([]conversation.Message, len(log))}
	copy(t.log, log)

	newest := -1
	for i := len(t.log) - 1; i >= 0; i-- {
		if pending(t.log[i]) {
			newest = i
			break
		}
	}

	var superseded []uuid.UUID
	for i := 0; i < newest; i++ {
		if pending(t.log[i]) {
			t.log[i].Processed = true
			superseded = append(superseded, t.log[i].ID)
		}
	}
	return t, superseded
}

// Append adds m to the end of the log.
func (t *Trigger) Append(m conversation.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, m)
}

// Evaluate fires a cycle if the trigger is idle and an unprocessed user
// message is waiting. The earliest such message is marked processed and the
// state moves to Generating before Evaluate returns, so evaluating again while
// the cycle runs never fires twice.
func (t *Trigger) Evaluate() (conversation.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Idle {
		return conversation.Message{}, false
	}
	for i := range t.log {
		if !pending(t.log[i]) {
			continue
		}
		t.log[i].Processed = true
		t.state = Generating
		t.current = t.log[i].ID
		return t.log[i], true
	}
	return conversation.Message{}, false
}

// Complete returns the trigger to Idle after a cycle, whatever its outcome.
// The message that fired stays processed.
func (t *Trigger) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Idle
	t.current = uuid.Nil
}

// State reports the current state.
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current is the id of the message being generated for, or uuid.Nil when idle.
func (t *Trigger) Current() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Pending counts unprocessed user messages.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.log {
		if pending(m) {
			n++
		}
	}
	return n
}

// Messages returns a copy of the log.
func (t *Trigger) Messages() []conversation.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]conversation.Message, len(t.log))
	copy(out, t.log)
	return out
}

// History returns the turns the model sees for message id, oldest first,
// keeping at most limit of the most recent ones. A limit <= 0 keeps all of
// them. Assistant replies appended after id was queued are included, so a
// message sent while a cycle ran still sees that cycle's reply; later user
// messages are not.
func (t *Trigger) History(id uuid.UUID, limit int) []conversation.Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	var turns []conversation.Turn
	after := false
	for _, m := range t.log {
		if m.ID == id {
			after = true
			continue
		}
		if after && m.Role == conversation.RoleUser {
			continue
		}
		turns = append(turns, conversation.Turn{Role: m.Role, Text: m.Text})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}

func pending(m conversation.Message) bool {
	return m.Role == conversation.RoleUser && !m.Processed
}
