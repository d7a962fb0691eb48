// Package preview streams published file sets to live-preview clients over
// websockets.
package preview

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/kiln/internal/events"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	bufferSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Frame is one message to a preview client. Files already include the
// scaffold support files the runtime needs.
type Frame struct {
	Type         string            `json:"type"`
	WorkspaceID  uuid.UUID         `json:"workspaceId"`
	Version      int               `json:"version"`
	Outcome      events.Outcome    `json:"outcome,omitempty"`
	Files        fileset.FileSet   `json:"files"`
	ActiveFile   string            `json:"activeFile"`
	Entry        string            `json:"entry"`
	Dependencies map[string]string `json:"dependencies"`
	Error        string            `json:"error,omitempty"`
	RawText      string            `json:"rawText,omitempty"`
}

const (
	FrameSnapshot = "snapshot"
	FrameCycle    = "cycle"
)

// SnapshotFrame is the first frame a client receives.
func SnapshotFrame(workspaceID uuid.UUID, version int, files fileset.FileSet, activeFile, entry string) Frame {
	return Frame{
		Type:         FrameSnapshot,
		WorkspaceID:  workspaceID,
		Version:      version,
		Files:        fileset.WithSupportFiles(files),
		ActiveFile:   activeFile,
		Entry:        entry,
		Dependencies: fileset.Dependencies,
	}
}

// CycleFrame reports a finished cycle with the file set it left published.
func CycleFrame(c events.Cycle) Frame {
	return Frame{
		Type:         FrameCycle,
		WorkspaceID:  c.WorkspaceID,
		Version:      c.Version,
		Outcome:      c.Outcome,
		Files:        fileset.WithSupportFiles(c.Files),
		ActiveFile:   c.ActiveFile,
		Entry:        c.Entry,
		Dependencies: fileset.Dependencies,
		Error:        c.Error,
		RawText:      c.RawText,
	}
}

type subscriber struct {
	frames chan Frame
}

// Hub fans cycle frames out to every client watching a workspace.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*subscriber]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a listener for workspaceID. The returned func removes it.
func (h *Hub) Subscribe(workspaceID uuid.UUID) (<-chan Frame, func()) {
	sub := &subscriber{frames: make(chan Frame, bufferSize)}

	h.mu.Lock()
	set, ok := h.subs[workspaceID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[workspaceID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.frames, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[workspaceID], sub)
			if len(h.subs[workspaceID]) == 0 {
				delete(h.subs, workspaceID)
			}
		})
	}
}

// Subscribers counts the listeners of workspaceID.
func (h *Hub) Subscribers(workspaceID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workspaceID])
}

// Notify delivers a cycle to the workspace's listeners without blocking.
// A listener whose buffer is full loses its oldest frame; every frame carries
// the whole file set so the newest one is enough to catch up.
func (h *Hub) Notify(_ context.Context, c events.Cycle) {
	frame := CycleFrame(c)

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[c.WorkspaceID] {
		select {
		case sub.frames <- frame:
			continue
		default:
		}
		select {
		case <-sub.frames:
			h.logger.Warn("preview client lagging, dropped frame", "workspace_id", c.WorkspaceID)
		default:
		}
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

// Serve upgrades the request and streams the frame built by initial followed
// by every later frame for workspaceID until the client goes away. initial
// runs after the subscription exists, so no cycle falls between the two.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID, initial func(context.Context) (Frame, error)) {
	frames, unsubscribe := h.Subscribe(workspaceID)
	defer unsubscribe()

	first, err := initial(r.Context())
	if err != nil {
		h.logger.Error("failed to build preview snapshot", "workspace_id", workspaceID, "error", err)
		http.Error(w, `{"error":"snapshot unavailable"}`, http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("preview upgrade failed", "workspace_id", workspaceID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// unblocks the read loop below when a write fails
		defer conn.Close()

		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()

		if err := writeFrame(conn, first); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-frames:
				if err := writeFrame(conn, f); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	h.logger.Info("preview client connected", "workspace_id", workspaceID)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("preview client read failed", "workspace_id", workspaceID, "error", err)
			}
			break
		}
	}
	cancel()
	<-writerDone
	h.logger.Info("preview client disconnected", "workspace_id", workspaceID)
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}
