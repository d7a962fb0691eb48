// Package store persists workspaces, their message logs and published file
// snapshots.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
)

// ErrNotFound is returned when a workspace or snapshot does not exist.
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schema string

// Snapshot is one published version of a workspace's file set.
type Snapshot struct {
	WorkspaceID uuid.UUID
	Version     int
	MessageID   uuid.UUID
	Title       string
	Explanation string
	Files       fileset.FileSet
	CreatedAt   time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// CreateWorkspace inserts a new workspace.
func (s *Store) CreateWorkspace(ctx context.Context, w conversation.Workspace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspaces (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.Description, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace fetches a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*conversation.Workspace, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at
		FROM workspaces WHERE id = $1`, id)

	var w conversation.Workspace
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// AppendMessage adds a message to the end of its workspace's log.
func (s *Store) AppendMessage(ctx context.Context, m conversation.Message) error {
	return appendMessage(ctx, s.pool, m)
}

// ListMessages returns a workspace's log in append order.
func (s *Store) ListMessages(ctx context.Context, workspaceID uuid.UUID) ([]conversation.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, role, text, processed, created_at
		FROM messages
		WHERE workspace_id = $1
		ORDER BY seq`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var m conversation.Message
		var role string
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &role, &m.Text, &m.Processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = conversation.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MarkProcessed sets processed on the given messages. It never clears the flag.
func (s *Store) MarkProcessed(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE messages SET processed = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// LatestSnapshot returns the highest version stored for a workspace.
func (s *Store) LatestSnapshot(ctx context.Context, workspaceID uuid.UUID) (*Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT workspace_id, version, message_id, title, explanation, files, created_at
		FROM file_snapshots
		WHERE workspace_id = $1
		ORDER BY version DESC
		LIMIT 1`, workspaceID)

	var (
		snap      Snapshot
		messageID *uuid.UUID
		files     []byte
	)
	err := row.Scan(&snap.WorkspaceID, &snap.Version, &messageID, &snap.Title, &snap.Explanation, &files, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if messageID != nil {
		snap.MessageID = *messageID
	}
	if err := json.Unmarshal(files, &snap.Files); err != nil {
		return nil, fmt.Errorf("decode snapshot files: %w", err)
	}
	return &snap, nil
}

// SaveCycle stores the assistant reply and the new snapshot in one transaction.
func (s *Store) SaveCycle(ctx context.Context, reply conversation.Message, snap Snapshot) error {
	files, err := json.Marshal(snap.Files)
	if err != nil {
		return fmt.Errorf("encode snapshot files: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendMessage(ctx, tx, reply); err != nil {
		return err
	}

	var messageID *uuid.UUID
	if snap.MessageID != uuid.Nil {
		messageID = &snap.MessageID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO file_snapshots (workspace_id, version, message_id, title, explanation, files, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.WorkspaceID, snap.Version, messageID, snap.Title, snap.Explanation, string(files), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendMessage(ctx context.Context, db execer, m conversation.Message) error {
	_, err := db.Exec(ctx, `
		INSERT INTO messages (id, workspace_id, role, text, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.WorkspaceID, string(m.Role), m.Text, m.Processed, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
