// Package codegen turns an instruction, the conversation around it and the
// previously published files into a model request.
package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
)

// ErrNoBackend is returned by a Generator built without a model backend.
var ErrNoBackend = errors.New("codegen: no model backend configured")

// Backend is a text-in, text-out model.
type Backend interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Request is everything the model sees for one cycle.
type Request struct {
	Instruction   string
	History       []conversation.Turn
	PreviousFiles fileset.FileSet
}

type Generator struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Generator {
	return &Generator{backend: backend, logger: logger}
}

// Generate asks the backend for a project and returns its raw reply.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if g.backend == nil {
		return "", ErrNoBackend
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return "", err
	}

	g.logger.Info("requesting generation",
		"history_turns", len(req.History),
		"previous_files", req.PreviousFiles.Len(),
		"prompt_len", len(prompt),
	)

	raw, err := g.backend.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("llm generation: %w", err)
	}

	g.logger.Info("generation complete", "raw_len", len(raw))
	return raw, nil
}

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) (string, error) {
	files, err := encodeFiles(req.PreviousFiles)
	if err != nil {
		return "", fmt.Errorf("encode previous files: %w", err)
	}
	return fmt.Sprintf(generationUserPrompt, summarize(req.History), files, strings.TrimSpace(req.Instruction)), nil
}

func summarize(history []conversation.Turn) string {
	if len(history) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, turn := range history {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s: %s", turn.Role, strings.TrimSpace(turn.Text))
	}
	return sb.String()
}

func encodeFiles(fs fileset.FileSet) (string, error) {
	if fs.Len() == 0 {
		return "(none)", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fs); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
