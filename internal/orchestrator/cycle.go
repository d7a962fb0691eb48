package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/kiln/internal/codegen"
	"github.com/MikeSquared-Agency/kiln/internal/conversation"
	"github.com/MikeSquared-Agency/kiln/internal/events"
	"github.com/MikeSquared-Agency/kiln/internal/extractor"
	"github.com/MikeSquared-Agency/kiln/internal/fileset"
	"github.com/MikeSquared-Agency/kiln/internal/store"
)

// runCycle generates, reconciles and publishes the file set for msg.
// Every failure leaves the previous file set published.
func (o *Orchestrator) runCycle(s *session, msg conversation.Message) {
	start := time.Now()
	id := s.workspace.ID
	logger := o.logger.With("workspace_id", id, "message_id", msg.ID)

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := o.store.MarkProcessed(persistCtx, msg.ID); err != nil {
		logger.Warn("failed to persist processed flag", "error", err)
	}
	cancel()

	prev := s.published.Load()
	// version 0 is the scaffold; its placeholder entry must not pin the path
	existing := prev.Files
	if prev.Version == 0 {
		existing = fileset.FileSet{}
	}

	req := codegen.Request{
		Instruction:   msg.Text,
		History:       s.trigger.History(msg.ID, o.cfg.HistoryLimit),
		PreviousFiles: existing,
	}

	logger.Info("cycle started", "version", prev.Version, "history_turns", len(req.History))

	genCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	raw, err := o.gen.Generate(genCtx, req)
	cancel()
	if err != nil {
		logger.Error("generation failed", "error", err)
		o.fail(s, prev, msg, events.OutcomeTransportFailed, err, "", start)
		return
	}

	artifact, err := extractor.Extract(raw)
	if err != nil {
		var failure *extractor.ExtractionFailure
		rawText := raw
		if errors.As(err, &failure) {
			rawText = failure.RawText
		}
		logger.Warn("extraction failed", "raw_len", len(raw), "error", err)
		o.fail(s, prev, msg, events.OutcomeExtractionFailed, err, rawText, start)
		return
	}

	outcome := events.OutcomePublished
	incoming := fileset.New(entries(artifact.Files)...)
	if incoming.Len() == 0 {
		outcome = events.OutcomeDegenerate
		incoming = fileset.Fallback()
		logger.Warn("artifact has no files, using fallback project", "raw_len", len(raw))
	}
	files := fileset.EnsureEntryPoint(fileset.Normalize(incoming, existing))

	now := time.Now().UTC()
	reply := conversation.NewMessage(id, conversation.RoleAssistant, replyText(artifact, outcome, files))
	next := newSnapshot(id, prev.Version+1, artifact.Title, artifact.Explanation, files, now)

	// appendMu spans the commit: store and trigger logs keep the same order
	s.appendMu.Lock()
	persistCtx, cancel = context.WithTimeout(context.Background(), persistTimeout)
	err = o.store.SaveCycle(persistCtx, reply, store.Snapshot{
		WorkspaceID: id,
		Version:     next.Version,
		MessageID:   msg.ID,
		Title:       next.Title,
		Explanation: next.Explanation,
		Files:       files,
		CreatedAt:   now,
	})
	cancel()
	if err != nil {
		s.appendMu.Unlock()
		logger.Error("failed to persist cycle", "version", next.Version, "error", err)
		o.fail(s, prev, msg, events.OutcomePersistenceFailed, err, raw, start)
		return
	}
	s.trigger.Append(reply)
	s.appendMu.Unlock()

	status := CycleStatus{MessageID: msg.ID, Outcome: outcome, At: now}
	if outcome == events.OutcomeDegenerate {
		status.RawText = raw
	}
	s.published.Store(next.withStatus(status))

	logger.Info("cycle published",
		"version", next.Version,
		"outcome", outcome,
		"files", files.Len(),
		"stage", artifact.Stage,
		"duration", time.Since(start),
	)

	o.notify(events.Cycle{
		WorkspaceID: id,
		MessageID:   msg.ID,
		ReplyID:     reply.ID,
		Outcome:     outcome,
		Version:     next.Version,
		Title:       next.Title,
		Explanation: next.Explanation,
		Files:       files,
		ActiveFile:  next.ActiveFile,
		Entry:       next.Entry,
		RawText:     status.RawText,
		Duration:    time.Since(start),
		At:          now,
	})
}

// fail records a cycle that left prev in place.
func (o *Orchestrator) fail(s *session, prev *Snapshot, msg conversation.Message, outcome events.Outcome, cause error, rawText string, start time.Time) {
	now := time.Now().UTC()
	s.published.Store(prev.withStatus(CycleStatus{
		MessageID: msg.ID,
		Outcome:   outcome,
		Error:     cause.Error(),
		RawText:   rawText,
		At:        now,
	}))

	o.notify(events.Cycle{
		WorkspaceID: s.workspace.ID,
		MessageID:   msg.ID,
		Outcome:     outcome,
		Version:     prev.Version,
		Title:       prev.Title,
		Explanation: prev.Explanation,
		Files:       prev.Files,
		ActiveFile:  prev.ActiveFile,
		Entry:       prev.Entry,
		RawText:     rawText,
		Error:       cause.Error(),
		Duration:    time.Since(start),
		At:          now,
	})
}

func (o *Orchestrator) notify(c events.Cycle) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, n := range o.notifiers {
		n.Notify(ctx, c)
	}
}

func entries(files []extractor.File) []fileset.Entry {
	out := make([]fileset.Entry, len(files))
	for i, f := range files {
		out[i] = fileset.Entry{Path: f.Path, Content: f.Content}
	}
	return out
}

// replyText is the assistant message stored for a published cycle.
func replyText(a *extractor.Artifact, outcome events.Outcome, files fileset.FileSet) string {
	switch {
	case outcome == events.OutcomeDegenerate:
		return "The model returned no files, so a placeholder project is shown. Try rephrasing the request."
	case a.Explanation != "":
		return a.Explanation
	case a.Title != "":
		return a.Title
	default:
		return fmt.Sprintf("Updated %d files.", files.Len())
	}
}
