package ctxrelay

import (
	"context"
	"strings"
	"time"

	"github.com/dan-solli/ctxrelay/pkg/events"
	"github.com/dan-solli/ctxrelay/pkg/store"
)

// InitializeRequest seeds a new context.
type InitializeRequest struct {
	SessionID string
	// Input is free text; short input becomes one fragment, long input is
	// split into sentence-aligned fragments.
	Input string
	// Fragments are added after the ones derived from Input.
	Fragments   []store.Fragment
	Metadata    map[string]any
	SourceAgent string
}

// Initialize creates a new context at version 0 with an empty decision trace.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (*store.ContextPacket, error) {
	op := e.begin(ctx, OpInitialize, "")

	if strings.TrimSpace(req.SessionID) == "" {
		return nil, op.fail(invalidInput(OpInitialize, "", "session_id is required"))
	}
	if strings.TrimSpace(req.Input) == "" && len(req.Fragments) == 0 {
		return nil, op.fail(invalidInput(OpInitialize, "", "initial_input or fragments are required"))
	}

	now := e.now()
	frags := e.inputFragments(req.Input, req.SourceAgent, now)
	for _, f := range req.Fragments {
		f = f.Clone()
		f.Normalize(now)
		if err := f.Validate(); err != nil {
			return nil, op.fail(invalidInput(OpInitialize, "", "%s", err.Error()))
		}
		frags = append(frags, f)
	}
	if err := checkUniqueIDs(frags); err != nil {
		return nil, op.fail(err)
	}

	if err := e.embed(op, frags); err != nil {
		return nil, op.fail(err)
	}
	if err := checkDimensions(OpInitialize, "", nil, frags); err != nil {
		return nil, op.fail(err)
	}

	p := &store.ContextPacket{
		ContextID:     e.newID(),
		SessionID:     req.SessionID,
		Fragments:     frags,
		DecisionTrace: []store.DecisionRecord{},
		Metadata:      cloneMetadata(req.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	op.contextID = p.ContextID
	op.ids["contextId"] = p.ContextID

	if err := e.commit(op, p, store.NewContext); err != nil {
		return nil, op.fail(err)
	}

	e.logger.Info("context initialized",
		"context_id", p.ContextID,
		"session_id", p.SessionID,
		"fragments", len(p.Fragments))

	e.events.Publish(events.TypeContextInitialized, map[string]any{
		"contextId":     p.ContextID,
		"sessionId":     p.SessionID,
		"version":       p.Version,
		"fragmentCount": len(p.Fragments),
	})
	op.succeed()
	return p, nil
}

// inputFragments turns free text into fragments. Text that fits in one chunk
// is kept verbatim.
func (e *Engine) inputFragments(input, agent string, now time.Time) []store.Fragment {
	text := strings.TrimSpace(input)
	if text == "" {
		return nil
	}
	if agent == "" {
		agent = e.cfg.SystemAgent
	}

	pieces := []string{text}
	if !e.chunker.Fits(text) {
		pieces = pieces[:0]
		for _, c := range e.chunker.Chunk(text) {
			pieces = append(pieces, c.Text)
		}
	}

	frags := make([]store.Fragment, 0, len(pieces))
	for _, piece := range pieces {
		f := store.NewTextFragment(piece, agent, 1.0)
		f.FragmentID = e.newID()
		f.Metadata.CreatedAt = now
		frags = append(frags, f)
	}
	return frags
}

func checkUniqueIDs(frags []store.Fragment) error {
	seen := make(map[string]bool, len(frags))
	for _, f := range frags {
		if seen[f.FragmentID] {
			return newError(KindConflict, "", "", "duplicate fragment_id %s", f.FragmentID)
		}
		seen[f.FragmentID] = true
	}
	return nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	p := &store.ContextPacket{Metadata: m}
	return p.Clone().Metadata
}
