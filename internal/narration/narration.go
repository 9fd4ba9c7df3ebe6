// Package narration turns mechanical event results into stylized prose.
//
// Narration is best-effort: the dispatcher commits mechanics first and asks
// for prose afterwards. When the narrator fails or times out, Fallback
// supplies a terse mechanical summary and the result is marked degraded;
// degraded text is never persisted to the timeline.
package narration

import (
	"context"
	"fmt"
	"strings"
)

// Request carries everything a narrator needs to describe one event.
type Request struct {
	Kind      string
	GameID    string
	SessionID string
	ActorName string

	// Outcome is a short mechanical summary of the resolved event,
	// e.g. "hit for 4 damage" or "check failed by 2".
	Outcome string
	Success bool

	// Snippets are retrieved lore or archive fragments that scope the
	// prose to the game world.
	Snippets []Snippet

	// History holds the most recent narratives from the same stream,
	// oldest first, to keep tone continuous.
	History []string
}

// Snippet is one retrieved piece of world context.
type Snippet struct {
	Category string
	Scope    string
	Text     string
}

// Narrator generates prose for an event. Implementations must honor ctx
// cancellation; the dispatcher bounds every call with a timeout.
type Narrator interface {
	Narrate(ctx context.Context, req Request) (string, error)
}

// Retriever looks up world-context snippets for a narration request.
type Retriever interface {
	Retrieve(ctx context.Context, query, category, scope string) ([]Snippet, error)
}

// Fallback returns a minimal mechanical narrative for a request. It never
// fails and never blocks.
func Fallback(req Request) string {
	var b strings.Builder
	if req.ActorName != "" {
		b.WriteString(req.ActorName)
		b.WriteString(": ")
	}
	if req.Outcome != "" {
		b.WriteString(req.Outcome)
	} else if req.Success {
		fmt.Fprintf(&b, "%s succeeded", req.Kind)
	} else {
		fmt.Fprintf(&b, "%s failed", req.Kind)
	}
	return b.String()
}

// NopNarrator always fails, forcing the fallback path. Useful when no
// narration backend is configured.
type NopNarrator struct{}

func (NopNarrator) Narrate(context.Context, Request) (string, error) {
	return "", fmt.Errorf("narration backend not configured")
}

// NopRetriever returns no snippets.
type NopRetriever struct{}

func (NopRetriever) Retrieve(context.Context, string, string, string) ([]Snippet, error) {
	return nil, nil
}
