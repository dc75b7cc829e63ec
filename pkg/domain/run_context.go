package domain

import (
	"context"
)

type RunContextKey struct{}

// RunContext is the shared, read-only view of a dispatch call handed to every
// node executor.
type RunContext struct {
	RunID   string
	TeamID  string
	UserID  string
	AppID   string
	ChatID  string
	UsageID string
	Mode    DispatchMode

	Variables       map[string]any
	Histories       []ChatItem
	Query           string
	LastInteractive *InteractiveSnapshot

	Stream          StreamFunc
	Pool            ConnectionPool
	Depth           int
	Dispatcher      Dispatcher
	ResponseAllData bool

	// RemainingRunTimes is the run budget left when the node started. Nested
	// dispatches are capped to it.
	RemainingRunTimes float64
}

func (c *RunContext) IsStreaming() bool {
	return c.Stream != nil
}

func (c *RunContext) Emit(event StreamEvent) {
	if c.Stream == nil {
		return
	}

	c.Stream(event)
}

// IsResuming reports whether node is the entry of a resumed pause of the
// given type, that is the user is answering what the node asked for.
func (c *RunContext) IsResuming(node Node, interactiveType InteractiveType) bool {
	return node.IsEntry && c.LastInteractive != nil && c.LastInteractive.Type == interactiveType
}

func NewContextWithRunContext(ctx context.Context, runContext *RunContext) context.Context {
	return context.WithValue(ctx, RunContextKey{}, runContext)
}

func GetRunContext(ctx context.Context) (*RunContext, bool) {
	runContext, ok := ctx.Value(RunContextKey{}).(*RunContext)

	return runContext, ok
}
