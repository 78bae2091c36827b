package domain

import "context"

// EventArgs is passed to command event handlers. Success is only meaningful
// for callback events.
type EventArgs struct {
	Command *Command
	Success bool
	Context any
}

// EventResult is returned by starting-event handlers. Break aborts the commit
// before any command executes.
type EventResult struct {
	Break   bool
	Message string
}

// EventHandler reacts to a command lifecycle point.
type EventHandler interface {
	Handle(ctx context.Context, args EventArgs) EventResult
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, args EventArgs) EventResult

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, args EventArgs) EventResult {
	return f(ctx, args)
}

// EventBinding pairs a handler with the context value it receives. Async
// bindings run fire-and-forget and cannot break a commit.
type EventBinding struct {
	Name    string
	Handler EventHandler
	Context any
	Async   bool
}
