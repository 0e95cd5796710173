// Package logging defines the structured-logging interface the rest of
// the project logs through. The server wires in a slog-backed
// implementation; tests swap in a discarding one.
package logging

import "context"

// Logger logs context-aware records. The variadic args are alternating
// keys and values, as in:
//
//	log.Info(ctx, "relay pass done", "attempted", n, "failed", f)
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)

	Warn(ctx context.Context, msg string, args ...any)

	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that stamps the given pairs on every record.
	With(args ...any) Logger
}
