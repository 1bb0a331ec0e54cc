package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

// LoggingMiddleware logs every command with its outcome and duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) contracts.Envelope {
			start := time.Now()
			reply := next(ctx, call)
			attrs := []any{
				"command", call.Request.Command,
				"id", call.Request.ID,
				"duration", time.Since(start),
			}
			if call.Identity != nil {
				attrs = append(attrs, "user", call.Identity.Username)
			}
			if call.Conn != nil {
				attrs = append(attrs, "connection", call.Conn.ID())
			}
			if ReplyFailed(reply) {
				logger.Warn("command failed", attrs...)
			} else {
				logger.Debug("command processed", attrs...)
			}
			return reply
		}
	}
}

// DeadlineMiddleware bounds the context handed to handlers. Handlers still
// run to completion; only collaborator calls observing ctx are cut short.
func DeadlineMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, call *Call) contracts.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, call)
		}
	}
}

// DisabledCommands answers the named commands with an error instead of
// running them.
func DisabledCommands(commands ...string) Middleware {
	disabled := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		disabled[c] = struct{}{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) contracts.Envelope {
			if _, ok := disabled[call.Request.Command]; ok {
				return call.Request.ErrorReply("Command " + call.Request.Command + " is disabled")
			}
			return next(ctx, call)
		}
	}
}
