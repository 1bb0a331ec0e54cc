// Package messaging routes client envelopes to command handlers.
//
// This package includes:
//   - Connection: one client session with an ordered outbound queue
//   - Registry: the command descriptors known to the dispatcher
//   - Dispatcher: authentication, rate limiting, middleware and offloading
//   - CorrelationTracker: server initiated requests awaiting a client reply
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	if err := h.Register(registry); err != nil {
//		return err
//	}
//	dispatcher := messaging.NewDispatcher(registry,
//		messaging.WithIdentityResolver(guard),
//		messaging.WithMiddleware(messaging.LoggingMiddleware(logger)),
//	)
//	conn := messaging.NewConnection(sender)
//	go conn.Run(ctx)
//	dispatcher.ProcessRaw(ctx, conn, frame)
package messaging
