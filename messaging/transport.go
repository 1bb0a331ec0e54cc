package messaging

import (
	"context"
	"time"
)

// OutboundMessage is a payload published to the broker on behalf of a client.
type OutboundMessage struct {
	Exchange      string
	RoutingKey    string
	Queue         string
	ReplyTo       string
	CorrelationID string
	Expiration    time.Duration
	Priority      int
	Body          []byte
}

// QueueClient is the broker surface used by the queue and exchange commands.
type QueueClient interface {
	// RegisterQueue declares queue (a server named queue when empty) and
	// forwards its deliveries to conn. It returns the effective queue name.
	RegisterQueue(ctx context.Context, conn *Connection, queue string) (string, error)

	// RegisterExchange declares exchange with the given algorithm. When
	// addQueue is set a consumer queue is bound with routingKey and its name
	// returned.
	RegisterExchange(ctx context.Context, conn *Connection, exchange, algorithm, routingKey string, addQueue bool) (string, error)

	// CloseConsumer stops consuming queue for conn.
	CloseConsumer(ctx context.Context, conn *Connection, queue string) error

	// Send publishes a message without a reply address.
	Send(ctx context.Context, msg OutboundMessage) error

	// SendWithReplyTo publishes a message whose replies go to msg.ReplyTo.
	SendWithReplyTo(ctx context.Context, msg OutboundMessage) error
}
