package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the x-max-priority of offload work queues.
const MaxPriority = 10

// TopologyManager declares exchanges, queues and bindings through the pool.
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration is one exchange to declare.
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration is one queue to declare. An empty name asks the broker
// for a generated one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding binds a queue to an exchange.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied in order: exchanges, queues,
// then bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// ExchangeKind maps a client exchange algorithm to the AMQP exchange type.
func ExchangeKind(algorithm string) (string, error) {
	switch algorithm {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic:
		return algorithm, nil
	case "header", amqp.ExchangeHeaders:
		return amqp.ExchangeHeaders, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
}

// DeclareTopology applies topology on one pooled channel.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return err
			}
		}
		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return err
			}
		}
		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeclareExchange declares a single exchange.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return declareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue. An empty name yields a server
// named queue, returned in the result.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue binds a queue, as registerexchange does for its consumer queue.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return bindQueue(ch, binding)
	})
}

// WorkQueueTopology describes a durable priority work queue whose rejected
// messages are dead lettered to "<queue>.dlq".
func WorkQueueTopology(queue string) Topology {
	dlq := queue + ".dlq"
	return Topology{
		Exchanges: []ExchangeDeclaration{{Name: "dlx", Type: amqp.ExchangeDirect, Durable: true}},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{Name: queue, Durable: true, Arguments: amqp.Table{
				"x-max-priority":            int32(MaxPriority),
				"x-dead-letter-exchange":    "dlx",
				"x-dead-letter-routing-key": dlq,
			}},
		},
		Bindings: []Binding{{Queue: dlq, Exchange: "dlx", RoutingKey: dlq}},
	}
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

func bindQueue(ch Channel, binding Binding) error {
	if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err}
	}
	return nil
}
