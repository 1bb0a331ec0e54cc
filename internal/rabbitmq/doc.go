// Package rabbitmq connects the gateway to RabbitMQ.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: pooled channels for declarations and publishes
//   - Publisher: publishes with broker confirms and retries
//   - Consumer: subscriptions on dedicated channels with ack strategies
//   - TopologyManager: exchanges, queues and bindings
//   - Broker: the queue and exchange commands of client connections
//   - Offloader and Worker: run offloadable commands in another process
//
// Everything above the connection talks to a Channel, so the broker commands can be
// exercised without a live broker.
package rabbitmq
