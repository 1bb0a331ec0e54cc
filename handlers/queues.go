package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

var exchangeAlgorithms = map[string]bool{"direct": true, "fanout": true, "topic": true, "header": true}

type RegisterQueueMessage struct {
	contracts.ReplyError
	QueueName string `json:"queuename"`
}

type RegisterExchangeMessage struct {
	contracts.ReplyError
	ExchangeName string `json:"exchangename"`
	Algorithm    string `json:"algorithm"`
	RoutingKey   string `json:"routingkey"`
	AddQueue     *bool  `json:"addqueue,omitempty"`
	QueueName    string `json:"queuename,omitempty"`
}

type QueueMessage struct {
	contracts.ReplyError
	QueueName     string          `json:"queuename,omitempty"`
	Exchange      string          `json:"exchange,omitempty"`
	RoutingKey    string          `json:"routingkey,omitempty"`
	ReplyTo       string          `json:"replyto,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Expiration    *int64          `json:"expiration,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	StripToken    bool            `json:"striptoken,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type CloseQueueMessage struct {
	contracts.ReplyError
	QueueName string `json:"queuename"`
}

func requireConnection(call *messaging.Call) (*messaging.Connection, error) {
	if call.Conn == nil {
		return nil, contracts.Validation("%s requires a client connection", call.Request.Command)
	}
	return call.Conn, nil
}

// RegisterQueue starts consuming a queue for the calling connection.
func (h *Handlers) RegisterQueue(ctx context.Context, call *messaging.Call, msg *RegisterQueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	conn, err := requireConnection(call)
	if err != nil {
		return err
	}
	if err := auth.CheckReserved(msg.QueueName); err != nil {
		return err
	}
	name := h.guard.QueueName(identity, msg.QueueName)
	if err := h.guard.AuthorizeConsumer(ctx, identity, auth.KindQueue, name); err != nil {
		return err
	}
	msg.QueueName, err = h.queues.RegisterQueue(ctx, conn, name)
	return contracts.Upstream("register queue", err)
}

// RegisterExchange declares an exchange and, by default, a bound consumer
// queue for the calling connection.
func (h *Handlers) RegisterExchange(ctx context.Context, call *messaging.Call, msg *RegisterExchangeMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	conn, err := requireConnection(call)
	if err != nil {
		return err
	}
	if msg.ExchangeName == "" {
		return contracts.AccessDenied("")
	}
	if err := auth.CheckReserved(msg.ExchangeName); err != nil {
		return err
	}
	if msg.Algorithm == "" {
		return contracts.Validation("algorithm is mandatory, as either direct, fanout, topic or header")
	}
	if !exchangeAlgorithms[msg.Algorithm] {
		return contracts.Validation("invalid algorithm must be either direct, fanout, topic or header")
	}
	addQueue := true
	if msg.AddQueue != nil {
		addQueue = *msg.AddQueue
	}
	name := h.guard.ExchangeName(identity, msg.ExchangeName)
	if err := h.guard.AuthorizeConsumer(ctx, identity, auth.KindExchange, name); err != nil {
		return err
	}
	queue, err := h.queues.RegisterExchange(ctx, conn, name, msg.Algorithm, msg.RoutingKey, addQueue)
	if err != nil {
		return contracts.Upstream("register exchange", err)
	}
	msg.ExchangeName = name
	msg.QueueName = queue
	return nil
}

// QueueMessage publishes data to a queue or exchange on behalf of the caller.
func (h *Handlers) QueueMessage(ctx context.Context, call *messaging.Call, msg *QueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if err := auth.CheckReserved(msg.QueueName, msg.Exchange, msg.ReplyTo); err != nil {
		return err
	}
	if msg.QueueName == "" && msg.Exchange == "" {
		return contracts.Validation("queuename or exchange must be given")
	}
	if msg.Exchange != "" && !h.settings.EnableExchange {
		return contracts.Validation("AMQP exchange is not enabled on this OpenFlow")
	}
	if msg.ReplyTo != "" && msg.QueueName == msg.ReplyTo {
		return contracts.Validation("Cannot send reply to self queuename: %s correlationId: %s", msg.QueueName, msg.CorrelationID)
	}
	if err := h.guard.AuthorizeSender(ctx, identity, auth.KindQueue, msg.QueueName); err != nil {
		return err
	}
	if err := h.guard.AuthorizeSender(ctx, identity, auth.KindExchange, msg.Exchange); err != nil {
		return err
	}

	body, err := outboundBody(msg.Data, call.Token(), identity, msg.StripToken)
	if err != nil {
		return err
	}
	expiration := h.settings.DefaultExpiration
	if msg.Expiration != nil {
		expiration = time.Duration(*msg.Expiration) * time.Millisecond
	}
	out := messaging.OutboundMessage{
		Exchange:      msg.Exchange,
		RoutingKey:    msg.RoutingKey,
		Queue:         msg.QueueName,
		ReplyTo:       msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		Expiration:    expiration,
		Priority:      msg.Priority,
		Body:          body,
	}
	if msg.ReplyTo == "" {
		err = h.queues.Send(ctx, out)
	} else {
		err = h.queues.SendWithReplyTo(ctx, out)
	}
	if err != nil {
		return contracts.Upstream("queue message", err)
	}
	msg.Data = nil
	return nil
}

// outboundBody attaches the caller token and identity to object payloads.
// String payloads holding JSON are decoded first; other payloads are sent
// as they are.
func outboundBody(data json.RawMessage, token string, identity *contracts.Identity, stripToken bool) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, contracts.Validation("data is not valid json: %v", err)
	}
	if s, ok := value.(string); ok {
		var inner any
		if json.Unmarshal([]byte(s), &inner) == nil {
			value = inner
		}
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return json.Marshal(value)
	}
	obj["__user"] = identity
	if stripToken {
		delete(obj, "jwt")
	} else {
		obj["__jwt"] = token
	}
	return json.Marshal(obj)
}

// CloseQueue stops consuming a queue registered by the calling connection.
func (h *Handlers) CloseQueue(ctx context.Context, call *messaging.Call, msg *CloseQueueMessage) error {
	if _, err := caller(call); err != nil {
		return err
	}
	conn, err := requireConnection(call)
	if err != nil {
		return err
	}
	if msg.QueueName == "" {
		return contracts.Mandatory("queuename")
	}
	return contracts.Upstream("close queue", h.queues.CloseConsumer(ctx, conn, msg.QueueName))
}
