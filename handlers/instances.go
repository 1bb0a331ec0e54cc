package handlers

import (
	"context"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// InstanceMessage addresses the worker instance of a user. An empty id
// means the caller.
type InstanceMessage struct {
	contracts.ReplyError
	ID string `json:"_id,omitempty"`
}

type InstancePodMessage struct {
	contracts.ReplyError
	ID           string `json:"_id,omitempty"`
	InstanceName string `json:"instancename"`
}

type GetInstanceMessage struct {
	contracts.ReplyError
	ID      string           `json:"_id,omitempty"`
	Results []map[string]any `json:"results"`
}

type InstanceLogMessage struct {
	contracts.ReplyError
	ID           string `json:"_id,omitempty"`
	InstanceName string `json:"instancename,omitempty"`
	Result       string `json:"result"`
}

type NodeLabelsMessage struct {
	contracts.ReplyError
	Result map[string]any `json:"result"`
}

func (h *Handlers) EnsureInstance(ctx context.Context, call *messaging.Call, msg *InstanceMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	return h.instances.Ensure(ctx, identity, msg.ID)
}

func (h *Handlers) DeleteInstance(ctx context.Context, call *messaging.Call, msg *InstanceMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	return h.instances.Delete(ctx, identity, msg.ID)
}

func (h *Handlers) RestartInstance(ctx context.Context, call *messaging.Call, msg *InstanceMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	return h.instances.Restart(ctx, identity, msg.ID)
}

func (h *Handlers) DeletePod(ctx context.Context, call *messaging.Call, msg *InstancePodMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	return h.instances.DeletePod(ctx, identity, msg.ID, msg.InstanceName)
}

func (h *Handlers) GetInstance(ctx context.Context, call *messaging.Call, msg *GetInstanceMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Results, err = h.instances.Get(ctx, identity, msg.ID)
	return err
}

func (h *Handlers) GetInstanceLog(ctx context.Context, call *messaging.Call, msg *InstanceLogMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Result, err = h.instances.Log(ctx, identity, msg.ID, msg.InstanceName)
	return err
}

func (h *Handlers) GetNodeLabels(ctx context.Context, call *messaging.Call, msg *NodeLabelsMessage) error {
	if _, err := caller(call); err != nil {
		return err
	}
	var err error
	msg.Result, err = h.instances.NodeLabels(ctx)
	return err
}
