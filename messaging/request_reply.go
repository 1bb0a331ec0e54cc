package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

// RequestStatus represents the status of an outbound request
type RequestStatus string

const (
	RequestStatusSent      RequestStatus = "sent"
	RequestStatusFulfilled RequestStatus = "fulfilled"
	RequestStatusAbandoned RequestStatus = "abandoned"
)

// ReplyCallback receives the merged reply, or the reason the request was abandoned.
type ReplyCallback func(reply contracts.Envelope, err error)

// PendingRequest is an outbound request awaiting its reply.
type PendingRequest struct {
	Skeleton contracts.Envelope
	Callback ReplyCallback
	Status   RequestStatus
	SentAt   time.Time
}

// CorrelationTracker maps outbound request ids to their completion
// callbacks. Entries live until resolved or flushed.
type CorrelationTracker struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	now     func() time.Time
}

// NewCorrelationTracker creates an empty tracker.
func NewCorrelationTracker() *CorrelationTracker {
	return &CorrelationTracker{
		pending: make(map[string]*PendingRequest),
		now:     time.Now,
	}
}

// Track registers skeleton as sent.
func (t *CorrelationTracker) Track(skeleton contracts.Envelope, callback ReplyCallback) error {
	if skeleton.ID == "" {
		return fmt.Errorf("correlation ID is required")
	}
	if callback == nil {
		return fmt.Errorf("callback cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[skeleton.ID]; exists {
		return fmt.Errorf("request already tracked: %s", skeleton.ID)
	}
	t.pending[skeleton.ID] = &PendingRequest{
		Skeleton: skeleton,
		Callback: callback,
		Status:   RequestStatusSent,
		SentAt:   t.now(),
	}
	return nil
}

// Resolve completes the request that reply answers. The reply payload is
// merged into the stored skeleton before the callback runs. It reports
// whether a pending request was found.
func (t *CorrelationTracker) Resolve(reply contracts.Envelope) bool {
	t.mu.Lock()
	req, ok := t.pending[reply.ReplyTo]
	if ok {
		delete(t.pending, reply.ReplyTo)
		req.Status = RequestStatusFulfilled
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	merged := req.Skeleton
	merged.Data = mergePayload(req.Skeleton.Data, reply.Data)
	merged.ReplyTo = reply.ReplyTo
	if reply.Command != "" {
		merged.Command = reply.Command
	}
	req.Callback(merged, nil)
	return true
}

// Abandon removes a pending request and invokes its callback with err.
func (t *CorrelationTracker) Abandon(id string, err error) bool {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		req.Status = RequestStatusAbandoned
	}
	t.mu.Unlock()

	if ok {
		req.Callback(contracts.Envelope{}, err)
	}
	return ok
}

// Flush abandons every pending request and returns how many there were.
func (t *CorrelationTracker) Flush(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*PendingRequest)
	t.mu.Unlock()

	for _, req := range pending {
		req.Status = RequestStatusAbandoned
		req.Callback(contracts.Envelope{}, err)
	}
	return len(pending)
}

// Len returns the number of pending requests.
func (t *CorrelationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Pending returns a snapshot of the outstanding requests.
func (t *CorrelationTracker) Pending() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingRequest, 0, len(t.pending))
	for _, req := range t.pending {
		out = append(out, *req)
	}
	return out
}

// mergePayload overlays reply fields onto the skeleton payload when both are
// objects. Otherwise the reply payload wins.
func mergePayload(skeleton, reply json.RawMessage) json.RawMessage {
	if len(reply) == 0 {
		return skeleton
	}
	var base, overlay map[string]json.RawMessage
	if json.Unmarshal(skeleton, &base) != nil || json.Unmarshal(reply, &overlay) != nil {
		return reply
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(overlay))
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return reply
	}
	return merged
}
