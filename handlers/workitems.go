package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/store"
)

// Workitem states.
const (
	StateNew        = "new"
	StateProcessing = "processing"
	StateRetry      = "retry"
	StateFailed     = "failed"
	StateSuccessful = "successful"
)

const (
	typeWorkitem      = "workitem"
	typeWorkitemQueue = "workitemqueue"
	defaultItemName   = "New work item"
)

// WorkitemQueueFields are the settable fields of a workitem queue.
type WorkitemQueueFields struct {
	Name         string `json:"name"`
	WorkflowID   string `json:"workflowid,omitempty"`
	RobotQueue   string `json:"robotqueue,omitempty"`
	ProjectID    string `json:"projectid,omitempty"`
	AMQPQueue    string `json:"amqpqueue,omitempty"`
	MaxRetries   *int   `json:"maxretries,omitempty"`
	RetryDelay   *int   `json:"retrydelay,omitempty"`
	InitialDelay *int   `json:"initialdelay,omitempty"`
}

type AddWorkitemQueueMessage struct {
	contracts.ReplyError
	WorkitemQueueFields
	SkipRole bool               `json:"skiprole,omitempty"`
	Result   contracts.Document `json:"result,omitempty"`
}

type GetWorkitemQueueMessage struct {
	contracts.ReplyError
	ID     string             `json:"_id,omitempty"`
	Name   string             `json:"name,omitempty"`
	Result contracts.Document `json:"result,omitempty"`
}

type UpdateWorkitemQueueMessage struct {
	contracts.ReplyError
	WorkitemQueueFields
	ID     string             `json:"_id,omitempty"`
	ACL    []any              `json:"_acl,omitempty"`
	Purge  bool               `json:"purge,omitempty"`
	Result contracts.Document `json:"result,omitempty"`
}

type DeleteWorkitemQueueMessage struct {
	contracts.ReplyError
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name,omitempty"`
	Purge bool   `json:"purge,omitempty"`
}

// WorkitemInput describes one workitem to add.
type WorkitemInput struct {
	Name     string          `json:"name,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	NextRun  *time.Time      `json:"nextrun,omitempty"`
	Files    json.RawMessage `json:"files,omitempty"`
}

type AddWorkitemMessage struct {
	contracts.ReplyError
	WorkitemInput
	WIQ    string             `json:"wiq,omitempty"`
	WIQID  string             `json:"wiqid,omitempty"`
	Result contracts.Document `json:"result,omitempty"`
}

type AddWorkitemsMessage struct {
	contracts.ReplyError
	WIQ   string          `json:"wiq,omitempty"`
	WIQID string          `json:"wiqid,omitempty"`
	Items []WorkitemInput `json:"items"`
}

type PopWorkitemMessage struct {
	contracts.ReplyError
	WIQ    string             `json:"wiq,omitempty"`
	WIQID  string             `json:"wiqid,omitempty"`
	Result contracts.Document `json:"result,omitempty"`
}

type UpdateWorkitemMessage struct {
	contracts.ReplyError
	ID               string             `json:"_id"`
	Name             string             `json:"name,omitempty"`
	State            string             `json:"state,omitempty"`
	Payload          json.RawMessage    `json:"payload,omitempty"`
	ErrorMessage     *string            `json:"errormessage,omitempty"`
	ErrorType        string             `json:"errortype,omitempty"`
	ErrorSource      *string            `json:"errorsource,omitempty"`
	IgnoreMaxRetries bool               `json:"ignoremaxretries,omitempty"`
	Files            json.RawMessage    `json:"files,omitempty"`
	Result           contracts.Document `json:"result,omitempty"`
}

type DeleteWorkitemMessage struct {
	contracts.ReplyError
	ID string `json:"_id"`
}

// findQueue resolves a workitem queue by id, then by name, as identity.
func (h *Handlers) findQueue(ctx context.Context, identity *contracts.Identity, id, name string) (contracts.Document, error) {
	lookups := make([]contracts.Document, 0, 2)
	if id != "" {
		lookups = append(lookups, contracts.Document{"_id": id})
	}
	if name != "" {
		lookups = append(lookups, contracts.Document{"name": name, "_type": typeWorkitemQueue})
	}
	for _, q := range lookups {
		found, err := h.store.Query(ctx, identity, store.QueryRequest{Collection: store.CollectionMQ, Query: q, Top: 1})
		if err != nil {
			return nil, contracts.Upstream("find workitem queue", err)
		}
		if len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, nil
}

func (h *Handlers) itemQueue(ctx context.Context, identity *contracts.Identity, wiqid, wiq string) (contracts.Document, error) {
	if wiqid == "" && wiq == "" {
		return nil, contracts.Validation("wiq or wiqid is mandatory")
	}
	queue, err := h.findQueue(ctx, identity, wiqid, wiq)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, contracts.NotFound("Work item queue not found %s (%s) not found.", wiq, wiqid)
	}
	return queue, nil
}

// AddWorkitemQueue creates a workitem queue and, unless skiprole is set, a
// "<name> users" role owning it.
func (h *Handlers) AddWorkitemQueue(ctx context.Context, call *messaging.Call, msg *AddWorkitemQueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	switch {
	case msg.Name == "":
		return contracts.Validation("Name is mandatory")
	case msg.MaxRetries == nil:
		return contracts.Mandatory("maxretries")
	case msg.RetryDelay == nil:
		return contracts.Mandatory("retrydelay")
	case msg.InitialDelay == nil:
		return contracts.Mandatory("initialdelay")
	}
	existing, err := h.findQueue(ctx, contracts.Root(), "", msg.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return contracts.Validation("Work item queue with name %s already exists", msg.Name)
	}

	admins, err := auth.EnsureRole(ctx, h.store, contracts.WorkitemQueueAdminsName, contracts.WorkitemQueueAdminsID)
	if err != nil {
		return contracts.Upstream("ensure workitem queue admins", err)
	}
	queue, err := contracts.ToDocument(msg.WorkitemQueueFields)
	if err != nil {
		return err
	}
	queue["_type"] = typeWorkitemQueue
	var acl contracts.ACL
	if msg.SkipRole {
		acl = acl.Grant(admins.String("_id"), admins.String("name"), contracts.FullControl)
	} else {
		role, err := auth.EnsureRole(ctx, h.store, msg.Name+" users", "")
		if err != nil {
			return contracts.Upstream("ensure queue users role", err)
		}
		roleACL := contracts.DecodeACL(role["_acl"]).
			Grant(contracts.AdminsID, contracts.AdminsName, contracts.FullControl).
			Grant(identity.ID, identity.Name, contracts.FullControl)
		role["_acl"] = roleACL.Document()
		auth.AddMember(role, identity.Member())
		auth.AddMember(role, contracts.RoleMember{ID: admins.String("_id"), Name: admins.String("name")})
		if role, err = auth.SaveRole(ctx, h.store, role); err != nil {
			return contracts.Upstream("save queue users role", err)
		}
		acl = acl.Grant(role.String("_id"), role.String("name"), contracts.FullControl)
		queue["usersrole"] = role.String("_id")
	}
	queue["_acl"] = acl.Document()

	msg.Result, err = h.store.InsertOne(ctx, identity, store.CollectionMQ, queue, 1, true)
	if err != nil {
		return contracts.Upstream("add workitem queue", err)
	}
	h.logger.Info("workitem queue created", "queue", msg.Name, "user", identity.Username)
	return nil
}

func (h *Handlers) GetWorkitemQueue(ctx context.Context, call *messaging.Call, msg *GetWorkitemQueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.Name == "" && msg.ID == "" {
		return contracts.Validation("Name or _id is mandatory")
	}
	name := msg.Name
	if msg.ID != "" {
		name = ""
	}
	msg.Result, err = h.findQueue(ctx, identity, msg.ID, name)
	return err
}

func (h *Handlers) mustFindQueue(ctx context.Context, identity *contracts.Identity, id, name string) (contracts.Document, error) {
	if name == "" && id == "" {
		return nil, contracts.Validation("Name or _id is mandatory")
	}
	if id != "" {
		queue, err := h.findQueue(ctx, identity, id, "")
		if err == nil && queue == nil {
			err = contracts.NotFound("Work item queue with _id %s not found.", id)
		}
		return queue, err
	}
	queue, err := h.findQueue(ctx, identity, "", name)
	if err == nil && queue == nil {
		err = contracts.NotFound("Work item queue with name %s not found.", name)
	}
	return queue, err
}

// UpdateWorkitemQueue updates the queue settings and optionally purges its
// items and their files.
func (h *Handlers) UpdateWorkitemQueue(ctx context.Context, call *messaging.Call, msg *UpdateWorkitemQueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	queue, err := h.mustFindQueue(ctx, identity, msg.ID, msg.Name)
	if err != nil {
		return err
	}
	if msg.Name != "" {
		queue["name"] = msg.Name
	}
	for key, value := range map[string]string{
		"workflowid": msg.WorkflowID,
		"robotqueue": msg.RobotQueue,
		"projectid":  msg.ProjectID,
		"amqpqueue":  msg.AMQPQueue,
	} {
		if value == "" {
			delete(queue, key)
			continue
		}
		queue[key] = value
	}
	for key, value := range map[string]*int{
		"maxretries":   msg.MaxRetries,
		"retrydelay":   msg.RetryDelay,
		"initialdelay": msg.InitialDelay,
	} {
		if value != nil {
			queue[key] = *value
		}
	}
	if len(msg.ACL) > 0 {
		queue["_acl"] = msg.ACL
	}
	res, err := h.store.UpdateOne(ctx, identity, store.UpdateRequest{Collection: store.CollectionMQ, Item: queue, W: 1, J: true})
	if err != nil {
		return contracts.Upstream("update workitem queue", err)
	}
	msg.Result = res.Item
	if msg.Purge {
		return h.purgeQueue(ctx, identity, queue)
	}
	return nil
}

// purgeQueue removes every item of queue, confirms none is left and removes
// the files attached to the queue.
func (h *Handlers) purgeQueue(ctx context.Context, identity *contracts.Identity, queue contracts.Document) error {
	id := queue.String("_id")
	items := contracts.Document{"_type": typeWorkitem, "wiqid": id}
	if _, err := h.store.DeleteMany(ctx, identity, store.CollectionWorkitems, items, nil); err != nil {
		return contracts.Upstream("purge workitems", err)
	}
	left, err := h.store.Count(ctx, identity, store.CollectionWorkitems, items)
	if err != nil {
		return contracts.Upstream("purge workitems", err)
	}
	if left > 0 {
		return contracts.Validation("Failed purging workitemqueue %s", queue.String("name"))
	}
	if _, err := h.store.DeleteMany(ctx, identity, store.CollectionFiles, contracts.Document{"metadata.wiqid": id}, nil); err != nil {
		return contracts.Upstream("purge workitem files", err)
	}
	h.logger.Info("workitem queue purged", "queue", queue.String("name"), "user", identity.Username)
	return nil
}

// DeleteWorkitemQueue removes an empty queue, or purges it first when purge
// is set, together with its users role.
func (h *Handlers) DeleteWorkitemQueue(ctx context.Context, call *messaging.Call, msg *DeleteWorkitemQueueMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	queue, err := h.mustFindQueue(ctx, identity, msg.ID, msg.Name)
	if err != nil {
		return err
	}
	if msg.Purge {
		if err := h.purgeQueue(ctx, identity, queue); err != nil {
			return err
		}
	} else {
		count, err := h.store.Count(ctx, identity, store.CollectionWorkitems,
			contracts.Document{"_type": typeWorkitem, "wiqid": queue.String("_id")})
		if err != nil {
			return contracts.Upstream("count workitems", err)
		}
		if count > 0 {
			return contracts.Validation("Work item queue %s is not empty, enable purge to delete", queue.String("name"))
		}
	}
	if err := h.store.DeleteOne(ctx, identity, store.CollectionMQ, queue.String("_id")); err != nil {
		return contracts.Upstream("delete workitem queue", err)
	}
	if role := queue.String("usersrole"); role != "" {
		if err := h.store.DeleteOne(ctx, identity, store.CollectionUsers, role); err != nil {
			return contracts.Upstream("delete queue users role", err)
		}
	}
	h.logger.Info("workitem queue deleted", "queue", queue.String("name"), "user", identity.Username)
	return nil
}

// newItem builds a workitem for queue from in.
func (h *Handlers) newItem(queue contracts.Document, in WorkitemInput, now time.Time) (contracts.Document, error) {
	payload, err := itemPayload(in.Payload)
	if err != nil {
		return nil, err
	}
	name := in.Name
	if name == "" {
		name = defaultItemName
	}
	priority := h.settings.WorkitemPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	nextrun := now
	if in.NextRun != nil {
		nextrun = in.NextRun.UTC()
	} else {
		delay, _ := queue.Int("initialdelay")
		nextrun = now.Add(time.Duration(delay) * time.Second)
	}
	return contracts.Document{
		"_id":      store.NewID(),
		"_type":    typeWorkitem,
		"_acl":     queue["_acl"],
		"wiq":      queue.String("name"),
		"wiqid":    queue.String("_id"),
		"name":     name,
		"payload":  payload,
		"priority": priority,
		"state":    StateNew,
		"retries":  0,
		"files":    []any{},
		"lastrun":  nil,
		"nextrun":  nextrun,
	}, nil
}

// itemPayload decodes raw as an object, wrapping other values as
// {"value": x}. An absent payload is an empty object.
func itemPayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, contracts.Validation("payload is not valid json: %v", err)
	}
	if obj, ok := value.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"value": value}, nil
}

func (h *Handlers) AddWorkitem(ctx context.Context, call *messaging.Call, msg *AddWorkitemMessage) error {
	defer func() { msg.Files = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	queue, err := h.itemQueue(ctx, identity, msg.WIQID, msg.WIQ)
	if err != nil {
		return err
	}
	item, err := h.newItem(queue, msg.WorkitemInput, h.now().UTC())
	if err != nil {
		return err
	}
	msg.Result, err = h.store.InsertOne(ctx, identity, store.CollectionWorkitems, item, 1, true)
	return contracts.Upstream("add workitem", err)
}

func (h *Handlers) AddWorkitems(ctx context.Context, call *messaging.Call, msg *AddWorkitemsMessage) error {
	defer func() { msg.Items = []WorkitemInput{} }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	queue, err := h.itemQueue(ctx, identity, msg.WIQID, msg.WIQ)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	items := make([]contracts.Document, 0, len(msg.Items))
	for _, in := range msg.Items {
		item, err := h.newItem(queue, in, now)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	_, err = h.store.InsertMany(ctx, identity, store.CollectionWorkitems, items, 1, true, true)
	return contracts.Upstream("add workitems", err)
}

// PopWorkitem claims the highest priority item in state new whose nextrun
// has passed. The claim is a single find-and-update so concurrent callers
// never receive the same item. An empty result means nothing was eligible.
func (h *Handlers) PopWorkitem(ctx context.Context, call *messaging.Call, msg *PopWorkitemMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	queue, err := h.itemQueue(ctx, identity, msg.WIQID, msg.WIQ)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	item, err := h.store.FindOneAndUpdate(ctx, identity, store.FindAndModifyRequest{
		Collection: store.CollectionWorkitems,
		Query: contracts.Document{
			"wiqid":   queue.String("_id"),
			"_type":   typeWorkitem,
			"state":   StateNew,
			"nextrun": map[string]any{"$lte": now},
		},
		OrderBy: []store.SortField{{Field: "priority"}},
		Update: contracts.Document{"$set": map[string]any{
			"state":    StateProcessing,
			"userid":   identity.ID,
			"username": identity.Name,
			"lastrun":  now,
			"nextrun":  nil,
		}},
	})
	if err != nil {
		return contracts.Upstream("pop workitem", err)
	}
	if item == nil {
		return nil
	}
	if _, ok := item.Int("retries"); !ok {
		item["retries"] = 0
	}
	if _, ok := item.Int("priority"); !ok {
		item["priority"] = h.settings.WorkitemPriority
	}
	if _, ok := item["payload"].(map[string]any); !ok {
		item["payload"] = map[string]any{"value": item["payload"]}
	}
	msg.Result = item
	return nil
}

// UpdateWorkitem changes an item's state, payload or error details and
// applies the queue retry policy.
func (h *Handlers) UpdateWorkitem(ctx context.Context, call *messaging.Call, msg *UpdateWorkitemMessage) error {
	defer func() { msg.Files = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return contracts.Mandatory("_id")
	}
	found, err := h.store.Query(ctx, identity, store.QueryRequest{
		Collection: store.CollectionWorkitems,
		Query:      contracts.Document{"_id": msg.ID, "_type": typeWorkitem},
		Top:        1,
	})
	if err != nil {
		return contracts.Upstream("find workitem", err)
	}
	if len(found) == 0 {
		return contracts.NotFound("Work item  with _id %s not found.", msg.ID)
	}
	item := found[0]
	queue, err := h.findQueue(ctx, identity, item.String("wiqid"), item.String("wiq"))
	if err != nil {
		return err
	}
	if queue == nil {
		return contracts.NotFound("Work item queue not found %s (%s) not found.", item.String("wiq"), item.String("wiqid"))
	}

	item["_acl"] = queue["_acl"]
	item["wiq"] = queue.String("name")
	item["wiqid"] = queue.String("_id")
	if msg.Name != "" {
		item["name"] = msg.Name
	}
	if len(msg.Payload) > 0 {
		if item["payload"], err = itemPayload(msg.Payload); err != nil {
			return err
		}
	}
	if msg.ErrorMessage != nil {
		item["errormessage"] = *msg.ErrorMessage
		item["errortype"] = "application"
		if msg.ErrorType != "" {
			item["errortype"] = msg.ErrorType
		}
	}
	if msg.ErrorSource != nil {
		item["errorsource"] = *msg.ErrorSource
	}
	if _, ok := item.Int("priority"); !ok {
		item["priority"] = h.settings.WorkitemPriority
	}
	if msg.State != "" {
		if err := h.transition(item, queue, strings.ToLower(msg.State), msg.IgnoreMaxRetries); err != nil {
			return err
		}
	}
	if item.String("state") != StateNew {
		delete(item, "nextrun")
	}

	res, err := h.store.UpdateOne(ctx, identity, store.UpdateRequest{Collection: store.CollectionWorkitems, Item: item, W: 1, J: true})
	if err != nil {
		return contracts.Upstream("update workitem", err)
	}
	msg.Result = res.Item
	return nil
}

// transition applies a requested state. A retry below maxretries (or with
// ignoreMaxRetries) reschedules the item as new after retrydelay seconds;
// otherwise the item fails.
func (h *Handlers) transition(item, queue contracts.Document, state string, ignoreMaxRetries bool) error {
	current := item.String("state")
	switch state {
	case StateNew:
		if current != StateNew {
			return contracts.Validation("Illegal state %s on Workitem, must be failed, successful, processing or retry", state)
		}
		return nil
	case StateFailed, StateSuccessful, StateProcessing:
		item["state"] = state
		return nil
	case StateRetry:
	default:
		return contracts.Validation("Illegal state %s on Workitem, must be failed, successful, processing or retry", state)
	}

	retries, _ := item.Int("retries")
	maxRetries, _ := queue.Int("maxretries")
	if retries >= maxRetries && !ignoreMaxRetries {
		item["state"] = StateFailed
		return nil
	}
	delay, _ := queue.Int("retrydelay")
	item["retries"] = retries + 1
	item["state"] = StateNew
	item["userid"] = nil
	item["username"] = nil
	item["nextrun"] = h.now().UTC().Add(time.Duration(delay) * time.Second)
	return nil
}

// DeleteWorkitem removes an item and the files attached to it.
func (h *Handlers) DeleteWorkitem(ctx context.Context, call *messaging.Call, msg *DeleteWorkitemMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return contracts.Mandatory("_id")
	}
	found, err := h.store.Query(ctx, identity, store.QueryRequest{
		Collection: store.CollectionWorkitems,
		Query:      contracts.Document{"_id": msg.ID, "_type": typeWorkitem},
		Top:        1,
	})
	if err != nil {
		return contracts.Upstream("find workitem", err)
	}
	if len(found) == 0 {
		return contracts.NotFound("Work item  with _id %s not found.", msg.ID)
	}
	if !h.guard.HasAuthorization(identity, contracts.ResourceOf(found[0]), contracts.RightDelete) {
		return contracts.AccessDenied("Unknown work item or access denied")
	}
	files := contracts.Document{"$or": []any{
		map[string]any{"wi": msg.ID},
		map[string]any{"metadata.wi": msg.ID},
	}}
	if _, err := h.store.DeleteMany(ctx, identity, store.CollectionFiles, files, nil); err != nil {
		return contracts.Upstream("delete workitem files", err)
	}
	return contracts.Upstream("delete workitem", h.store.DeleteOne(ctx, identity, store.CollectionWorkitems, msg.ID))
}
