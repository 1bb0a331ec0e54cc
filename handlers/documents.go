package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/cache"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/store"
)

// DefaultQueryTop caps query results when the caller gives no top.
const DefaultQueryTop = 500

var hiddenCollections = map[string]bool{
	"fs.chunks":      true,
	"fs.files":       true,
	"uploads.files":  true,
	"uploads.chunks": true,
}

type ListCollectionsMessage struct {
	contracts.ReplyError
	IncludeHist bool                   `json:"includehist,omitempty"`
	Result      []store.CollectionInfo `json:"result"`
}

type DropCollectionMessage struct {
	contracts.ReplyError
	CollectionName string `json:"collectionname"`
}

type QueryMessage struct {
	contracts.ReplyError
	CollectionName string               `json:"collectionname"`
	Query          contracts.Document   `json:"query,omitempty"`
	Projection     map[string]any       `json:"projection,omitempty"`
	OrderBy        any                  `json:"orderby,omitempty"`
	Top            int                  `json:"top,omitempty"`
	Skip           int                  `json:"skip,omitempty"`
	Result         []contracts.Document `json:"result"`
}

type GetDocumentVersionMessage struct {
	contracts.ReplyError
	CollectionName string             `json:"collectionname"`
	ID             string             `json:"id"`
	Version        int                `json:"version"`
	Result         contracts.Document `json:"result,omitempty"`
}

type AggregateMessage struct {
	contracts.ReplyError
	CollectionName string               `json:"collectionname"`
	Aggregates     []map[string]any     `json:"aggregates,omitempty"`
	Result         []contracts.Document `json:"result"`
}

type InsertOneMessage struct {
	contracts.ReplyError
	CollectionName string             `json:"collectionname"`
	Item           contracts.Document `json:"item,omitempty"`
	W              int                `json:"w"`
	J              bool               `json:"j"`
	Result         contracts.Document `json:"result,omitempty"`
}

type InsertManyMessage struct {
	contracts.ReplyError
	CollectionName string               `json:"collectionname"`
	Items          []contracts.Document `json:"items,omitempty"`
	W              int                  `json:"w"`
	J              bool                 `json:"j"`
	SkipResults    bool                 `json:"skipresults,omitempty"`
	Results        []contracts.Document `json:"results"`
}

type UpdateMessage struct {
	contracts.ReplyError
	CollectionName string              `json:"collectionname"`
	Item           contracts.Document  `json:"item,omitempty"`
	Query          contracts.Document  `json:"query,omitempty"`
	W              int                 `json:"w"`
	J              bool                `json:"j"`
	OpResult       *store.UpdateResult `json:"opresult,omitempty"`
	Result         contracts.Document  `json:"result,omitempty"`
}

type InsertOrUpdateOneMessage struct {
	contracts.ReplyError
	CollectionName string             `json:"collectionname"`
	Item           contracts.Document `json:"item,omitempty"`
	Uniqueness     string             `json:"uniqueness,omitempty"`
	W              int                `json:"w"`
	J              bool               `json:"j"`
	Result         contracts.Document `json:"result,omitempty"`
}

type DeleteOneMessage struct {
	contracts.ReplyError
	CollectionName string `json:"collectionname"`
	ID             string `json:"id,omitempty"`
	UnderscoreID   string `json:"_id,omitempty"`
}

type DeleteManyMessage struct {
	contracts.ReplyError
	CollectionName string             `json:"collectionname"`
	Query          contracts.Document `json:"query,omitempty"`
	IDs            []string           `json:"ids,omitempty"`
	AffectedRows   int                `json:"affectedrows"`
}

// ListCollections returns the collections visible to the caller. Listings are
// cached per token.
func (h *Handlers) ListCollections(ctx context.Context, call *messaging.Call, msg *ListCollectionsMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	key := call.Token()
	if msg.IncludeHist {
		key += "#hist"
	}
	list, err := h.collections.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.Warn("collections cache unavailable", "error", err)
		}
		all, err := h.store.ListCollections(ctx, identity)
		if err != nil {
			return contracts.Upstream("list collections", err)
		}
		list = visibleCollections(all, msg.IncludeHist)
		if err := h.collections.Set(ctx, key, list); err != nil {
			h.logger.Warn("failed to cache collections", "error", err)
		}
	}
	if h.settings.EntityRestriction && !identity.HasRoleID(contracts.AdminsID) {
		list, err = h.restrictCollections(ctx, identity, list)
		if err != nil {
			return err
		}
	}
	msg.Result = list
	return nil
}

func visibleCollections(all []store.CollectionInfo, includeHist bool) []store.CollectionInfo {
	out := make([]store.CollectionInfo, 0, len(all)+1)
	entities := false
	for _, c := range all {
		switch {
		case strings.Contains(c.Name, "system."):
			continue
		case !includeHist && strings.HasSuffix(c.Name, "_hist"):
			continue
		case hiddenCollections[c.Name]:
			continue
		}
		if c.Name == "entities" {
			entities = true
		}
		out = append(out, c)
	}
	if !entities {
		out = append(out, store.CollectionInfo{Name: "entities", Type: "collection"})
	}
	return out
}

// restrictCollections keeps the collections the caller may create entities
// in. A single restriction, or an authorized restriction without collection,
// leaves the list unchanged.
func (h *Handlers) restrictCollections(ctx context.Context, identity *contracts.Identity, list []store.CollectionInfo) ([]store.CollectionInfo, error) {
	restrictions, err := h.store.EntityRestrictions(ctx)
	if err != nil {
		return nil, contracts.Upstream("load entity restrictions", err)
	}
	if len(restrictions) <= 1 {
		return list, nil
	}
	allowed := make(map[string]bool)
	for _, r := range restrictions {
		resource := contracts.Resource{ID: r.ID, ACL: r.ACL}
		if !h.guard.HasAuthorization(identity, resource, contracts.RightCreate) {
			continue
		}
		if r.Collection == "" {
			return list, nil
		}
		allowed[r.Collection] = true
	}
	out := make([]store.CollectionInfo, 0, len(list))
	for _, c := range list {
		if allowed[c.Name] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (h *Handlers) DropCollection(ctx context.Context, call *messaging.Call, msg *DropCollectionMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.CollectionName == "" {
		return contracts.Mandatory("collectionname")
	}
	return contracts.Upstream("drop collection", h.store.DropCollection(ctx, identity, msg.CollectionName))
}

func (h *Handlers) Query(ctx context.Context, call *messaging.Call, msg *QueryMessage) error {
	defer func() { msg.Query = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	top := msg.Top
	if top <= 0 {
		top = DefaultQueryTop
	}
	msg.Result, err = h.store.Query(ctx, identity, store.QueryRequest{
		Collection: msg.CollectionName,
		Query:      msg.Query,
		Projection: msg.Projection,
		OrderBy:    store.ParseOrderBy(msg.OrderBy),
		Top:        top,
		Skip:       msg.Skip,
	})
	return contracts.Upstream("query", err)
}

func (h *Handlers) GetDocumentVersion(ctx context.Context, call *messaging.Call, msg *GetDocumentVersionMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return contracts.Mandatory("id")
	}
	msg.Result, err = h.store.GetDocumentVersion(ctx, identity, msg.CollectionName, msg.ID, msg.Version)
	return contracts.Upstream("get document version", err)
}

func (h *Handlers) Aggregate(ctx context.Context, call *messaging.Call, msg *AggregateMessage) error {
	defer func() { msg.Aggregates = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Result, err = h.store.Aggregate(ctx, identity, msg.CollectionName, msg.Aggregates)
	return contracts.Upstream("aggregate", err)
}

func (h *Handlers) InsertOne(ctx context.Context, call *messaging.Call, msg *InsertOneMessage) error {
	defer func() { msg.Item = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Result, err = h.store.InsertOne(ctx, identity, msg.CollectionName, msg.Item, msg.W, msg.J)
	return contracts.Upstream("insert", err)
}

func (h *Handlers) InsertMany(ctx context.Context, call *messaging.Call, msg *InsertManyMessage) error {
	defer func() { msg.Items = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	results, err := h.store.InsertMany(ctx, identity, msg.CollectionName, msg.Items, msg.W, msg.J, msg.SkipResults)
	if err != nil {
		return contracts.Upstream("insert many", err)
	}
	if msg.SkipResults {
		results = []contracts.Document{}
	}
	msg.Results = results
	return nil
}

func (h *Handlers) UpdateOne(ctx context.Context, call *messaging.Call, msg *UpdateMessage) error {
	return h.update(ctx, call, msg, h.store.UpdateOne)
}

func (h *Handlers) UpdateMany(ctx context.Context, call *messaging.Call, msg *UpdateMessage) error {
	return h.update(ctx, call, msg, h.store.UpdateMany)
}

type updateFunc func(context.Context, *contracts.Identity, store.UpdateRequest) (store.UpdateResult, error)

func (h *Handlers) update(ctx context.Context, call *messaging.Call, msg *UpdateMessage, fn updateFunc) error {
	defer func() {
		msg.Item = nil
		msg.Query = nil
	}()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	res, err := fn(ctx, identity, store.UpdateRequest{
		Collection: msg.CollectionName,
		Item:       msg.Item,
		Query:      msg.Query,
		W:          msg.W,
		J:          msg.J,
	})
	if err != nil {
		return contracts.Upstream("update", err)
	}
	msg.Result = res.Item
	res.Item = nil
	msg.OpResult = &res
	return nil
}

func (h *Handlers) InsertOrUpdateOne(ctx context.Context, call *messaging.Call, msg *InsertOrUpdateOneMessage) error {
	defer func() { msg.Item = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Result, err = h.store.InsertOrUpdateOne(ctx, identity, store.UpsertRequest{
		Collection: msg.CollectionName,
		Item:       msg.Item,
		Uniqueness: msg.Uniqueness,
		W:          msg.W,
		J:          msg.J,
	})
	return contracts.Upstream("insert or update", err)
}

func (h *Handlers) DeleteOne(ctx context.Context, call *messaging.Call, msg *DeleteOneMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = msg.UnderscoreID
	}
	if msg.ID == "" {
		return contracts.Mandatory("id")
	}
	if msg.CollectionName == store.CollectionMQ {
		doc, err := h.store.GetByID(ctx, identity, store.CollectionMQ, msg.ID)
		if err != nil {
			return contracts.Upstream("delete", err)
		}
		if doc.String("_type") == "workitemqueue" {
			return contracts.AccessDenied("Access Denied, you must call DeleteWorkItemQueue to delete")
		}
	}
	return contracts.Upstream("delete", h.store.DeleteOne(ctx, identity, msg.CollectionName, msg.ID))
}

func (h *Handlers) DeleteMany(ctx context.Context, call *messaging.Call, msg *DeleteManyMessage) error {
	defer func() { msg.IDs = nil }()
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if len(msg.Query) == 0 && len(msg.IDs) == 0 {
		return contracts.Validation("query or ids is mandatory")
	}
	msg.AffectedRows, err = h.store.DeleteMany(ctx, identity, msg.CollectionName, msg.Query, msg.IDs)
	return contracts.Upstream("delete many", err)
}
