package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

const historySuffix = "_hist"

// roleDepth bounds nested role resolution.
const roleDepth = 10

// Memory is an in-memory DocumentStore. All mutations run under a single
// lock, so FindOneAndUpdate is atomic.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*collection
	history     map[string][]contracts.Document
	indexRuns   int
	logger      *slog.Logger
	now         func() time.Time
}

type collection struct {
	docs  map[string]contracts.Document
	order []string
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = logger
	}
}

// WithClock overrides the time source used for metadata stamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(options ...MemoryOption) *Memory {
	m := &Memory{
		collections: make(map[string]*collection),
		history:     make(map[string][]contracts.Document),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Memory) coll(name string, create bool) *collection {
	c, ok := m.collections[name]
	if !ok && create {
		c = &collection{docs: make(map[string]contracts.Document)}
		m.collections[name] = c
	}
	return c
}

func (c *collection) all() []contracts.Document {
	out := make([]contracts.Document, 0, len(c.order))
	for _, id := range c.order {
		if d, ok := c.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (c *collection) remove(id string) {
	delete(c.docs, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// effectiveIDs expands the caller's ids with every role that lists the
// caller, directly or through another role, as member. Callers hold m.mu.
func (m *Memory) effectiveIDs(caller *contracts.Identity) map[string]bool {
	ids := make(map[string]bool)
	if caller == nil {
		return ids
	}
	for _, id := range caller.IDs() {
		ids[id] = true
	}
	users := m.coll(CollectionUsers, false)
	if users == nil {
		return ids
	}
	for depth := 0; depth < roleDepth; depth++ {
		added := false
		for _, d := range users.docs {
			if d.String("_type") != "role" || ids[d.String("_id")] {
				continue
			}
			for _, member := range asList(d["members"]) {
				mm, ok := toMap(member)
				if !ok {
					continue
				}
				if id, _ := mm["_id"].(string); ids[id] {
					ids[d.String("_id")] = true
					added = true
					break
				}
			}
		}
		if !added {
			break
		}
	}
	return ids
}

func (m *Memory) allowed(caller *contracts.Identity, ids map[string]bool, doc contracts.Document, right contracts.Right) bool {
	if caller == nil {
		return false
	}
	if caller.IsAdmin() || ids[contracts.AdminsID] {
		return true
	}
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	return contracts.ResourceOf(doc).Grants(list, right)
}

func (m *Memory) matching(caller *contracts.Identity, c *collection, query map[string]any, right contracts.Right) []contracts.Document {
	if c == nil {
		return nil
	}
	ids := m.effectiveIDs(caller)
	var out []contracts.Document
	for _, d := range c.all() {
		if Matches(d, query) && m.allowed(caller, ids, d, right) {
			out = append(out, d)
		}
	}
	return out
}

// Query implements DocumentStore.
func (m *Memory) Query(ctx context.Context, caller *contracts.Identity, req QueryRequest) ([]contracts.Document, error) {
	if req.Collection == "" {
		return nil, ErrCollectionRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := m.matching(caller, m.collectionFor(req.Collection), req.Query, contracts.RightRead)
	SortDocuments(docs, req.OrderBy)
	if req.Skip > 0 {
		if req.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[req.Skip:]
		}
	}
	if req.Top > 0 && req.Top < len(docs) {
		docs = docs[:req.Top]
	}
	out := make([]contracts.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, Project(d.Clone(), req.Projection))
	}
	return out, nil
}

// collectionFor serves history collections from the version log.
func (m *Memory) collectionFor(name string) *collection {
	if base, ok := strings.CutSuffix(name, historySuffix); ok {
		c := &collection{docs: make(map[string]contracts.Document)}
		for key, versions := range m.history {
			if !strings.HasPrefix(key, base+"/") {
				continue
			}
			for _, v := range versions {
				id := fmt.Sprintf("%s/%v", v.String("_id"), v["_version"])
				h := v.Clone()
				h["id"] = v.String("_id")
				h["_id"] = id
				c.docs[id] = h
				c.order = append(c.order, id)
			}
		}
		sort.Strings(c.order)
		return c
	}
	return m.coll(name, false)
}

// Count implements DocumentStore.
func (m *Memory) Count(ctx context.Context, caller *contracts.Identity, collectionName string, query contracts.Document) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.matching(caller, m.coll(collectionName, false), query, contracts.RightRead)), nil
}

// GetByID implements DocumentStore.
func (m *Memory) GetByID(ctx context.Context, caller *contracts.Identity, collectionName, id string) (contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.matching(caller, m.coll(collectionName, false), map[string]any{"_id": id}, contracts.RightRead)
	if len(docs) == 0 {
		return nil, contracts.NotFound("%s not found in %s", id, collectionName)
	}
	return docs[0].Clone(), nil
}

// Aggregate implements DocumentStore.
func (m *Memory) Aggregate(ctx context.Context, caller *contracts.Identity, collectionName string, pipeline []map[string]any) ([]contracts.Document, error) {
	m.mu.RLock()
	docs := m.matching(caller, m.collectionFor(collectionName), nil, contracts.RightRead)
	cloned := make([]contracts.Document, 0, len(docs))
	for _, d := range docs {
		cloned = append(cloned, d.Clone())
	}
	m.mu.RUnlock()
	return RunPipeline(cloned, pipeline)
}

func (m *Memory) stamp(caller *contracts.Identity, doc contracts.Document, created bool) {
	now := m.now().UTC()
	name, id := "", ""
	if caller != nil {
		name, id = caller.Name, caller.ID
	}
	if created {
		doc["_created"] = now
		doc["_createdby"] = name
		doc["_createdbyid"] = id
		doc["_version"] = float64(0)
	}
	doc["_modified"] = now
	doc["_modifiedby"] = name
	doc["_modifiedbyid"] = id
}

func (m *Memory) insert(caller *contracts.Identity, collectionName string, item contracts.Document) (contracts.Document, error) {
	if collectionName == "" {
		return nil, ErrCollectionRequired
	}
	if strings.HasSuffix(collectionName, historySuffix) {
		return nil, ErrReadOnly
	}
	doc := item.Clone()
	if doc == nil {
		doc = contracts.Document{}
	}
	id := doc.String("_id")
	if id == "" {
		id = NewID()
		doc["_id"] = id
	}
	c := m.coll(collectionName, true)
	if _, exists := c.docs[id]; exists {
		return nil, contracts.Validation("duplicate key %s in %s", id, collectionName)
	}
	acl := contracts.DecodeACL(doc["_acl"])
	if len(acl) == 0 && caller != nil {
		acl = acl.Grant(caller.ID, caller.Name, contracts.FullControl)
	}
	acl = acl.Grant(contracts.AdminsID, contracts.AdminsName, contracts.FullControl)
	doc["_acl"] = acl.Document()
	m.stamp(caller, doc, true)
	doc = doc.Clone()
	c.docs[id] = doc
	c.order = append(c.order, id)
	return doc.Clone(), nil
}

// InsertOne implements DocumentStore.
func (m *Memory) InsertOne(ctx context.Context, caller *contracts.Identity, collectionName string, item contracts.Document, w int, j bool) (contracts.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(caller, collectionName, item)
}

// InsertMany implements DocumentStore.
func (m *Memory) InsertMany(ctx context.Context, caller *contracts.Identity, collectionName string, items []contracts.Document, w int, j bool, skipResults bool) ([]contracts.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.Document
	for _, item := range items {
		doc, err := m.insert(caller, collectionName, item)
		if err != nil {
			return out, err
		}
		if !skipResults {
			out = append(out, doc)
		}
	}
	if out == nil {
		out = []contracts.Document{}
	}
	return out, nil
}

func (m *Memory) saveVersion(collectionName string, doc contracts.Document) {
	key := collectionName + "/" + doc.String("_id")
	m.history[key] = append(m.history[key], doc.Clone())
}

func (m *Memory) bump(caller *contracts.Identity, collectionName string, old, updated contracts.Document) contracts.Document {
	m.saveVersion(collectionName, old)
	version, _ := old.Int("_version")
	updated["_version"] = float64(version + 1)
	for _, k := range []string{"_created", "_createdby", "_createdbyid"} {
		if v, ok := old[k]; ok {
			updated[k] = v
		}
	}
	if _, ok := updated["_acl"]; !ok {
		updated["_acl"] = old["_acl"]
	}
	m.stamp(caller, updated, false)
	return updated.Clone()
}

// UpdateOne implements DocumentStore.
func (m *Memory) UpdateOne(ctx context.Context, caller *contracts.Identity, req UpdateRequest) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(req.Collection, false)
	if req.Query == nil {
		id := req.Item.String("_id")
		if id == "" {
			return UpdateResult{}, contracts.Mandatory("_id")
		}
		targets := m.matching(caller, c, map[string]any{"_id": id}, contracts.RightUpdate)
		if len(targets) == 0 {
			return UpdateResult{}, contracts.NotFound("item not found or access denied (%s)", id)
		}
		updated := m.bump(caller, req.Collection, targets[0], req.Item.Clone())
		c.docs[id] = updated
		return UpdateResult{Matched: 1, Modified: 1, Item: updated.Clone()}, nil
	}

	targets := m.matching(caller, c, req.Query, contracts.RightUpdate)
	if len(targets) == 0 {
		return UpdateResult{}, nil
	}
	updated, err := m.applyTo(caller, req.Collection, c, targets[0], req.Item)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Matched: 1, Modified: 1, Item: updated.Clone()}, nil
}

func (m *Memory) applyTo(caller *contracts.Identity, collectionName string, c *collection, target, update contracts.Document) (contracts.Document, error) {
	next := target.Clone()
	if err := ApplyUpdate(next, update); err != nil {
		return nil, err
	}
	updated := m.bump(caller, collectionName, target, next)
	c.docs[target.String("_id")] = updated
	return updated, nil
}

// UpdateMany implements DocumentStore.
func (m *Memory) UpdateMany(ctx context.Context, caller *contracts.Identity, req UpdateRequest) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(req.Collection, false)
	targets := m.matching(caller, c, req.Query, contracts.RightUpdate)
	result := UpdateResult{Matched: len(targets)}
	for _, t := range targets {
		if _, err := m.applyTo(caller, req.Collection, c, t, req.Item); err != nil {
			return result, err
		}
		result.Modified++
	}
	return result, nil
}

// InsertOrUpdateOne implements DocumentStore.
func (m *Memory) InsertOrUpdateOne(ctx context.Context, caller *contracts.Identity, req UpsertRequest) (contracts.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := strings.Split(req.Uniqueness, ",")
	if req.Uniqueness == "" {
		fields = []string{"_id"}
	}
	query := map[string]any{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if v, ok := req.Item.Get(f); ok {
			query[f] = v
		}
	}
	c := m.coll(req.Collection, true)
	var targets []contracts.Document
	if len(query) > 0 {
		targets = m.matching(caller, c, query, contracts.RightRead)
	}
	if len(targets) == 0 {
		return m.insert(caller, req.Collection, req.Item)
	}
	target := targets[0]
	if !m.allowed(caller, m.effectiveIDs(caller), target, contracts.RightUpdate) {
		return nil, contracts.AccessDenied("Access denied updating %s", target.String("_id"))
	}
	item := req.Item.Clone()
	item["_id"] = target.String("_id")
	updated := m.bump(caller, req.Collection, target, item)
	c.docs[target.String("_id")] = updated
	return updated.Clone(), nil
}

// DeleteOne implements DocumentStore.
func (m *Memory) DeleteOne(ctx context.Context, caller *contracts.Identity, collectionName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(collectionName, false)
	targets := m.matching(caller, c, map[string]any{"_id": id}, contracts.RightDelete)
	if len(targets) == 0 {
		return contracts.NotFound("item not found or access denied (%s)", id)
	}
	m.saveVersion(collectionName, targets[0])
	c.remove(id)
	return nil
}

// DeleteMany implements DocumentStore.
func (m *Memory) DeleteMany(ctx context.Context, caller *contracts.Identity, collectionName string, query contracts.Document, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(collectionName, false)
	q := map[string]any(query)
	if len(ids) > 0 {
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = id
		}
		q = map[string]any{"_id": map[string]any{"$in": list}}
	}
	if q == nil {
		q = map[string]any{}
	}
	targets := m.matching(caller, c, q, contracts.RightDelete)
	for _, t := range targets {
		m.saveVersion(collectionName, t)
		c.remove(t.String("_id"))
	}
	return len(targets), nil
}

// FindOneAndUpdate implements DocumentStore. The returned document reflects
// the update; nil is returned when nothing matched.
func (m *Memory) FindOneAndUpdate(ctx context.Context, caller *contracts.Identity, req FindAndModifyRequest) (contracts.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(req.Collection, false)
	targets := m.matching(caller, c, req.Query, contracts.RightUpdate)
	if len(targets) == 0 {
		return nil, nil
	}
	SortDocuments(targets, req.OrderBy)
	updated, err := m.applyTo(caller, req.Collection, c, targets[0], req.Update)
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// ListCollections implements DocumentStore.
func (m *Memory) ListCollections(ctx context.Context, caller *contracts.Identity) ([]CollectionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make(map[string]bool)
	for name := range m.collections {
		names[name] = true
	}
	for key := range m.history {
		base, _, _ := strings.Cut(key, "/")
		names[base+historySuffix] = true
	}
	out := make([]CollectionInfo, 0, len(names))
	for name := range names {
		out = append(out, CollectionInfo{Name: name, Type: "collection"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DropCollection implements DocumentStore.
func (m *Memory) DropCollection(ctx context.Context, caller *contracts.Identity, collectionName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.effectiveIDs(caller)
	if caller == nil || !(caller.IsAdmin() || ids[contracts.AdminsID]) {
		return contracts.AccessDenied("Access denied, no authorization to drop collection %s", collectionName)
	}
	delete(m.collections, collectionName)
	for key := range m.history {
		if strings.HasPrefix(key, collectionName+"/") {
			delete(m.history, key)
		}
	}
	m.logger.Info("dropped collection", "collection", collectionName, "user", caller.Username)
	return nil
}

// GetDocumentVersion implements DocumentStore.
func (m *Memory) GetDocumentVersion(ctx context.Context, caller *contracts.Identity, collectionName, id string, version int) (contracts.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	current := m.matching(caller, m.coll(collectionName, false), map[string]any{"_id": id}, contracts.RightRead)
	if len(current) > 0 {
		if v, _ := current[0].Int("_version"); v == version {
			return current[0].Clone(), nil
		}
	}
	ids := m.effectiveIDs(caller)
	for _, h := range m.history[collectionName+"/"+id] {
		if v, _ := h.Int("_version"); v == version {
			if !m.allowed(caller, ids, h, contracts.RightRead) {
				break
			}
			return h.Clone(), nil
		}
	}
	return nil, contracts.NotFound("version %d of %s not found", version, id)
}

// EnsureIndexes implements DocumentStore.
func (m *Memory) EnsureIndexes(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexRuns++
	m.logger.Debug("ensured indexes", "runs", m.indexRuns)
	return nil
}

// IndexRuns reports how often EnsureIndexes ran.
func (m *Memory) IndexRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexRuns
}

// EntityRestrictions implements DocumentStore.
func (m *Memory) EntityRestrictions(ctx context.Context) ([]EntityRestriction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.coll(CollectionConfig, false)
	if c == nil {
		return nil, nil
	}
	var out []EntityRestriction
	for _, d := range c.all() {
		if d.String("_type") != "restriction" {
			continue
		}
		r := EntityRestriction{
			ID:         d.String("_id"),
			Name:       d.String("name"),
			Collection: d.String("collection"),
			ACL:        contracts.DecodeACL(d["_acl"]),
		}
		for _, p := range asList(d["paths"]) {
			if s, ok := p.(string); ok {
				r.Paths = append(r.Paths, s)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

var _ DocumentStore = (*Memory)(nil)
