// Package store defines the document store collaborator used by command
// handlers and provides an in-memory implementation.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/google/uuid"
)

var (
	ErrCollectionRequired = errors.New("store: collection is mandatory")
	ErrReadOnly           = errors.New("store: collection is read only")
)

// Well-known collections.
const (
	CollectionUsers     = "users"
	CollectionMQ        = "mq"
	CollectionConfig    = "config"
	CollectionWorkitems = "workitems"
	CollectionDBUsage   = "dbusage"
	CollectionAudit     = "audit"
	CollectionFiles     = "fs.files"
)

// SortField orders query results.
type SortField struct {
	Field string
	Desc  bool
}

// ParseOrderBy accepts "field", "-field", or an object of field to direction.
// Object keys are applied in lexical order.
func ParseOrderBy(v any) []SortField {
	switch o := v.(type) {
	case string:
		if o == "" {
			return nil
		}
		if strings.HasPrefix(o, "-") {
			return []SortField{{Field: o[1:], Desc: true}}
		}
		return []SortField{{Field: o}}
	case map[string]any:
		keys := make([]string, 0, len(o))
		for k := range o {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]SortField, 0, len(keys))
		for _, k := range keys {
			dir, _ := contracts.ToFloat(o[k])
			if s, ok := o[k].(string); ok {
				dir = 1
				if strings.EqualFold(s, "desc") || s == "-1" {
					dir = -1
				}
			}
			fields = append(fields, SortField{Field: k, Desc: dir < 0})
		}
		return fields
	case contracts.Document:
		return ParseOrderBy(map[string]any(o))
	}
	return nil
}

// QueryRequest describes a find.
type QueryRequest struct {
	Collection string
	Query      contracts.Document
	Projection map[string]any
	OrderBy    []SortField
	Top        int
	Skip       int
}

// UpdateRequest describes an update. Without Query the Item replaces the
// document with the same _id; with Query the Item is an update document.
type UpdateRequest struct {
	Collection string
	Item       contracts.Document
	Query      contracts.Document
	W          int
	J          bool
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched  int                `json:"matchedCount"`
	Modified int                `json:"modifiedCount"`
	Item     contracts.Document `json:"item,omitempty"`
}

// UpsertRequest inserts Item or updates the document matching the
// uniqueness fields (comma separated, default _id).
type UpsertRequest struct {
	Collection string
	Item       contracts.Document
	Uniqueness string
	W          int
	J          bool
}

// FindAndModifyRequest atomically updates the first matching document.
type FindAndModifyRequest struct {
	Collection string
	Query      contracts.Document
	OrderBy    []SortField
	Update     contracts.Document
}

// CollectionInfo describes one collection.
type CollectionInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// EntityRestriction limits which collections a caller may create entities in.
type EntityRestriction struct {
	ID         string        `json:"_id"`
	Name       string        `json:"name"`
	Collection string        `json:"collection"`
	Paths      []string      `json:"paths,omitempty"`
	ACL        contracts.ACL `json:"_acl"`
}

// DocumentStore is the persistence collaborator. Every call is made on behalf
// of caller and applies its access rights.
type DocumentStore interface {
	Query(ctx context.Context, caller *contracts.Identity, req QueryRequest) ([]contracts.Document, error)
	Count(ctx context.Context, caller *contracts.Identity, collection string, query contracts.Document) (int, error)
	GetByID(ctx context.Context, caller *contracts.Identity, collection, id string) (contracts.Document, error)
	Aggregate(ctx context.Context, caller *contracts.Identity, collection string, pipeline []map[string]any) ([]contracts.Document, error)
	InsertOne(ctx context.Context, caller *contracts.Identity, collection string, item contracts.Document, w int, j bool) (contracts.Document, error)
	InsertMany(ctx context.Context, caller *contracts.Identity, collection string, items []contracts.Document, w int, j bool, skipResults bool) ([]contracts.Document, error)
	UpdateOne(ctx context.Context, caller *contracts.Identity, req UpdateRequest) (UpdateResult, error)
	UpdateMany(ctx context.Context, caller *contracts.Identity, req UpdateRequest) (UpdateResult, error)
	InsertOrUpdateOne(ctx context.Context, caller *contracts.Identity, req UpsertRequest) (contracts.Document, error)
	DeleteOne(ctx context.Context, caller *contracts.Identity, collection, id string) error
	DeleteMany(ctx context.Context, caller *contracts.Identity, collection string, query contracts.Document, ids []string) (int, error)
	FindOneAndUpdate(ctx context.Context, caller *contracts.Identity, req FindAndModifyRequest) (contracts.Document, error)
	ListCollections(ctx context.Context, caller *contracts.Identity) ([]CollectionInfo, error)
	DropCollection(ctx context.Context, caller *contracts.Identity, collection string) error
	GetDocumentVersion(ctx context.Context, caller *contracts.Identity, collection, id string, version int) (contracts.Document, error)
	EnsureIndexes(ctx context.Context) error
	EntityRestrictions(ctx context.Context) ([]EntityRestriction, error)
}

// NewID returns a 24 character hexadecimal identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
