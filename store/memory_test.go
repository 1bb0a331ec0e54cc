package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUser(id, name string) *contracts.Identity {
	return &contracts.Identity{ID: id, Name: name, Username: name, Roles: []contracts.RoleMember{{ID: contracts.UsersID, Name: "users"}}}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	alice := testUser("aaaaaaaaaaaaaaaaaaaaaaaa", "alice")
	bob := testUser("bbbbbbbbbbbbbbbbbbbbbbbb", "bob")

	t.Run("InsertOne stamps metadata and grants creator", func(t *testing.T) {
		m := NewMemory()
		doc, err := m.InsertOne(ctx, alice, "entities", contracts.Document{"name": "first"}, 0, false)
		require.NoError(t, err)

		assert.Len(t, doc.String("_id"), 24)
		assert.Equal(t, "alice", doc.String("_createdby"))
		assert.Equal(t, alice.ID, doc.String("_modifiedbyid"))
		v, _ := doc.Int("_version")
		assert.Equal(t, 0, v)

		acl := contracts.DecodeACL(doc["_acl"])
		assert.True(t, contracts.Resource{ACL: acl}.Grants([]string{alice.ID}, contracts.FullControl))
	})

	t.Run("Query hides documents without read right", func(t *testing.T) {
		m := NewMemory()
		_, err := m.InsertOne(ctx, alice, "entities", contracts.Document{"name": "private"}, 0, false)
		require.NoError(t, err)

		docs, err := m.Query(ctx, bob, QueryRequest{Collection: "entities"})
		require.NoError(t, err)
		assert.Empty(t, docs)

		docs, err = m.Query(ctx, contracts.Root(), QueryRequest{Collection: "entities"})
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("Role membership is resolved from role documents", func(t *testing.T) {
		m := NewMemory()
		role, err := m.InsertOne(ctx, contracts.Root(), CollectionUsers, contracts.Document{
			"_type":   "role",
			"name":    "team",
			"members": []any{map[string]any{"_id": bob.ID, "name": "bob"}},
		}, 0, false)
		require.NoError(t, err)

		acl := contracts.ACL{}.Grant(role.String("_id"), "team", contracts.RightRead)
		_, err = m.InsertOne(ctx, alice, "entities", contracts.Document{"name": "shared", "_acl": acl.Document()}, 0, false)
		require.NoError(t, err)

		docs, err := m.Query(ctx, bob, QueryRequest{Collection: "entities", Query: contracts.Document{"name": "shared"}})
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("Query sorts, skips and limits", func(t *testing.T) {
		m := NewMemory()
		for _, p := range []float64{3, 1, 2} {
			_, err := m.InsertOne(ctx, alice, "items", contracts.Document{"priority": p}, 0, false)
			require.NoError(t, err)
		}
		docs, err := m.Query(ctx, alice, QueryRequest{
			Collection: "items",
			OrderBy:    []SortField{{Field: "priority"}},
			Skip:       1,
			Top:        1,
		})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, float64(2), docs[0]["priority"])
	})

	t.Run("UpdateOne keeps history for GetDocumentVersion", func(t *testing.T) {
		m := NewMemory()
		doc, err := m.InsertOne(ctx, alice, "entities", contracts.Document{"name": "v0"}, 0, false)
		require.NoError(t, err)

		doc["name"] = "v1"
		res, err := m.UpdateOne(ctx, alice, UpdateRequest{Collection: "entities", Item: doc})
		require.NoError(t, err)
		assert.Equal(t, "v1", res.Item.String("name"))

		old, err := m.GetDocumentVersion(ctx, alice, "entities", doc.String("_id"), 0)
		require.NoError(t, err)
		assert.Equal(t, "v0", old.String("name"))

		cols, err := m.ListCollections(ctx, alice)
		require.NoError(t, err)
		assert.Contains(t, cols, CollectionInfo{Name: "entities_hist", Type: "collection"})
	})

	t.Run("UpdateOne without update right fails", func(t *testing.T) {
		m := NewMemory()
		doc, err := m.InsertOne(ctx, alice, "entities", contracts.Document{"name": "mine"}, 0, false)
		require.NoError(t, err)

		_, err = m.UpdateOne(ctx, bob, UpdateRequest{Collection: "entities", Item: doc})
		assert.ErrorIs(t, err, contracts.ErrNotFound)
	})

	t.Run("UpdateMany applies operators", func(t *testing.T) {
		m := NewMemory()
		for i := 0; i < 3; i++ {
			_, err := m.InsertOne(ctx, alice, "items", contracts.Document{"kind": "a", "n": float64(i)}, 0, false)
			require.NoError(t, err)
		}
		res, err := m.UpdateMany(ctx, alice, UpdateRequest{
			Collection: "items",
			Query:      contracts.Document{"kind": "a"},
			Item:       contracts.Document{"$inc": map[string]any{"n": 10}},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Modified)

		n, err := m.Count(ctx, alice, "items", contracts.Document{"n": map[string]any{"$gte": 10}})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("InsertOrUpdateOne uses uniqueness fields", func(t *testing.T) {
		m := NewMemory()
		first, err := m.InsertOrUpdateOne(ctx, alice, UpsertRequest{Collection: "items", Item: contracts.Document{"key": "k", "v": "1"}, Uniqueness: "key"})
		require.NoError(t, err)
		second, err := m.InsertOrUpdateOne(ctx, alice, UpsertRequest{Collection: "items", Item: contracts.Document{"key": "k", "v": "2"}, Uniqueness: "key"})
		require.NoError(t, err)

		assert.Equal(t, first.String("_id"), second.String("_id"))
		assert.Equal(t, "2", second.String("v"))
	})

	t.Run("DeleteMany by ids reports affected rows", func(t *testing.T) {
		m := NewMemory()
		a, _ := m.InsertOne(ctx, alice, "items", contracts.Document{}, 0, false)
		b, _ := m.InsertOne(ctx, alice, "items", contracts.Document{}, 0, false)
		_, _ = m.InsertOne(ctx, alice, "items", contracts.Document{}, 0, false)

		n, err := m.DeleteMany(ctx, alice, "items", nil, []string{a.String("_id"), b.String("_id")})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("DropCollection requires admins", func(t *testing.T) {
		m := NewMemory()
		_, _ = m.InsertOne(ctx, alice, "items", contracts.Document{}, 0, false)

		err := m.DropCollection(ctx, alice, "items")
		assert.ErrorIs(t, err, contracts.ErrAccessDenied)
		assert.NoError(t, m.DropCollection(ctx, contracts.Root(), "items"))
	})

	t.Run("FindOneAndUpdate claims each document once", func(t *testing.T) {
		m := NewMemory()
		past := time.Now().Add(-time.Minute)
		for i := 0; i < 5; i++ {
			_, err := m.InsertOne(ctx, alice, "workitems", contracts.Document{"state": "new", "nextrun": past}, 0, false)
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := map[string]int{}
		misses := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				doc, err := m.FindOneAndUpdate(ctx, alice, FindAndModifyRequest{
					Collection: "workitems",
					Query:      contracts.Document{"state": "new", "nextrun": map[string]any{"$lte": time.Now()}},
					Update:     contracts.Document{"$set": map[string]any{"state": "processing"}},
				})
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if doc == nil {
					misses++
					return
				}
				claimed[doc.String("_id")]++
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, 5)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "document %s claimed more than once", id)
		}
		assert.Equal(t, 15, misses)
	})

	t.Run("EntityRestrictions reads restriction config", func(t *testing.T) {
		m := NewMemory()
		_, err := m.InsertOne(ctx, contracts.Root(), CollectionConfig, contracts.Document{
			"_type": "restriction", "name": "create entities", "collection": "entities", "paths": []any{"$."},
		}, 0, false)
		require.NoError(t, err)

		restrictions, err := m.EntityRestrictions(ctx)
		require.NoError(t, err)
		require.Len(t, restrictions, 1)
		assert.Equal(t, "entities", restrictions[0].Collection)
		assert.Equal(t, []string{"$."}, restrictions[0].Paths)
	})
}
