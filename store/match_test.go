package store

import (
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	doc := contracts.Document{
		"name":     "Invoice 42",
		"state":    "new",
		"priority": float64(2),
		"members":  []any{map[string]any{"_id": "r1"}, map[string]any{"_id": "r2"}},
		"metadata": map[string]any{"wiqid": "q1"},
		"nextrun":  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
	}

	tests := []struct {
		name  string
		query map[string]any
		want  bool
	}{
		{"equality", map[string]any{"state": "new"}, true},
		{"nested path", map[string]any{"metadata.wiqid": "q1"}, true},
		{"array element path", map[string]any{"members._id": "r2"}, true},
		{"missing field equals nil", map[string]any{"missing": nil}, true},
		{"ne", map[string]any{"state": map[string]any{"$ne": "new"}}, false},
		{"in", map[string]any{"state": map[string]any{"$in": []any{"retry", "new"}}}, true},
		{"lte time against string", map[string]any{"nextrun": map[string]any{"$lte": time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}}, true},
		{"gt number", map[string]any{"priority": map[string]any{"$gt": 2}}, false},
		{"exists", map[string]any{"metadata": map[string]any{"$exists": true}}, true},
		{"regex case insensitive", map[string]any{"name": map[string]any{"$regex": "^invoice", "$options": "i"}}, true},
		{"or", map[string]any{"$or": []any{map[string]any{"state": "x"}, map[string]any{"priority": 2}}}, true},
		{"and", map[string]any{"$and": []any{map[string]any{"state": "new"}, map[string]any{"priority": 3}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(doc, tt.query))
		})
	}
}

func TestRunPipeline(t *testing.T) {
	docs := []contracts.Document{
		{"_id": "1", "_modifiedbyid": "u1", "_modifiedby": "alice", "v": float64(1)},
		{"_id": "2", "_modifiedbyid": "u1", "_modifiedby": "alice", "v": float64(2)},
		{"_id": "3", "_modifiedbyid": "u2", "_modifiedby": "bob", "v": float64(5)},
	}

	t.Run("group sums per key", func(t *testing.T) {
		out, err := RunPipeline(docs, []map[string]any{
			{"$group": map[string]any{
				"_id":  "$_modifiedbyid",
				"size": map[string]any{"$sum": "$v"},
				"name": map[string]any{"$first": "$_modifiedby"},
			}},
			{"$sort": map[string]any{"_id": 1}},
		})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "u1", out[0]["_id"])
		assert.Equal(t, float64(3), out[0]["size"])
		assert.Equal(t, "bob", out[1]["name"])
	})

	t.Run("bsonSize of root", func(t *testing.T) {
		out, err := RunPipeline(docs[:1], []map[string]any{
			{"$project": map[string]any{"size": map[string]any{"$bsonSize": "$$ROOT"}}},
		})
		require.NoError(t, err)
		size, _ := contracts.ToFloat(out[0]["size"])
		assert.Greater(t, size, float64(0))
	})

	t.Run("match and count", func(t *testing.T) {
		out, err := RunPipeline(docs, []map[string]any{
			{"$match": map[string]any{"_modifiedbyid": "u1"}},
			{"$count": "total"},
		})
		require.NoError(t, err)
		assert.Equal(t, float64(2), out[0]["total"])
	})

	t.Run("unsupported stage fails", func(t *testing.T) {
		_, err := RunPipeline(docs, []map[string]any{{"$lookup": map[string]any{}}})
		assert.Error(t, err)
	})
}

func TestApplyUpdate(t *testing.T) {
	doc := contracts.Document{"_id": "1", "a": float64(1), "nested": map[string]any{"x": "y"}}
	require.NoError(t, ApplyUpdate(doc, map[string]any{
		"$set":   map[string]any{"b": "c"},
		"$inc":   map[string]any{"a": 2},
		"$unset": map[string]any{"nested.x": ""},
	}))
	assert.Equal(t, "c", doc["b"])
	assert.Equal(t, float64(3), doc["a"])
	_, ok := doc.Get("nested.x")
	assert.False(t, ok)
}
