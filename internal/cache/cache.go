// Package cache holds the per-token collection listing cache used by the
// listcollections command.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/glimte/mmate-gateway/store"
)

// ErrCacheMiss indicates that the key was not found in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Collections caches collection listings by caller token.
type Collections interface {
	// Get returns ErrCacheMiss when token has no cached listing.
	Get(ctx context.Context, token string) ([]store.CollectionInfo, error)
	Set(ctx context.Context, token string, collections []store.CollectionInfo) error
}

// HashKey hashes a token so raw credentials never become cache keys.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
