package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

const maxRoleDepth = 10

// Refresher rebuilds an identity from the store and issues a new token.
type Refresher struct {
	store  store.DocumentStore
	signer Signer
	ttl    time.Duration
}

// NewRefresher creates a Refresher.
func NewRefresher(st store.DocumentStore, signer Signer, ttl time.Duration) *Refresher {
	return &Refresher{store: st, signer: signer, ttl: ttl}
}

// Decorate reloads the user document and recomputes role membership,
// following nested roles.
func (r *Refresher) Decorate(ctx context.Context, identity *contracts.Identity) (*contracts.Identity, error) {
	root := contracts.Root()
	fresh := *identity
	doc, err := r.store.GetByID(ctx, root, store.CollectionUsers, identity.ID)
	switch {
	case err == nil:
		if loaded := contracts.IdentityOf(doc); loaded != nil {
			fresh = *loaded
			fresh.Impostor = identity.Impostor
		}
	case !errors.Is(err, contracts.ErrNotFound):
		return nil, fmt.Errorf("failed to load user %s: %w", identity.ID, err)
	}

	roles, err := r.store.Query(ctx, root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "role"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}

	member := map[string]bool{fresh.ID: true}
	var result []contracts.RoleMember
	for _, existing := range identity.Roles {
		if contracts.IsBuiltin(existing.ID) && !member[existing.ID] {
			member[existing.ID] = true
			result = append(result, existing)
		}
	}
	for depth := 0; depth < maxRoleDepth; depth++ {
		added := false
		for _, role := range roles {
			id := role.String("_id")
			if member[id] {
				continue
			}
			for _, m := range membersOf(role) {
				if member[m] {
					member[id] = true
					result = append(result, contracts.RoleMember{ID: id, Name: role.String("name")})
					added = true
					break
				}
			}
		}
		if !added {
			break
		}
	}
	fresh.Roles = result
	return &fresh, nil
}

// Refresh decorates identity and signs a new token for it.
func (r *Refresher) Refresh(ctx context.Context, identity *contracts.Identity) (string, *contracts.Identity, error) {
	fresh, err := r.Decorate(ctx, identity)
	if err != nil {
		return "", nil, err
	}
	token, err := r.signer.CreateToken(fresh, r.ttl)
	if err != nil {
		return "", nil, err
	}
	return token, fresh, nil
}

func membersOf(role contracts.Document) []string {
	raw, _ := role["members"].([]any)
	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		if mm, ok := m.(map[string]any); ok {
			if id, _ := mm["_id"].(string); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// EnsureRole loads the role with id, or by name when id is empty or unknown,
// and creates it when neither exists.
func EnsureRole(ctx context.Context, st store.DocumentStore, name, id string) (contracts.Document, error) {
	root := contracts.Root()
	if id != "" {
		doc, err := st.GetByID(ctx, root, store.CollectionUsers, id)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, contracts.ErrNotFound) {
			return nil, fmt.Errorf("failed to load role %s: %w", id, err)
		}
	}
	found, err := st.Query(ctx, root, store.QueryRequest{
		Collection: store.CollectionUsers,
		Query:      contracts.Document{"_type": "role", "name": name},
		Top:        1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up role %s: %w", name, err)
	}
	if len(found) > 0 {
		return found[0], nil
	}
	role := contracts.Document{"_type": "role", "name": name, "members": []any{}}
	if id != "" {
		role["_id"] = id
	}
	created, err := st.InsertOne(ctx, root, store.CollectionUsers, role, 1, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", name, err)
	}
	return created, nil
}

// AddMember adds member to role unless already present.
func AddMember(role contracts.Document, member contracts.RoleMember) {
	for _, id := range membersOf(role) {
		if id == member.ID {
			return
		}
	}
	members, _ := role["members"].([]any)
	role["members"] = append(members, map[string]any{"_id": member.ID, "name": member.Name})
}

// SaveRole replaces the stored role document.
func SaveRole(ctx context.Context, st store.DocumentStore, role contracts.Document) (contracts.Document, error) {
	res, err := st.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{Collection: store.CollectionUsers, Item: role, W: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to save role %s: %w", role.String("name"), err)
	}
	return res.Item, nil
}
