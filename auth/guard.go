package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

// ReservedName is the broker name reserved for the platform itself.
const ReservedName = "openflow"

// idLength is the length of store identifiers; broker names of this length
// are treated as entity ids.
const idLength = 24

// EndpointKind distinguishes queues from exchanges.
type EndpointKind string

const (
	KindQueue    EndpointKind = "queue"
	KindExchange EndpointKind = "exchange"
)

// Policy holds the broker authorization switches.
type Policy struct {
	ForceQueuePrefix       bool
	ForceExchangePrefix    bool
	ForceSenderHasRead     bool
	ForceSenderHasInvoke   bool
	ForceConsumerHasUpdate bool
}

func (p Policy) enforced() bool {
	return p.ForceSenderHasRead || p.ForceSenderHasInvoke || p.ForceConsumerHasUpdate
}

// Guard authorizes callers against stored ACLs and broker naming rules.
type Guard struct {
	store  store.DocumentStore
	tokens Verifier
	policy Policy
	logger *slog.Logger
}

// GuardOption configures the Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithPolicy sets the broker authorization switches.
func WithPolicy(policy Policy) GuardOption {
	return func(g *Guard) {
		g.policy = policy
	}
}

// NewGuard creates a guard backed by the given store and token verifier.
func NewGuard(st store.DocumentStore, tokens Verifier, options ...GuardOption) *Guard {
	g := &Guard{
		store:  st,
		tokens: tokens,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Policy returns the active broker authorization switches.
func (g *Guard) Policy() Policy { return g.policy }

// Identify verifies token and returns the caller.
func (g *Guard) Identify(token string) (*contracts.Identity, error) {
	return g.tokens.VerifyToken(token)
}

// HasAuthorization reports whether identity holds right on resource. Members
// of admins, root and the entity itself always pass.
func (g *Guard) HasAuthorization(identity *contracts.Identity, resource contracts.Resource, right contracts.Right) bool {
	if identity == nil {
		return false
	}
	if identity.IsAdmin() {
		return true
	}
	return resource.Grants(identity.IDs(), right)
}

// CheckReserved rejects the platform reserved broker name.
func CheckReserved(names ...string) error {
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), ReservedName) {
			return contracts.AccessDenied("")
		}
	}
	return nil
}

// SanitizeUsername lower-cases username and removes '@' and '.'.
func SanitizeUsername(username string) string {
	s := strings.ReplaceAll(username, "@", "")
	s = strings.ReplaceAll(s, ".", "")
	return strings.ToLower(s)
}

func prefixed(identity *contracts.Identity, name string) string {
	name = SanitizeUsername(identity.Username) + name
	if len(name) == idLength {
		name += "1"
	}
	return name
}

// QueueName returns the effective queue name for identity.
func (g *Guard) QueueName(identity *contracts.Identity, name string) string {
	if !g.policy.ForceQueuePrefix || identity == nil || name == "" {
		return name
	}
	if len(name) == idLength && (name == identity.ID || identity.HasRoleID(name)) {
		return name
	}
	return prefixed(identity, name)
}

// ExchangeName returns the effective exchange name for identity.
func (g *Guard) ExchangeName(identity *contracts.Identity, name string) string {
	if !g.policy.ForceExchangePrefix || identity == nil || name == "" {
		return name
	}
	return prefixed(identity, name)
}

func (g *Guard) consumerRight() contracts.Right {
	switch {
	case g.policy.ForceConsumerHasUpdate:
		return contracts.RightUpdate
	case g.policy.ForceSenderHasInvoke:
		return contracts.RightInvoke
	}
	return contracts.RightRead
}

func (g *Guard) senderRight() contracts.Right {
	if g.policy.ForceSenderHasInvoke {
		return contracts.RightInvoke
	}
	return contracts.RightRead
}

// AuthorizeConsumer checks that identity may consume from the named queue or
// exchange. Unknown endpoints are registered in the mq collection with the
// caller as owner.
func (g *Guard) AuthorizeConsumer(ctx context.Context, identity *contracts.Identity, kind EndpointKind, name string) error {
	if !g.policy.enforced() || name == "" {
		return nil
	}
	if name == identity.ID {
		return nil
	}
	if identity.HasRoleID(name) && !g.policy.ForceConsumerHasUpdate && !g.policy.ForceSenderHasInvoke {
		return nil
	}
	right := g.consumerRight()
	resource, found, err := g.lookupEndpoint(ctx, kind, name)
	if err != nil {
		return err
	}
	if found {
		if !g.HasAuthorization(identity, resource, right) {
			return contracts.AccessDenied("[%s] Unknown queue or access denied, missing %s permission on %s object %s",
				identity.Name, right, resourceKind(resource, kind), name)
		}
		return nil
	}

	if _, err := g.store.InsertOne(ctx, identity, store.CollectionMQ, contracts.Document{
		"_type": string(kind),
		"name":  name,
	}, 0, false); err != nil {
		return contracts.Upstream("register "+string(kind), err)
	}
	g.logger.Info("registered broker endpoint", "kind", kind, "name", name, "user", identity.Username)
	return nil
}

// AuthorizeSender checks that identity may publish to the named queue or
// exchange.
func (g *Guard) AuthorizeSender(ctx context.Context, identity *contracts.Identity, kind EndpointKind, name string) error {
	if !(g.policy.ForceSenderHasRead || g.policy.ForceSenderHasInvoke) || name == "" {
		return nil
	}
	if name == identity.ID || identity.HasRoleID(name) {
		return nil
	}
	right := g.senderRight()
	resource, found, err := g.lookupEndpoint(ctx, kind, name)
	if err != nil {
		return err
	}
	if !found || !g.HasAuthorization(identity, resource, right) {
		return contracts.AccessDenied("[%s] Unknown queue or access denied, missing %s permission on %s object %s",
			identity.Name, right, kind, name)
	}
	return nil
}

func resourceKind(resource contracts.Resource, fallback EndpointKind) string {
	if resource.Type != "" {
		return resource.Type
	}
	return string(fallback)
}

// lookupEndpoint resolves an id-shaped name against users, then the name
// against the mq collection.
func (g *Guard) lookupEndpoint(ctx context.Context, kind EndpointKind, name string) (contracts.Resource, bool, error) {
	root := contracts.Root()
	if len(name) == idLength {
		doc, err := g.store.GetByID(ctx, root, store.CollectionUsers, name)
		switch {
		case err == nil:
			return contracts.ResourceOf(doc), true, nil
		case !errors.Is(err, contracts.ErrNotFound):
			return contracts.Resource{}, false, contracts.Upstream("lookup user", err)
		}
	}
	docs, err := g.store.Query(ctx, root, store.QueryRequest{
		Collection: store.CollectionMQ,
		Query:      contracts.Document{"_type": string(kind), "name": name},
		Top:        1,
	})
	if err != nil {
		return contracts.Resource{}, false, contracts.Upstream(fmt.Sprintf("lookup %s", kind), err)
	}
	if len(docs) == 0 {
		return contracts.Resource{}, false, nil
	}
	return contracts.ResourceOf(docs[0]), true, nil
}
