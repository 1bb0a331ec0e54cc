// Package handlers implements the gateway commands on top of the document
// store, the broker and the instance and billing collaborators.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/billing"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/housekeeping"
	"github.com/glimte/mmate-gateway/instances"
	"github.com/glimte/mmate-gateway/internal/cache"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/store"
)

// DefaultWorkitemPriority is used for workitems added without a priority.
const DefaultWorkitemPriority = 2

// Settings holds the command switches.
type Settings struct {
	// EnableExchange allows queuemessage to publish to exchanges.
	EnableExchange bool
	// DefaultExpiration applies to published messages without expiration.
	DefaultExpiration time.Duration
	// EntityRestriction limits listcollections to restricted collections.
	EntityRestriction bool
	// WorkitemPriority is the default workitem priority.
	WorkitemPriority int
}

// Handlers holds the collaborators shared by every command.
type Handlers struct {
	store       store.DocumentStore
	guard       *auth.Guard
	queues      messaging.QueueClient
	collections cache.Collections
	instances   *instances.Manager
	billing     *billing.Service
	scheduler   *housekeeping.Scheduler
	settings    Settings
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithQueueClient enables the queue and exchange commands.
func WithQueueClient(q messaging.QueueClient) Option {
	return func(h *Handlers) {
		h.queues = q
	}
}

// WithCollectionsCache replaces the default in-process listing cache.
func WithCollectionsCache(c cache.Collections) Option {
	return func(h *Handlers) {
		h.collections = c
	}
}

// WithInstances enables the instance commands.
func WithInstances(m *instances.Manager) Option {
	return func(h *Handlers) {
		h.instances = m
	}
}

// WithBilling enables the billing commands.
func WithBilling(b *billing.Service) Option {
	return func(h *Handlers) {
		h.billing = b
	}
}

// WithScheduler enables the housekeeping command.
func WithScheduler(s *housekeeping.Scheduler) Option {
	return func(h *Handlers) {
		h.scheduler = s
	}
}

// WithSettings sets the command switches.
func WithSettings(s Settings) Option {
	return func(h *Handlers) {
		h.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		h.now = now
	}
}

// New creates the command handlers.
func New(st store.DocumentStore, guard *auth.Guard, options ...Option) *Handlers {
	h := &Handlers{
		store:  st,
		guard:  guard,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(h)
	}
	if h.collections == nil {
		h.collections = cache.NewMemory(time.Minute, h.now)
	}
	if h.settings.WorkitemPriority == 0 {
		h.settings.WorkitemPriority = DefaultWorkitemPriority
	}
	return h
}

func command(name string, offloadable bool, handler messaging.HandlerFunc) messaging.CommandDescriptor {
	return messaging.CommandDescriptor{Name: name, RequiresAuth: true, Offloadable: offloadable, Handler: handler}
}

func reloading(desc messaging.CommandDescriptor) messaging.CommandDescriptor {
	desc.ReloadsToken = true
	return desc
}

// Descriptors returns the command table. Commands whose collaborator is not
// configured are left out.
func (h *Handlers) Descriptors() []messaging.CommandDescriptor {
	descs := []messaging.CommandDescriptor{
		command("listcollections", true, handle(h, h.ListCollections)),
		command("dropcollection", true, handle(h, h.DropCollection)),
		command("query", true, handle(h, h.Query)),
		command("getdocumentversion", true, handle(h, h.GetDocumentVersion)),
		command("aggregate", true, handle(h, h.Aggregate)),
		command("insertone", true, handle(h, h.InsertOne)),
		command("insertmany", true, handle(h, h.InsertMany)),
		command("updateone", true, handle(h, h.UpdateOne)),
		command("updatemany", true, handle(h, h.UpdateMany)),
		command("insertorupdateone", true, handle(h, h.InsertOrUpdateOne)),
		command("deleteone", true, handle(h, h.DeleteOne)),
		command("deletemany", true, handle(h, h.DeleteMany)),

		reloading(command("addworkitemqueue", false, handle(h, h.AddWorkitemQueue))),
		command("getworkitemqueue", false, handle(h, h.GetWorkitemQueue)),
		command("updateworkitemqueue", true, handle(h, h.UpdateWorkitemQueue)),
		command("deleteworkitemqueue", true, handle(h, h.DeleteWorkitemQueue)),
		command("addworkitem", false, handle(h, h.AddWorkitem)),
		command("addworkitems", false, handle(h, h.AddWorkitems)),
		command("popworkitem", false, handle(h, h.PopWorkitem)),
		command("updateworkitem", false, handle(h, h.UpdateWorkitem)),
		command("deleteworkitem", false, handle(h, h.DeleteWorkitem)),
	}
	if h.queues != nil {
		descs = append(descs,
			command("registerqueue", false, handle(h, h.RegisterQueue)),
			command("registerexchange", false, handle(h, h.RegisterExchange)),
			command("queuemessage", false, handle(h, h.QueueMessage)),
			command("closequeue", false, handle(h, h.CloseQueue)),
		)
	}
	if h.instances != nil {
		ensure := handle(h, h.EnsureInstance)
		remove := handle(h, h.DeleteInstance)
		descs = append(descs,
			reloading(command("ensurenoderedinstance", true, ensure)),
			command("deletenoderedinstance", true, remove),
			command("restartnoderedinstance", true, handle(h, h.RestartInstance)),
			command("deletenoderedpod", true, handle(h, h.DeletePod)),
			command("getnoderedinstance", true, handle(h, h.GetInstance)),
			command("getnoderedinstancelog", false, handle(h, h.GetInstanceLog)),
			command("getkubenodelabels", false, handle(h, h.GetNodeLabels)),
			reloading(command("startnoderedinstance", false, ensure)),
			command("stopnoderedinstance", false, remove),
		)
	}
	if h.billing != nil {
		descs = append(descs,
			reloading(command("ensurecustomer", false, handle(h, h.EnsureCustomer))),
			reloading(command("selectcustomer", false, handle(h, h.SelectCustomer))),
			command("stripeaddplan", false, handle(h, h.AddPlan)),
			command("stripecancelplan", false, handle(h, h.CancelPlan)),
			command("getnextinvoice", false, handle(h, h.NextInvoice)),
			command("stripemessage", false, handle(h, h.StripeMessage)),
		)
	}
	if h.scheduler != nil {
		descs = append(descs, command("housekeeping", true, handle(h, h.Housekeeping)))
	}
	return descs
}

// Register adds every command to r.
func (h *Handlers) Register(r *messaging.Registry) error {
	for _, d := range h.Descriptors() {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func caller(call *messaging.Call) (*contracts.Identity, error) {
	if call.Identity == nil {
		return nil, contracts.ErrNotSignedIn
	}
	return call.Identity, nil
}

// handle adapts a typed handler and logs the error it returns.
func handle[T any, PT interface {
	*T
	contracts.ErrorSetter
}](h *Handlers, fn func(context.Context, *messaging.Call, PT) error) messaging.HandlerFunc {
	return messaging.Handle(func(ctx context.Context, call *messaging.Call, msg PT) error {
		err := fn(ctx, call, msg)
		if err != nil {
			attrs := []any{"command", call.Request.Command, "id", call.Request.ID, "error", err}
			if call.Identity != nil {
				attrs = append(attrs, "user", call.Identity.Username)
			}
			h.logger.Log(ctx, levelFor(err), "command error", attrs...)
		}
		return err
	})
}

func levelFor(err error) slog.Level {
	switch {
	case errors.Is(err, contracts.ErrValidation), errors.Is(err, contracts.ErrAccessDenied),
		errors.Is(err, contracts.ErrNotFound), errors.Is(err, contracts.ErrNotSignedIn):
		return slog.LevelWarn
	}
	return slog.LevelError
}
