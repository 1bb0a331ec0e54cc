package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

// Settings holds the billing switches.
type Settings struct {
	// ForceVAT only allows customers with a VAT registration to buy.
	ForceVAT bool
	// ForceCheckout always sends buyers through a checkout session.
	ForceCheckout bool
	// BaseURL is used to build checkout return urls.
	BaseURL string
}

// Service implements the billing commands. Without a provider every purchase
// is recorded locally with generated subscription ids.
type Service struct {
	store    store.DocumentStore
	provider Provider
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithProvider sets the payment provider.
func WithProvider(p Provider) Option {
	return func(s *Service) {
		s.provider = p
	}
}

// WithSettings sets the billing switches.
func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a billing service.
func NewService(st store.DocumentStore, options ...Option) *Service {
	s := &Service{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool { return s.provider != nil }

func (s *Service) call(ctx context.Context, method, object, id string, payload map[string]any, customerID string) (map[string]any, error) {
	if s.provider == nil {
		return nil, ErrNotConfigured
	}
	res, err := s.provider.Call(ctx, method, object, id, payload, customerID)
	if err != nil {
		s.logger.Error("billing call failed", "method", method, "object", object, "id", id, "error", err)
		return nil, contracts.Upstream("billing "+object, err)
	}
	return res, nil
}

// authorize requires membership of "<customer> admins" or admins.
func authorize(caller *contracts.Identity, customer contracts.Document, action string) error {
	name := customer.String("name")
	if caller.HasRoleName(name+" admins") || caller.HasRoleName(contracts.AdminsName) {
		return nil
	}
	return contracts.AccessDenied("Access denied, %s (not in '%s admins')", action, name)
}

func (s *Service) lookup(ctx context.Context, caller *contracts.Identity, collection, id, missing string) (contracts.Document, error) {
	if id == "" {
		return nil, contracts.NotFound("%s", missing)
	}
	doc, err := s.store.GetByID(ctx, caller, collection, id)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, contracts.NotFound("%s", missing)
	}
	if err != nil {
		return nil, contracts.Upstream("load "+collection, err)
	}
	return doc, nil
}

func (s *Service) usages(ctx context.Context, caller *contracts.Identity, query contracts.Document) ([]Usage, error) {
	query["_type"] = "resourceusage"
	docs, err := s.store.Query(ctx, caller, store.QueryRequest{Collection: store.CollectionConfig, Query: query, Top: 1000})
	if err != nil {
		return nil, contracts.Upstream("query resource usage", err)
	}
	out := make([]Usage, 0, len(docs))
	for _, d := range docs {
		u, err := decodeUsage(d)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Service) saveUsage(ctx context.Context, usage *Usage) error {
	doc, err := usage.document()
	if err != nil {
		return err
	}
	root := contracts.Root()
	if usage.ID == "" {
		created, err := s.store.InsertOne(ctx, root, store.CollectionConfig, doc, 1, false)
		if err != nil {
			return contracts.Upstream("insert resource usage", err)
		}
		usage.ID = created.String("_id")
		return nil
	}
	if _, err := s.store.UpdateOne(ctx, root, store.UpdateRequest{Collection: store.CollectionConfig, Item: doc, W: 1}); err != nil {
		return contracts.Upstream("update resource usage", err)
	}
	return nil
}

func (s *Service) deleteUsage(ctx context.Context, id string) error {
	if err := s.store.DeleteOne(ctx, contracts.Root(), store.CollectionConfig, id); err != nil && !errors.Is(err, contracts.ErrNotFound) {
		return contracts.Upstream("delete resource usage", err)
	}
	return nil
}

// checkVAT validates the business registration of customer.
func (s *Service) checkVAT(customer contracts.Document) error {
	vattype, vatnumber := customer.String("vattype"), customer.String("vatnumber")
	if s.settings.ForceVAT && (vattype == "" || vatnumber == "") {
		return contracts.Validation("Only business can buy, please fill out vattype and vatnumber")
	}
	if vatnumber != "" && vattype == "eu_vat" && (len(vatnumber) < 2 || vatnumber[:2] != customer.String("country")) {
		return contracts.Validation("Country and VAT number does not match (eu vat numbers must be prefixed with country code)")
	}
	return nil
}

// taxRates returns the active provider tax rates for the customer country
// when the customer has no VAT registration or is domestic.
func (s *Service) taxRates(ctx context.Context, customer contracts.Document) ([]any, error) {
	rates := []any{}
	country := customer.String("country")
	if s.provider == nil || (customer.String("vattype") != "" && country != "DK") {
		return rates, nil
	}
	list, err := s.call(ctx, "GET", "tax_rates", "", nil, "")
	if err != nil {
		return nil, err
	}
	for _, rate := range objects(list, "data") {
		if rate.Bool("active") && rate.String("country") == country {
			rates = append(rates, rate.String("id"))
		}
	}
	return rates, nil
}

// ReportUsage posts a metered quantity for a subscription item.
func (s *Service) ReportUsage(ctx context.Context, siid string, quantity int64) error {
	if siid == "" {
		return contracts.Mandatory("siid")
	}
	_, err := s.call(ctx, "POST", "usage_records", siid, map[string]any{
		"quantity":  quantity,
		"timestamp": s.now().Unix(),
		"action":    "set",
	}, "")
	return err
}

func grant(doc contracts.Document, id, name string, rights contracts.Right) {
	if id == "" {
		return
	}
	doc["_acl"] = contracts.DecodeACL(doc["_acl"]).Grant(id, name, rights).Document()
}

// objects returns the list of objects stored at path.
func objects(m map[string]any, path string) []contracts.Document {
	v, _ := contracts.Document(m).Get(path)
	list, _ := v.([]any)
	out := make([]contracts.Document, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func byID(id string) contracts.Document {
	return contracts.Document{"_id": id}
}

func set(fields map[string]any) contracts.Document {
	return contracts.Document{"$set": fields}
}

func scaled(multiplier float64, quantity int) int {
	return int(multiplier * float64(quantity))
}
