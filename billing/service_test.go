package billing

import (
	"context"
	"testing"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Call(ctx context.Context, method, object, id string, payload map[string]any, customerID string) (map[string]any, error) {
	args := m.Called(method, object, id, payload, customerID)
	res, _ := args.Get(0).(map[string]any)
	return res, args.Error(1)
}

var (
	alice = &contracts.Identity{
		ID: "aaaaaaaaaaaaaaaaaaaaaaaa", Name: "alice", Username: "alice@acme.io",
		Roles: []contracts.RoleMember{{ID: contracts.UsersID, Name: "users"}},
	}
	admin = &contracts.Identity{
		ID: "dddddddddddddddddddddddd", Name: "admin", Username: "admin",
		Roles: []contracts.RoleMember{{ID: contracts.AdminsID, Name: contracts.AdminsName}},
	}
)

func newService(t *testing.T, options ...Option) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	_, err := st.InsertOne(context.Background(), contracts.Root(), store.CollectionUsers, contracts.Document{
		"_id": alice.ID, "_type": "user", "name": alice.Name, "username": alice.Username,
	}, 0, false)
	require.NoError(t, err)
	return NewService(st, options...), st
}

// customerAdmin creates a customer for alice and returns alice with the
// customer admin role in her token.
func customerAdmin(t *testing.T, s *Service) (*contracts.Identity, contracts.Document) {
	t.Helper()
	res, err := s.EnsureCustomer(context.Background(), alice, EnsureCustomerRequest{Customer: contracts.Document{"name": "Acme"}})
	require.NoError(t, err)
	c := res.Customer
	caller := *alice
	caller.CustomerID = c.String("_id")
	caller.Roles = append(append([]contracts.RoleMember{}, alice.Roles...),
		contracts.RoleMember{ID: c.String("admins"), Name: "Acme admins"},
		contracts.RoleMember{ID: c.String("users"), Name: "Acme users"},
	)
	return &caller, c
}

func addResource(t *testing.T, st *store.Memory, resource contracts.Document) string {
	t.Helper()
	resource["_type"] = "resource"
	resource["_acl"] = contracts.ACL{}.Grant(contracts.UsersID, "users", contracts.RightRead).Document()
	doc, err := st.InsertOne(context.Background(), contracts.Root(), store.CollectionConfig, resource, 0, false)
	require.NoError(t, err)
	return doc.String("_id")
}

func TestEnsureCustomer(t *testing.T) {
	ctx := context.Background()

	t.Run("creates customer roles and selects it", func(t *testing.T) {
		s, st := newService(t)
		_, c := customerAdmin(t, s)

		assert.Equal(t, "customer", c.String("_type"))
		assert.Equal(t, "alice@acme.io", c.String("email"))
		assert.NotEmpty(t, c.String("admins"))
		assert.NotEmpty(t, c.String("users"))

		admins, err := st.GetByID(ctx, contracts.Root(), store.CollectionUsers, c.String("admins"))
		require.NoError(t, err)
		assert.Equal(t, "Acme admins", admins.String("name"))

		user, err := st.GetByID(ctx, contracts.Root(), store.CollectionUsers, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, c.String("_id"), user.String("customerid"))
		assert.Equal(t, c.String("_id"), user.String("selectedcustomerid"))
	})

	t.Run("users with a customer cannot create another", func(t *testing.T) {
		s, _ := newService(t)
		caller := *alice
		caller.CustomerID = "cccccccccccccccccccccccc"
		_, err := s.EnsureCustomer(ctx, &caller, EnsureCustomerRequest{Customer: contracts.Document{"name": "Other"}})
		assert.ErrorIs(t, err, contracts.ErrAccessDenied)
	})

	t.Run("eu vat number must match country", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.EnsureCustomer(ctx, alice, EnsureCustomerRequest{Customer: contracts.Document{
			"name": "Acme", "vattype": "eu_vat", "vatnumber": "se123", "country": "DK",
		}})
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})

	t.Run("registered business is created at the provider", func(t *testing.T) {
		p := &mockProvider{}
		p.On("Call", "POST", "customers", "", mock.Anything, "").
			Return(map[string]any{"id": "cus_1", "name": "Acme", "email": "alice@acme.io", "address": map[string]any{"country": "DK"}}, nil).Once()
		p.On("Call", "POST", "tax_ids", "", map[string]any{"value": "DK123", "type": "eu_vat"}, "cus_1").
			Return(map[string]any{"id": "txi_1"}, nil).Once()

		s, _ := newService(t, WithProvider(p))
		res, err := s.EnsureCustomer(ctx, alice, EnsureCustomerRequest{Customer: contracts.Document{
			"name": "Acme", "vattype": "eu_vat", "vatnumber": "dk123", "country": "DK",
		}})
		require.NoError(t, err)
		assert.Equal(t, "cus_1", res.Customer.String("stripeid"))
		assert.Equal(t, "DK123", res.Customer.String("vatnumber"))
		p.AssertExpectations(t)
	})
}

func TestSelectCustomer(t *testing.T) {
	ctx := context.Background()

	t.Run("builtin entities are rejected", func(t *testing.T) {
		s, _ := newService(t)
		_, err := s.SelectCustomer(ctx, contracts.Root(), "")
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})

	t.Run("unknown customer falls back to own customer", func(t *testing.T) {
		s, st := newService(t)
		caller, c := customerAdmin(t, s)
		selected, err := s.SelectCustomer(ctx, caller, "eeeeeeeeeeeeeeeeeeeeeeee")
		require.NoError(t, err)
		assert.Equal(t, c.String("_id"), selected)

		user, err := st.GetByID(ctx, contracts.Root(), store.CollectionUsers, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, c.String("_id"), user.String("selectedcustomerid"))
	})
}

func TestPlans(t *testing.T) {
	ctx := context.Background()

	t.Run("add without provider records usage and enforces single", func(t *testing.T) {
		s, st := newService(t)
		caller, c := customerAdmin(t, s)
		resourceID := addResource(t, st, contracts.Document{
			"name": "Support", "target": "customer",
			"products": []any{map[string]any{"name": "Basic", "stripeprice": "price_basic", "customerassign": "single"}},
		})

		checkout, err := s.AddPlan(ctx, caller, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_basic", Quantity: 1})
		require.NoError(t, err)
		assert.Nil(t, checkout)

		usages, err := s.usages(ctx, caller, contracts.Document{"customerid": c.String("_id")})
		require.NoError(t, err)
		require.Len(t, usages, 1)
		assert.Equal(t, 1, usages[0].Quantity)
		assert.NotEmpty(t, usages[0].SIID)
		assert.Equal(t, "Support / Basic for Acme", usages[0].Name)

		_, err = s.AddPlan(ctx, caller, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_basic", Quantity: 1})
		require.Error(t, err)
		assert.Equal(t, "Cannot assign, customer already have 1 Basic", err.Error())
	})

	t.Run("non customer admins are denied", func(t *testing.T) {
		s, st := newService(t)
		_, c := customerAdmin(t, s)
		resourceID := addResource(t, st, contracts.Document{
			"name": "Support", "target": "customer",
			"products": []any{map[string]any{"name": "Basic", "stripeprice": "price_basic"}},
		})
		outsider := *alice
		outsider.Roles = append(outsider.Roles, contracts.RoleMember{ID: c.String("users"), Name: "Acme users"})
		_, err := s.AddPlan(ctx, &outsider, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_basic"})
		assert.ErrorIs(t, err, contracts.ErrAccessDenied)
	})

	t.Run("database usage unlocks users", func(t *testing.T) {
		s, st := newService(t)
		caller, c := customerAdmin(t, s)
		_, err := st.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{
			Collection: store.CollectionUsers, Query: contracts.Document{"_id": alice.ID},
			Item: contracts.Document{"$set": map[string]any{"dblocked": true}},
		})
		require.NoError(t, err)
		resourceID := addResource(t, st, contracts.Document{
			"name": DatabaseUsageResource, "target": "customer",
			"products": []any{map[string]any{"name": "Metered", "stripeprice": "price_db", "customerassign": "metered"}},
		})

		_, err = s.AddPlan(ctx, caller, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_db", Quantity: 1})
		require.NoError(t, err)

		user, err := st.GetByID(ctx, contracts.Root(), store.CollectionUsers, alice.ID)
		require.NoError(t, err)
		assert.False(t, user.Bool("dblocked"))
	})

	t.Run("cancel removes the usage", func(t *testing.T) {
		s, st := newService(t)
		caller, c := customerAdmin(t, s)
		resourceID := addResource(t, st, contracts.Document{
			"name": "Support", "target": "customer",
			"products": []any{map[string]any{"name": "Basic", "stripeprice": "price_basic"}},
		})
		_, err := s.AddPlan(ctx, caller, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_basic", Quantity: 1})
		require.NoError(t, err)
		usages, err := s.usages(ctx, caller, contracts.Document{"customerid": c.String("_id")})
		require.NoError(t, err)
		require.Len(t, usages, 1)

		require.NoError(t, s.CancelPlan(ctx, caller, usages[0].ID, 1))
		usages, err = s.usages(ctx, caller, contracts.Document{"customerid": c.String("_id")})
		require.NoError(t, err)
		assert.Empty(t, usages)
	})

	t.Run("unknown product", func(t *testing.T) {
		s, st := newService(t)
		caller, c := customerAdmin(t, s)
		resourceID := addResource(t, st, contracts.Document{"name": "Support", "target": "customer", "products": []any{}})
		_, err := s.AddPlan(ctx, caller, AddPlanRequest{CustomerID: c.String("_id"), ResourceID: resourceID, StripePrice: "price_x"})
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})
}

func TestMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("non admins are limited", func(t *testing.T) {
		s, _ := newService(t, WithProvider(&mockProvider{}))
		_, err := s.Message(ctx, alice, MessageRequest{Method: "GET", Object: "customers"})
		require.Error(t, err)
		assert.Equal(t, "Access to customers is not allowed", err.Error())

		_, err = s.Message(ctx, alice, MessageRequest{Method: "DELETE", Object: "plans"})
		assert.ErrorIs(t, err, contracts.ErrAccessDenied)

		_, err = s.Message(ctx, alice, MessageRequest{Method: "GET", Object: "plans", URL: "https://evil"})
		require.Error(t, err)
		assert.Equal(t, "Custom url not allowed", err.Error())

		_, err = s.Message(ctx, alice, MessageRequest{Method: "GET"})
		assert.ErrorIs(t, err, contracts.ErrValidation)
	})

	t.Run("admins pass through", func(t *testing.T) {
		p := &mockProvider{}
		p.On("Call", "GET", "customers", "cus_1", map[string]any(nil), "").Return(map[string]any{"id": "cus_1"}, nil)
		s, _ := newService(t, WithProvider(p))
		res, err := s.Message(ctx, admin, MessageRequest{Method: "get", Object: "customers", ID: "cus_1"})
		require.NoError(t, err)
		assert.Equal(t, "cus_1", res["id"])
		p.AssertExpectations(t)
	})

	t.Run("provider failures are upstream errors", func(t *testing.T) {
		p := &mockProvider{}
		p.On("Call", "GET", "plans", "", map[string]any(nil), "").Return(nil, assert.AnError)
		s, _ := newService(t, WithProvider(p))
		_, err := s.Message(ctx, alice, MessageRequest{Method: "GET", Object: "plans"})
		assert.ErrorIs(t, err, contracts.ErrUpstream)
	})
}

func TestNextInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("customer without billing and no provider yields nothing", func(t *testing.T) {
		s, _ := newService(t)
		caller, c := customerAdmin(t, s)
		invoice, err := s.NextInvoice(ctx, caller, InvoiceRequest{CustomerID: c.String("_id")})
		require.NoError(t, err)
		assert.Nil(t, invoice)
	})

	t.Run("pages through remaining lines", func(t *testing.T) {
		p := &mockProvider{}
		s, st := newService(t, WithProvider(p))
		caller, c := customerAdmin(t, s)
		_, err := st.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{
			Collection: store.CollectionUsers, Query: contracts.Document{"_id": c.String("_id")},
			Item: contracts.Document{"$set": map[string]any{"stripeid": "cus_1", "subscriptionid": "sub_1"}},
		})
		require.NoError(t, err)

		p.On("Call", "GET", "invoices_upcoming", "", mock.Anything, "cus_1").Return(map[string]any{
			"lines": map[string]any{"has_more": true, "data": []any{map[string]any{"id": "il_1"}}},
		}, nil).Once()
		p.On("Call", "GET", "invoices_upcoming_lines", "sub_1", mock.Anything, "cus_1").Return(map[string]any{
			"has_more": false, "data": []any{map[string]any{"id": "il_2"}},
		}, nil).Once()

		invoice, err := s.NextInvoice(ctx, caller, InvoiceRequest{CustomerID: c.String("_id")})
		require.NoError(t, err)
		lines := invoice["lines"].(map[string]any)["data"].([]any)
		assert.Len(t, lines, 2)
		p.AssertExpectations(t)
	})
}
