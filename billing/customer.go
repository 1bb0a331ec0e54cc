package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

// customerFields are copied from the request when a customer admin updates
// an existing customer.
var customerFields = []string{
	"name", "email", "vatnumber", "vattype", "coupon", "country",
	"customattr1", "customattr2", "customattr3", "customattr4", "customattr5",
}

// EnsureCustomerRequest creates or updates a customer.
type EnsureCustomerRequest struct {
	Customer       contracts.Document
	StripeCustomer map[string]any
}

// EnsureCustomerResult is the saved customer and its provider record.
type EnsureCustomerResult struct {
	Customer       contracts.Document
	StripeCustomer map[string]any
}

// EnsureCustomer creates the caller's customer or updates an existing one,
// synchronises it with the provider and maintains the "<name> admins" and
// "<name> users" roles.
func (s *Service) EnsureCustomer(ctx context.Context, caller *contracts.Identity, req EnsureCustomerRequest) (EnsureCustomerResult, error) {
	var existing contracts.Document
	if id := req.Customer.String("_id"); id != "" {
		found, err := s.store.Query(ctx, caller, store.QueryRequest{
			Collection: store.CollectionUsers,
			Query:      contracts.Document{"_type": "customer", "_id": id},
			Top:        1,
		})
		if err != nil {
			return EnsureCustomerResult{}, contracts.Upstream("query customer", err)
		}
		if len(found) > 0 {
			existing = found[0]
		}
	}

	var customer contracts.Document
	if existing == nil {
		if caller.CustomerID != "" && !caller.HasRoleName("resellers") {
			return EnsureCustomerResult{}, contracts.AccessDenied("Access denied creating customer")
		}
		customer = req.Customer.Clone()
		if customer == nil {
			customer = contracts.Document{}
		}
		delete(customer, "_id")
		customer["userid"] = caller.ID
		if customer.String("name") == "" {
			customer["name"] = caller.Name
		}
		if customer.String("email") == "" {
			email := caller.Email
			if email == "" {
				email = caller.Username
			}
			customer["email"] = email
		}
		grant(customer, caller.ID, caller.Name, contracts.RightRead)
		grant(customer, contracts.AdminsID, contracts.AdminsName, contracts.FullControl)
	} else {
		if err := authorize(caller, existing, "updating customer"); err != nil {
			return EnsureCustomerResult{}, contracts.AccessDenied("You are not logged in as a customer admin, so you cannot update")
		}
		customer = existing
		for _, f := range customerFields {
			if v, ok := req.Customer[f]; ok {
				customer[f] = v
			} else {
				delete(customer, f)
			}
		}
	}
	customer["_type"] = "customer"
	if v := customer.String("vatnumber"); v != "" {
		customer["vatnumber"] = strings.ToUpper(v)
	}
	if err := s.checkVAT(customer); err != nil {
		return EnsureCustomerResult{}, err
	}

	stripeCustomer := req.StripeCustomer
	if s.provider != nil && (len(customer.String("vatnumber")) > 2 || s.settings.ForceVAT) {
		synced, err := s.syncCustomer(ctx, caller, customer, stripeCustomer)
		if err != nil {
			return EnsureCustomerResult{}, err
		}
		stripeCustomer = synced
	}

	root := contracts.Root()
	if customer.String("_id") == "" {
		created, err := s.store.InsertOne(ctx, root, store.CollectionUsers, customer, 3, true)
		if err != nil {
			return EnsureCustomerResult{}, contracts.Upstream("insert customer", err)
		}
		customer = created
	} else if err := s.saveCustomer(ctx, customer); err != nil {
		return EnsureCustomerResult{}, err
	}
	customerID := customer.String("_id")

	userUpdate := map[string]any{}
	if caller.CustomerID == "" {
		userUpdate["customerid"] = customerID
	}
	if caller.SelectedCustomerID != customerID {
		userUpdate["selectedcustomerid"] = customerID
	}
	if len(userUpdate) > 0 {
		if _, err := s.store.UpdateOne(ctx, root, store.UpdateRequest{
			Collection: store.CollectionUsers, Query: byID(caller.ID), Item: set(userUpdate), W: 1,
		}); err != nil {
			return EnsureCustomerResult{}, contracts.Upstream("update user", err)
		}
	}

	if err := s.ensureCustomerRoles(ctx, caller, customer); err != nil {
		return EnsureCustomerResult{}, err
	}
	if err := s.saveCustomer(ctx, customer); err != nil {
		return EnsureCustomerResult{}, err
	}
	s.logger.Info("customer ensured", "customer", customerID, "name", customer.String("name"), "user", caller.ID)
	return EnsureCustomerResult{Customer: customer, StripeCustomer: stripeCustomer}, nil
}

func (s *Service) saveCustomer(ctx context.Context, customer contracts.Document) error {
	if _, err := s.store.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{
		Collection: store.CollectionUsers, Item: customer, W: 3, J: true,
	}); err != nil {
		return contracts.Upstream("update customer", err)
	}
	return nil
}

func (s *Service) ensureCustomerRoles(ctx context.Context, caller *contracts.Identity, customer contracts.Document) error {
	name := customer.String("name")
	customerID := customer.String("_id")

	global, err := auth.EnsureRole(ctx, s.store, "customer admins", contracts.CustomerAdminsID)
	if err != nil {
		return contracts.Upstream("ensure role", err)
	}
	admins, err := auth.EnsureRole(ctx, s.store, name+" admins", customer.String("admins"))
	if err != nil {
		return contracts.Upstream("ensure role", err)
	}
	admins["name"] = name + " admins"
	admins["customerid"] = customerID
	grant(admins, contracts.AdminsID, contracts.AdminsName, contracts.FullControl)
	grant(admins, global.String("_id"), global.String("name"), contracts.FullControl)
	auth.AddMember(admins, caller.Member())
	auth.AddMember(admins, member(global))
	if caller.CustomerID != "" && caller.CustomerID != customerID {
		own, err := s.store.GetByID(ctx, caller, store.CollectionUsers, caller.CustomerID)
		if err == nil {
			if ownAdmins, err := s.store.GetByID(ctx, caller, store.CollectionUsers, own.String("admins")); err == nil {
				auth.AddMember(admins, member(ownAdmins))
			}
		} else if !errors.Is(err, contracts.ErrNotFound) {
			return contracts.Upstream("load customer", err)
		}
	}
	if admins, err = auth.SaveRole(ctx, s.store, admins); err != nil {
		return contracts.Upstream("save role", err)
	}

	users, err := auth.EnsureRole(ctx, s.store, name+" users", customer.String("users"))
	if err != nil {
		return contracts.Upstream("ensure role", err)
	}
	users["name"] = name + " users"
	users["customerid"] = customerID
	grant(users, admins.String("_id"), admins.String("name"), contracts.FullControl)
	auth.AddMember(users, member(admins))
	if caller.CustomerID == "" || caller.CustomerID == customerID {
		auth.AddMember(users, caller.Member())
	}
	if users, err = auth.SaveRole(ctx, s.store, users); err != nil {
		return contracts.Upstream("save role", err)
	}

	customer["admins"] = admins.String("_id")
	customer["users"] = users.String("_id")
	grant(customer, users.String("_id"), users.String("name"), contracts.RightRead)
	grant(customer, admins.String("_id"), admins.String("name"), contracts.RightRead)
	return nil
}

func member(doc contracts.Document) contracts.RoleMember {
	return contracts.RoleMember{ID: doc.String("_id"), Name: doc.String("name")}
}

// syncCustomer creates or updates the provider customer, reconciles pending
// usage with the active subscription, the registered tax id and the coupon.
func (s *Service) syncCustomer(ctx context.Context, caller *contracts.Identity, customer contracts.Document, sc map[string]any) (map[string]any, error) {
	stripeID := customer.String("stripeid")
	var err error
	if sc == nil && stripeID != "" {
		if sc, err = s.call(ctx, "GET", "customers", stripeID, nil, ""); err != nil {
			return nil, err
		}
	}
	address := map[string]any{"country": customer.String("country")}
	if sc == nil {
		sc, err = s.call(ctx, "POST", "customers", "", map[string]any{
			"name":        customer.String("name"),
			"email":       customer.String("email"),
			"metadata":    map[string]any{"userid": caller.ID},
			"description": caller.Name,
			"address":     address,
			"tax_exempt":  "none",
		}, "")
		if err != nil {
			return nil, err
		}
		stripeID = contracts.Document(sc).String("id")
		customer["stripeid"] = stripeID
	}
	scd := contracts.Document(sc)
	if scd.String("email") != customer.String("email") || scd.String("name") != customer.String("name") ||
		scd.String("address.country") != customer.String("country") {
		sc, err = s.call(ctx, "POST", "customers", stripeID, map[string]any{
			"email":      customer.String("email"),
			"name":       customer.String("name"),
			"address":    address,
			"tax_exempt": "none",
		}, "")
		if err != nil {
			return nil, err
		}
		scd = contracts.Document(sc)
	}

	pending, err := s.usages(ctx, caller, contracts.Document{"customerid": customer.String("_id")})
	if err != nil {
		return nil, err
	}
	subs := objects(sc, "subscriptions.data")
	if count, _ := scd.Int("subscriptions.total_count"); count > 0 && len(subs) > 0 {
		sub := subs[0]
		customer["subscriptionid"] = sub.String("id")
		items := objects(sub, "items.data")
		for _, u := range pending {
			if u.SIID != "" {
				continue
			}
			matched := false
			for _, item := range items {
				if item.String("price.id") == u.Product.StripePrice || item.String("plan.id") == u.Product.StripePrice {
					u.SIID, u.SubID = item.String("id"), sub.String("id")
					matched = true
					break
				}
			}
			if matched {
				err = s.saveUsage(ctx, &u)
			} else {
				err = s.deleteUsage(ctx, u.ID)
			}
			if err != nil {
				return nil, err
			}
		}
	} else {
		customer["subscriptionid"] = nil
		for _, u := range pending {
			if u.SIID == "" {
				if err := s.deleteUsage(ctx, u.ID); err != nil {
					return nil, err
				}
			}
		}
	}

	taxIDs := objects(sc, "tax_ids.data")
	if vat := customer.String("vatnumber"); vat != "" {
		add := map[string]any{"value": vat, "type": customer.String("vattype")}
		if len(taxIDs) == 0 {
			if _, err := s.call(ctx, "POST", "tax_ids", "", add, stripeID); err != nil {
				return nil, err
			}
		} else if taxIDs[0].String("value") != vat {
			if _, err := s.call(ctx, "DELETE", "tax_ids", taxIDs[0].String("id"), nil, stripeID); err != nil {
				return nil, err
			}
			if _, err := s.call(ctx, "POST", "tax_ids", "", add, stripeID); err != nil {
				return nil, err
			}
		}
	} else if len(taxIDs) > 0 {
		if _, err := s.call(ctx, "DELETE", "tax_ids", taxIDs[0].String("id"), nil, stripeID); err != nil {
			return nil, err
		}
	}

	coupon := customer.String("coupon")
	if current := scd.String("discount.coupon.name"); current != "" {
		if current != coupon {
			if sc, err = s.call(ctx, "POST", "customers", stripeID, map[string]any{"coupon": ""}, ""); err != nil {
				return nil, err
			}
			if coupon != "" {
				return s.applyCoupon(ctx, stripeID, coupon)
			}
		}
	} else if coupon != "" {
		return s.applyCoupon(ctx, stripeID, coupon)
	}
	return sc, nil
}

func (s *Service) applyCoupon(ctx context.Context, stripeID, coupon string) (map[string]any, error) {
	list, err := s.call(ctx, "GET", "coupons", "", nil, "")
	if err != nil {
		return nil, err
	}
	for _, c := range objects(list, "data") {
		if c.String("name") == coupon {
			return s.call(ctx, "POST", "customers", stripeID, map[string]any{"coupon": c.String("id")}, "")
		}
	}
	return nil, contracts.Validation("Unknown coupons '%s'", coupon)
}

// SelectCustomer stores the customer the caller works on behalf of and
// returns the effective selection. Unknown or inaccessible customers clear
// the selection; callers outside resellers and admins fall back to their own
// customer.
func (s *Service) SelectCustomer(ctx context.Context, caller *contracts.Identity, customerID string) (string, error) {
	if customerID != "" {
		if _, err := s.store.GetByID(ctx, caller, store.CollectionUsers, customerID); err != nil {
			if !errors.Is(err, contracts.ErrNotFound) {
				return "", contracts.Upstream("load customer", err)
			}
			customerID = ""
		}
	}
	if contracts.IsBuiltin(caller.ID) {
		return "", contracts.Validation("Builtin entities cannot select a company")
	}
	if customerID == "" && !caller.HasRoleName("resellers") && !caller.HasRoleName(contracts.AdminsName) {
		customerID = caller.CustomerID
	}
	var selected any = customerID
	if customerID == "" {
		selected = nil
	}
	if _, err := s.store.UpdateOne(ctx, contracts.Root(), store.UpdateRequest{
		Collection: store.CollectionUsers,
		Query:      byID(caller.ID),
		Item:       set(map[string]any{"selectedcustomerid": selected}),
		W:          1,
	}); err != nil {
		return "", contracts.Upstream("update user", err)
	}
	return customerID, nil
}
