package billing

import (
	"context"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

// AddPlanRequest buys quantity of a resource product for a customer, or for
// one of its users when the resource targets users.
type AddPlanRequest struct {
	CustomerID  string
	UserID      string
	ResourceID  string
	StripePrice string
	Quantity    int
}

// AddPlan records the purchase and returns the provider checkout session
// when the buyer must complete a checkout.
func (s *Service) AddPlan(ctx context.Context, caller *contracts.Identity, req AddPlanRequest) (map[string]any, error) {
	if req.UserID == "" {
		req.UserID = caller.ID
	}
	return s.addPlan(ctx, caller, req, false)
}

func (s *Service) addPlan(ctx context.Context, caller *contracts.Identity, req AddPlanRequest, skipSession bool) (map[string]any, error) {
	customer, err := s.lookup(ctx, caller, store.CollectionUsers, req.CustomerID, "Unknown customer or Access Denied")
	if err != nil {
		return nil, err
	}
	customer["vattype"] = strings.ToLower(customer.String("vattype"))
	customer["vatnumber"] = strings.ToUpper(customer.String("vatnumber"))
	customer["country"] = strings.ToUpper(customer.String("country"))
	if s.settings.ForceVAT && (customer.String("vattype") == "" || customer.String("vatnumber") == "") {
		return nil, contracts.Validation("Only business can buy, please fill out vattype and vatnumber")
	}
	if err := authorize(caller, customer, "adding plan"); err != nil {
		return nil, err
	}
	if err := s.checkVAT(customer); err != nil {
		return nil, err
	}

	resourceDoc, err := s.lookup(ctx, caller, store.CollectionConfig, req.ResourceID, "Unknown resource or Access Denied")
	if err != nil {
		return nil, err
	}
	resource, err := decode[Resource](resourceDoc)
	if err != nil {
		return nil, err
	}
	product, ok := resource.Product(req.StripePrice)
	if !ok {
		return nil, contracts.Validation("Unknown resource product")
	}
	forUser := resource.Target == TargetUser
	var user contracts.Document
	if forUser {
		if req.UserID == "" {
			return nil, contracts.Validation("Missing userid for user targeted resource")
		}
		if user, err = s.lookup(ctx, caller, store.CollectionUsers, req.UserID, "Unknown user or Access Denied"); err != nil {
			return nil, err
		}
	}
	userID := user.String("_id")

	total, err := s.usages(ctx, caller, contracts.Document{"customerid": req.CustomerID})
	if err != nil {
		return nil, err
	}
	if err := checkAssignLimits(resource, product, total, forUser, userID); err != nil {
		return nil, err
	}

	usage := Usage{Product: product, ResourceID: resource.ID, Resource: resource.Name}
	for _, u := range total {
		if u.Product.StripePrice == req.StripePrice && (!forUser || u.UserID == userID) {
			usage = u
			break
		}
	}
	if len(total) > 0 && total[0].SubID != "" {
		usage.SubID = total[0].SubID
	}
	if !s.settings.ForceCheckout {
		for _, u := range total {
			if u.Product.StripePrice == req.StripePrice {
				usage.SIID, usage.SubID = u.SIID, u.SubID
				break
			}
		}
	}
	if usage.SIID == "" && s.provider != nil && customer.String("stripeid") != "" {
		if err := s.locateSubscriptionItem(ctx, customer, req.StripePrice, &usage); err != nil {
			return nil, err
		}
	}

	target := req.Quantity
	for _, u := range total {
		if u.Product.StripePrice == req.StripePrice && u.SIID != "" {
			target += u.Quantity
		}
	}
	if usage.SubID == "" {
		usage.Quantity = req.Quantity
	} else {
		usage.Quantity += req.Quantity
	}
	usage.CustomerID = customer.String("_id")
	if forUser {
		usage.UserID = userID
		usage.Name = usage.Resource + " / " + product.Name + " for " + user.String("name")
	} else {
		usage.Name = usage.Resource + " / " + product.Name + " for " + customer.String("name")
	}
	metered := resource.metered(product, forUser)
	subscriptionID := customer.String("subscriptionid")

	var checkout map[string]any
	switch {
	case usage.ID == "" || usage.SubID == "" || s.settings.ForceCheckout:
		taxRates, err := s.taxRates(ctx, customer)
		if err != nil {
			return nil, err
		}
		usage.ACL = usage.ACL.Grant(customer.String("admins"), customer.String("name")+" admin", contracts.RightRead)
		if subscriptionID == "" || s.settings.ForceCheckout {
			if s.provider == nil {
				usage.SIID, usage.SubID = store.NewID(), store.NewID()
			}
			if err := s.saveUsage(ctx, &usage); err != nil {
				return nil, err
			}
			if err := s.addBundled(ctx, caller, req, product, usage.Quantity); err != nil {
				return nil, err
			}
			if !skipSession && s.provider != nil {
				if checkout, err = s.checkout(ctx, caller, customer, resource, product, usage, target, taxRates); err != nil {
					return nil, err
				}
			}
		} else {
			line := map[string]any{"price": product.StripePrice, "tax_rates": taxRates}
			if !metered {
				line["quantity"] = target
			}
			if usage.SIID == "" {
				line["subscription"] = subscriptionID
			}
			if s.provider != nil {
				item, err := s.call(ctx, "POST", "subscription_items", usage.SIID, line, customer.String("stripeid"))
				if err != nil {
					return nil, err
				}
				usage.SIID = contracts.Document(item).String("id")
			} else if usage.SIID == "" {
				usage.SIID = store.NewID()
			}
			usage.SubID = subscriptionID
			if err := s.saveUsage(ctx, &usage); err != nil {
				return nil, err
			}
			if err := s.addBundled(ctx, caller, req, product, usage.Quantity); err != nil {
				return nil, err
			}
		}
	default:
		if !metered && s.provider != nil {
			if _, err := s.call(ctx, "POST", "subscription_items", usage.SIID, map[string]any{"quantity": target}, customer.String("stripeid")); err != nil {
				return nil, err
			}
		}
		if err := s.saveUsage(ctx, &usage); err != nil {
			return nil, err
		}
		if err := s.addBundled(ctx, caller, req, product, usage.Quantity); err != nil {
			return nil, err
		}
	}

	if resource.Name == DatabaseUsageResource {
		if _, err := s.store.UpdateMany(ctx, contracts.Root(), store.UpdateRequest{
			Collection: store.CollectionUsers,
			Query:      contracts.Document{"_type": "user", "customerid": usage.CustomerID},
			Item:       set(map[string]any{"dblocked": false}),
		}); err != nil {
			return nil, contracts.Upstream("unlock users", err)
		}
	}
	s.logger.Info("plan added", "customer", usage.CustomerID, "resource", resource.Name, "product", product.Name, "quantity", usage.Quantity)
	return checkout, nil
}

func checkAssignLimits(resource Resource, product Product, total []Usage, forUser bool, userID string) error {
	owner := "customer"
	if forUser {
		owner = "user"
	}
	mine := func(u Usage) bool {
		if forUser {
			return u.UserID == userID
		}
		return u.UserID == ""
	}
	assign := resource.CustomerAssign
	if forUser {
		assign = resource.UserAssign
	}
	if assign == AssignSingleVariant {
		for _, u := range total {
			if u.ResourceID == resource.ID && u.Product.StripePrice != product.StripePrice && u.SIID != "" && mine(u) {
				if u.Quantity > 0 {
					return contracts.Validation("Cannot assign, %s already have %s", owner, u.Product.Name)
				}
				break
			}
		}
	}
	assign = product.CustomerAssign
	if forUser {
		assign = product.UserAssign
	}
	if assign == AssignSingle {
		var same []Usage
		for _, u := range total {
			if u.Product.StripePrice == product.StripePrice && u.SIID != "" && mine(u) {
				same = append(same, u)
			}
		}
		switch {
		case len(same) == 1 && same[0].Quantity > 0:
			return contracts.Validation("Cannot assign, %s already have 1 %s", owner, product.Name)
		case len(same) > 1:
			return contracts.Validation("Cannot assign (error multiple found), %s already have 1 %s", owner, product.Name)
		}
	}
	return nil
}

// locateSubscriptionItem picks up a subscription item bought outside the
// gateway, or left behind after the local usage was deleted.
func (s *Service) locateSubscriptionItem(ctx context.Context, customer contracts.Document, price string, usage *Usage) error {
	sc, err := s.call(ctx, "GET", "customers", customer.String("stripeid"), nil, "")
	if err != nil {
		return err
	}
	if sc == nil {
		return contracts.NotFound("Failed locating stripe customer %s", customer.String("stripeid"))
	}
	for _, sub := range objects(sc, "subscriptions.data") {
		if sub.String("id") != customer.String("subscriptionid") {
			continue
		}
		for _, item := range objects(sub, "items.data") {
			if item.String("plan.id") == price || item.String("price.id") == price {
				usage.SIID, usage.SubID = item.String("id"), sub.String("id")
			}
		}
	}
	return nil
}

// addBundled buys the product that comes bundled with product.
func (s *Service) addBundled(ctx context.Context, caller *contracts.Identity, req AddPlanRequest, product Product, quantity int) error {
	if product.AddedResourceID == "" || product.AddedStripePrice == "" {
		return nil
	}
	_, err := s.addPlan(ctx, caller, AddPlanRequest{
		CustomerID:  req.CustomerID,
		UserID:      req.UserID,
		ResourceID:  product.AddedResourceID,
		StripePrice: product.AddedStripePrice,
		Quantity:    scaled(product.AddedQuantityMultiplier, quantity),
	}, true)
	return err
}

func (s *Service) checkout(ctx context.Context, caller *contracts.Identity, customer contracts.Document, resource Resource, product Product, usage Usage, target int, taxRates []any) (map[string]any, error) {
	forUser := resource.Target == TargetUser
	returnURL := strings.TrimRight(s.settings.BaseURL, "/") + "/#/Customer/" + customer.String("_id") + "/refresh"
	line := map[string]any{"price": product.StripePrice, "tax_rates": taxRates}
	if !resource.metered(product, forUser) {
		line["quantity"] = target
	}
	lines := []any{line}
	if product.AddedResourceID != "" && product.AddedStripePrice != "" {
		addedDoc, err := s.lookup(ctx, caller, store.CollectionConfig, product.AddedResourceID, "Unknown resource or Access Denied")
		if err != nil {
			return nil, err
		}
		added, err := decode[Resource](addedDoc)
		if err != nil {
			return nil, err
		}
		if addedProduct, ok := added.Product(product.AddedStripePrice); ok {
			addedLine := map[string]any{"price": addedProduct.StripePrice, "tax_rates": taxRates}
			if !resource.metered(addedProduct, forUser) {
				addedLine["quantity"] = scaled(product.AddedQuantityMultiplier, target)
			}
			lines = append(lines, addedLine)
		}
	}
	return s.call(ctx, "POST", "checkout.sessions", "", map[string]any{
		"client_reference_id":  usage.ID,
		"success_url":          returnURL,
		"cancel_url":           returnURL,
		"payment_method_types": []any{"card"},
		"mode":                 "subscription",
		"customer":             customer.String("stripeid"),
		"line_items":           lines,
	}, "")
}

// CancelPlan removes quantity from a usage record, cancelling bundled
// products first. The subscription is deleted with its last item.
func (s *Service) CancelPlan(ctx context.Context, caller *contracts.Identity, usageID string, quantity int) error {
	usageDoc, err := s.lookup(ctx, caller, store.CollectionConfig, usageID, "Unknown usage or Access Denied")
	if err != nil {
		return err
	}
	usage, err := decodeUsage(usageDoc)
	if err != nil {
		return err
	}
	customer, err := s.lookup(ctx, caller, store.CollectionUsers, usage.CustomerID, "Unknown usage or Access Denied (customer)")
	if err != nil {
		return err
	}
	forUser := usage.UserID != ""
	if forUser {
		if _, err := s.lookup(ctx, caller, store.CollectionUsers, usage.UserID, "Unknown usage or Access Denied (user)"); err != nil {
			return err
		}
	}
	if err := authorize(caller, customer, "removing plan"); err != nil {
		return err
	}

	if usage.Product.AddedResourceID != "" && usage.Product.AddedStripePrice != "" {
		query := contracts.Document{"product.stripeprice": usage.Product.AddedStripePrice}
		owner := "customerid " + usage.CustomerID
		if forUser {
			query["userid"] = usage.UserID
			owner = "userid " + usage.UserID
		} else {
			query["customerid"] = usage.CustomerID
		}
		bundled, err := s.usages(ctx, caller, query)
		if err != nil {
			return err
		}
		switch {
		case len(bundled) == 1:
			if err := s.CancelPlan(ctx, caller, bundled[0].ID, scaled(usage.Product.AddedQuantityMultiplier, bundled[0].Quantity)); err != nil {
				return err
			}
		case len(bundled) > 1:
			return contracts.Validation("Error found more than one resourceusage for %s and stripeprice %s", owner, usage.Product.AddedStripePrice)
		}
	}

	if quantity < 1 {
		quantity = 1
	}
	siblings, err := s.usages(ctx, caller, contracts.Document{"customerid": usage.CustomerID, "siid": usage.SIID})
	if err != nil {
		return err
	}
	remaining := -quantity
	for _, u := range siblings {
		remaining += u.Quantity
	}

	if s.provider != nil && usage.SIID != "" {
		stripeID := customer.String("stripeid")
		metered := (forUser && usage.Product.UserAssign == AssignMetered) || (!forUser && usage.Product.CustomerAssign == AssignMetered)
		switch {
		case metered:
			if _, err := s.call(ctx, "POST", "subscription_items", usage.SIID, map[string]any{}, stripeID); err != nil {
				return err
			}
		case remaining <= 0:
			sub, err := s.call(ctx, "GET", "subscriptions", usage.SubID, nil, stripeID)
			if err != nil {
				return err
			}
			if count, _ := contracts.Document(sub).Int("items.total_count"); count < 2 {
				if _, err := s.call(ctx, "DELETE", "subscriptions", usage.SubID, nil, stripeID); err != nil {
					return err
				}
				if customer.String("subscriptionid") == usage.SubID {
					if _, err := s.store.UpdateMany(ctx, contracts.Root(), store.UpdateRequest{
						Collection: store.CollectionUsers,
						Query:      byID(customer.String("_id")),
						Item:       set(map[string]any{"subscriptionid": nil}),
					}); err != nil {
						return contracts.Upstream("update customer", err)
					}
				}
			} else if _, err := s.call(ctx, "DELETE", "subscription_items", usage.SIID, nil, stripeID); err != nil {
				return err
			}
		default:
			if _, err := s.call(ctx, "POST", "subscription_items", usage.SIID, map[string]any{"quantity": remaining}, stripeID); err != nil {
				return err
			}
		}
	}

	usage.Quantity -= quantity
	if usage.Quantity > 0 {
		return s.saveUsage(ctx, &usage)
	}
	s.logger.Info("plan cancelled", "customer", usage.CustomerID, "usage", usage.ID)
	return s.deleteUsage(ctx, usage.ID)
}
