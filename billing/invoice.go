package billing

import (
	"context"
	"strings"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/store"
)

// InvoiceRequest previews the next invoice, optionally with changed
// subscription items.
type InvoiceRequest struct {
	CustomerID        string
	SubscriptionID    string
	SubscriptionItems []map[string]any
	ProrationDate     int64
}

// NextInvoice returns the provider's upcoming invoice for the customer. A
// customer without billing information yields nil when no provider is
// configured.
func (s *Service) NextInvoice(ctx context.Context, caller *contracts.Identity, req InvoiceRequest) (map[string]any, error) {
	customer, err := s.lookup(ctx, caller, store.CollectionUsers, req.CustomerID, "Unknown customer or Access Denied")
	if err != nil {
		return nil, err
	}
	stripeID := customer.String("stripeid")
	if stripeID == "" && s.provider == nil {
		return nil, nil
	}
	if stripeID == "" {
		return nil, contracts.Validation("Customer has no billing information, please update with vattype and vatnumber")
	}
	if err := authorize(caller, customer, "getting invoice"); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	subscriptionID := customer.String("subscriptionid")
	if subscriptionID != "" {
		payload["subscription"] = subscriptionID
	}
	if req.SubscriptionID != "" {
		payload["subscription"] = req.SubscriptionID
	}

	if len(req.SubscriptionItems) > 0 {
		if subscriptionID != "" {
			date := s.now().Unix()
			if req.ProrationDate > 0 {
				date = req.ProrationDate
			}
			payload["subscription_proration_date"] = date
			payload["subscription"] = subscriptionID
		}
		var items, invoiceItems []any
		for _, item := range req.SubscriptionItems {
			line := make(map[string]any, len(item))
			for k, v := range item {
				line[k] = v
			}
			price, _ := line["price"].(string)
			if strings.HasPrefix(price, "price_") {
				p, err := s.call(ctx, "GET", "prices", price, nil, stripeID)
				if err != nil {
					return nil, err
				}
				pd := contracts.Document(p)
				if pd.Object("recurring") == nil {
					invoiceItems = append(invoiceItems, line)
					continue
				}
				if pd.String("recurring.usage_type") == AssignMetered {
					delete(line, "quantity")
				}
			}
			if q, ok := contracts.ToFloat(line["quantity"]); ok && q < 1 {
				line["quantity"] = 1
			}
			items = append(items, line)
		}

		country := strings.ToUpper(customer.String("country"))
		if customer.String("vattype") == "" || country == "DK" {
			rates, err := s.taxRates(ctx, contracts.Document{"country": country})
			if err != nil {
				return nil, err
			}
			if len(rates) > 0 {
				for _, item := range items {
					item.(map[string]any)["tax_rates"] = rates
				}
			}
		}
		payload["subscription_items"] = items
		if len(invoiceItems) > 0 {
			payload["invoice_items"] = invoiceItems
		}
	}

	invoice, err := s.call(ctx, "GET", "invoices_upcoming", "", payload, stripeID)
	if err != nil {
		return nil, err
	}
	return s.remainingLines(ctx, invoice, payload, subscriptionID, stripeID)
}

// remainingLines pages through invoice lines the provider did not include.
func (s *Service) remainingLines(ctx context.Context, invoice, payload map[string]any, subscriptionID, stripeID string) (map[string]any, error) {
	lines, _ := invoice["lines"].(map[string]any)
	if lines == nil {
		return invoice, nil
	}
	data, _ := lines["data"].([]any)
	more, _ := lines["has_more"].(bool)
	for more && len(data) > 0 {
		last, _ := data[len(data)-1].(map[string]any)
		page := map[string]any{"limit": 100, "starting_after": last["id"]}
		if sub, ok := payload["subscription"]; ok {
			page["subscription"] = sub
		}
		next, err := s.call(ctx, "GET", "invoices_upcoming_lines", subscriptionID, page, stripeID)
		if err != nil {
			return nil, err
		}
		items, _ := next["data"].([]any)
		data = append(data, items...)
		more, _ = next["has_more"].(bool)
		if len(items) == 0 {
			break
		}
	}
	lines["data"] = data
	lines["has_more"] = false
	return invoice, nil
}

// MessageRequest is a raw provider call.
type MessageRequest struct {
	Method     string
	Object     string
	ID         string
	CustomerID string
	URL        string
	Payload    map[string]any
}

// nonAdminObjects lists the provider objects and methods open to callers
// outside admins.
var nonAdminObjects = map[string]string{
	"plans":                   "GET",
	"subscription_items":      "POST",
	"invoices_upcoming":       "GET",
	"billing_portal/sessions": "",
}

// Message forwards a raw call to the provider. Callers outside admins are
// limited to a few objects and methods.
func (s *Service) Message(ctx context.Context, caller *contracts.Identity, req MessageRequest) (map[string]any, error) {
	if req.Object == "" {
		return nil, contracts.Mandatory("object")
	}
	if !caller.HasRoleName(contracts.AdminsName) {
		if req.URL != "" {
			return nil, contracts.AccessDenied("Custom url not allowed")
		}
		method, allowed := nonAdminObjects[req.Object]
		if !allowed || (method != "" && !strings.EqualFold(req.Method, method)) {
			return nil, contracts.AccessDenied("Access to %s is not allowed", req.Object)
		}
		if req.Object == "billing_portal/sessions" {
			if err := s.authorizePortal(ctx, caller); err != nil {
				return nil, err
			}
		}
	}
	if s.provider == nil {
		return nil, contracts.Upstream("billing "+req.Object, ErrNotConfigured)
	}
	return s.call(ctx, strings.ToUpper(req.Method), req.Object, req.ID, req.Payload, req.CustomerID)
}

func (s *Service) authorizePortal(ctx context.Context, caller *contracts.Identity) error {
	var customer contracts.Document
	for _, id := range []string{caller.SelectedCustomerID, caller.CustomerID} {
		if id == "" {
			continue
		}
		if doc, err := s.store.GetByID(ctx, caller, store.CollectionUsers, id); err == nil {
			customer = doc
			break
		}
	}
	if customer == nil {
		return contracts.AccessDenied("Access denied, or customer not found")
	}
	return authorize(caller, customer, "opening billing portal")
}
