// Package billing implements customer, plan and invoice management against a
// payment provider reached over a generic REST adapter.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/glimte/mmate-gateway/internal/upstream"
)

// ErrNotConfigured is returned when no provider is configured.
var ErrNotConfigured = errors.New("billing: provider is not configured")

// Provider performs one call against the payment provider. A nil result with
// a nil error means the object was deleted.
type Provider interface {
	Call(ctx context.Context, method, object, id string, payload map[string]any, customerID string) (map[string]any, error)
}

// RESTProvider talks to a Stripe compatible form-encoded REST API.
type RESTProvider struct {
	client *upstream.Client
}

// NewRESTProvider creates a provider on top of an upstream client. The client
// carries the base URL and credentials.
func NewRESTProvider(client *upstream.Client) *RESTProvider {
	return &RESTProvider{client: client}
}

// Call implements Provider.
func (p *RESTProvider) Call(ctx context.Context, method, object, id string, payload map[string]any, customerID string) (map[string]any, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	path, query, err := ResolvePath(object, id, customerID, payload)
	if err != nil {
		return nil, err
	}
	req := upstream.Request{Method: method, Path: path, Query: query}
	if payload != nil && method != http.MethodGet && method != http.MethodDelete {
		req.Body = []byte(Flatten(payload).Encode())
		req.ContentType = "application/x-www-form-urlencoded"
	}
	body, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to decode billing response: %w", err)
		}
	}
	if deleted, _ := out["deleted"].(bool); deleted {
		return nil, nil
	}
	return out, nil
}

// ResolvePath maps a provider object name to its resource path and query.
func ResolvePath(object, id, customerID string, payload map[string]any) (string, url.Values, error) {
	query := url.Values{}
	path := object
	if id != "" {
		path += "/" + id
	}

	switch object {
	case "tax_ids", "sources":
		if customerID == "" {
			return "", nil, fmt.Errorf("need customer to work with %s", object)
		}
		path = "customers/" + customerID + "/" + object
		if id != "" {
			path += "/" + id
		}
	case "checkout.sessions":
		path = "checkout/sessions"
		if id != "" {
			path += "/" + id
		}
	case "usage_records", "usage_record_summaries":
		if id == "" {
			return "", nil, fmt.Errorf("need subscription item to work with %s", object)
		}
		path = "subscription_items/" + id + "/" + object
	case "invoices_upcoming":
		if customerID == "" {
			return "", nil, errors.New("need customer to work with invoices_upcoming")
		}
		path = "invoices/upcoming"
		query.Set("customer", customerID)
		for _, key := range []string{"subscription_items", "invoice_items"} {
			items, _ := payload[key].([]any)
			for i, raw := range items {
				item, _ := raw.(map[string]any)
				for _, field := range []string{"id", "price", "quantity"} {
					if v, ok := item[field]; ok && v != nil && v != "" {
						query.Set(fmt.Sprintf("%s[%d][%s]", key, i, field), scalar(v))
					}
				}
				rates, _ := item["tax_rates"].([]any)
				for j, rate := range rates {
					query.Set(fmt.Sprintf("%s[%d][tax_rates][%d]", key, i, j), scalar(rate))
				}
			}
		}
		if v, ok := payload["subscription_proration_date"]; ok {
			query.Set("subscription_proration_date", scalar(v))
		}
		if v, ok := payload["subscription"].(string); ok && v != "" {
			query.Set("subscription", v)
		}
	case "invoices_upcoming_lines":
		path = "invoices/upcoming/lines"
		query.Set("customer", customerID)
		if v, ok := payload["subscription"].(string); ok && v != "" {
			query.Set("subscription", v)
		} else if id != "" {
			query.Set("subscription", id)
		}
	}

	if v, ok := payload["starting_after"].(string); ok && v != "" {
		query.Set("starting_after", v)
	}
	if v, ok := payload["limit"]; ok && v != nil {
		query.Set("limit", scalar(v))
	}
	return path, query, nil
}

// Flatten encodes a nested payload as form values using bracket notation,
// e.g. {"address":{"country":"DK"}} becomes address[country]=DK.
func Flatten(payload map[string]any) url.Values {
	values := url.Values{}
	flatten(values, "", payload)
	return values
}

func flatten(values url.Values, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "[" + k + "]"
			}
			flatten(values, key, t[k])
		}
	case []any:
		for i, item := range t {
			flatten(values, fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	case []string:
		for i, item := range t {
			values.Set(fmt.Sprintf("%s[%d]", prefix, i), item)
		}
	case nil:
	default:
		values.Set(prefix, scalar(t))
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(v)
}
