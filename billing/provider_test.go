package billing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/glimte/mmate-gateway/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name     string
		object   string
		id       string
		customer string
		payload  map[string]any
		path     string
		query    url.Values
		wantErr  bool
	}{
		{name: "plain object", object: "customers", id: "cus_1", path: "customers/cus_1"},
		{name: "tax ids nest under customer", object: "tax_ids", id: "txi_1", customer: "cus_1", path: "customers/cus_1/tax_ids/txi_1"},
		{name: "tax ids need customer", object: "tax_ids", wantErr: true},
		{name: "checkout sessions", object: "checkout.sessions", path: "checkout/sessions"},
		{name: "usage records", object: "usage_records", id: "si_1", path: "subscription_items/si_1/usage_records"},
		{
			name: "upcoming invoice with items", object: "invoices_upcoming", customer: "cus_1",
			payload: map[string]any{
				"subscription": "sub_1",
				"subscription_items": []any{
					map[string]any{"price": "price_1", "quantity": float64(2), "tax_rates": []any{"txr_1"}},
				},
			},
			path: "invoices/upcoming",
			query: url.Values{
				"customer":                            {"cus_1"},
				"subscription":                        {"sub_1"},
				"subscription_items[0][price]":        {"price_1"},
				"subscription_items[0][quantity]":     {"2"},
				"subscription_items[0][tax_rates][0]": {"txr_1"},
			},
		},
		{
			name: "upcoming lines page", object: "invoices_upcoming_lines", id: "sub_1", customer: "cus_1",
			payload: map[string]any{"starting_after": "il_9", "limit": 100},
			path:    "invoices/upcoming/lines",
			query:   url.Values{"customer": {"cus_1"}, "subscription": {"sub_1"}, "starting_after": {"il_9"}, "limit": {"100"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, query, err := ResolvePath(tt.object, tt.id, tt.customer, tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)
			if tt.query == nil {
				tt.query = url.Values{}
			}
			assert.Equal(t, tt.query, query)
		})
	}
}

func TestFlatten(t *testing.T) {
	values := Flatten(map[string]any{
		"name":     "Acme",
		"address":  map[string]any{"country": "DK"},
		"metadata": map[string]any{"userid": "u1"},
		"line_items": []any{
			map[string]any{"price": "price_1", "quantity": 3, "tax_rates": []any{}},
		},
		"skip":   nil,
		"coupon": "",
		"active": true,
	})
	assert.Equal(t, "Acme", values.Get("name"))
	assert.Equal(t, "DK", values.Get("address[country]"))
	assert.Equal(t, "u1", values.Get("metadata[userid]"))
	assert.Equal(t, "price_1", values.Get("line_items[0][price]"))
	assert.Equal(t, "3", values.Get("line_items[0][quantity]"))
	assert.Equal(t, "true", values.Get("active"))
	assert.True(t, values.Has("coupon"))
	assert.False(t, values.Has("skip"))
}

func TestRESTProvider(t *testing.T) {
	t.Run("posts form encoded payload with basic auth", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "sk_test", user)
			assert.Equal(t, "/v1/customers/cus_1/tax_ids", r.URL.Path)
			assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			form, _ := url.ParseQuery(string(body))
			assert.Equal(t, "DK123", form.Get("value"))
			w.Write([]byte(`{"id":"txi_1"}`))
		}))
		defer srv.Close()

		p := NewRESTProvider(upstream.NewClient("billing", srv.URL+"/v1", upstream.WithBasicAuth("sk_test", "")))
		res, err := p.Call(context.Background(), "post", "tax_ids", "", map[string]any{"value": "DK123", "type": "eu_vat"}, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, "txi_1", res["id"])
	})

	t.Run("deleted objects yield nil", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			w.Write([]byte(`{"id":"sub_1","deleted":true}`))
		}))
		defer srv.Close()

		p := NewRESTProvider(upstream.NewClient("billing", srv.URL))
		res, err := p.Call(context.Background(), "DELETE", "subscriptions", "sub_1", nil, "")
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("provider errors carry the provider message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"error":{"message":"Your card was declined."}}`))
		}))
		defer srv.Close()

		p := NewRESTProvider(upstream.NewClient("billing", srv.URL))
		_, err := p.Call(context.Background(), "GET", "customers", "cus_1", nil, "")
		require.Error(t, err)
		assert.Equal(t, "Your card was declined.", err.Error())
	})
}
