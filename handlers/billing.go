package handlers

import (
	"context"

	"github.com/glimte/mmate-gateway/billing"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

type EnsureCustomerMessage struct {
	contracts.ReplyError
	Customer       contracts.Document `json:"customer"`
	StripeCustomer map[string]any     `json:"stripecustomer,omitempty"`
}

type SelectCustomerMessage struct {
	contracts.ReplyError
	CustomerID string `json:"customerid,omitempty"`
}

type AddPlanMessage struct {
	contracts.ReplyError
	CustomerID  string         `json:"customerid"`
	UserID      string         `json:"userid,omitempty"`
	ResourceID  string         `json:"resourceid"`
	StripePrice string         `json:"stripeprice"`
	Quantity    int            `json:"quantity,omitempty"`
	Checkout    map[string]any `json:"checkout,omitempty"`
}

type CancelPlanMessage struct {
	contracts.ReplyError
	ResourceUsageID string `json:"resourceusageid"`
	Quantity        int    `json:"quantity,omitempty"`
}

type NextInvoiceMessage struct {
	contracts.ReplyError
	CustomerID        string           `json:"customerid"`
	SubscriptionID    string           `json:"subscriptionid,omitempty"`
	SubscriptionItems []map[string]any `json:"subscription_items,omitempty"`
	ProrationDate     int64            `json:"proration_date,omitempty"`
	Invoice           map[string]any   `json:"invoice,omitempty"`
}

type StripeMessage struct {
	contracts.ReplyError
	Method     string         `json:"method,omitempty"`
	Object     string         `json:"object"`
	ID         string         `json:"id,omitempty"`
	CustomerID string         `json:"customerid,omitempty"`
	URL        string         `json:"url,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (h *Handlers) EnsureCustomer(ctx context.Context, call *messaging.Call, msg *EnsureCustomerMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.Customer == nil {
		return contracts.Mandatory("customer")
	}
	res, err := h.billing.EnsureCustomer(ctx, identity, billing.EnsureCustomerRequest{
		Customer:       msg.Customer,
		StripeCustomer: msg.StripeCustomer,
	})
	if err != nil {
		return err
	}
	msg.Customer = res.Customer
	msg.StripeCustomer = res.StripeCustomer
	return nil
}

func (h *Handlers) SelectCustomer(ctx context.Context, call *messaging.Call, msg *SelectCustomerMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.CustomerID, err = h.billing.SelectCustomer(ctx, identity, msg.CustomerID)
	return err
}

func (h *Handlers) AddPlan(ctx context.Context, call *messaging.Call, msg *AddPlanMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Checkout, err = h.billing.AddPlan(ctx, identity, billing.AddPlanRequest{
		CustomerID:  msg.CustomerID,
		UserID:      msg.UserID,
		ResourceID:  msg.ResourceID,
		StripePrice: msg.StripePrice,
		Quantity:    msg.Quantity,
	})
	return err
}

func (h *Handlers) CancelPlan(ctx context.Context, call *messaging.Call, msg *CancelPlanMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if msg.ResourceUsageID == "" {
		return contracts.Mandatory("resourceusageid")
	}
	return h.billing.CancelPlan(ctx, identity, msg.ResourceUsageID, msg.Quantity)
}

func (h *Handlers) NextInvoice(ctx context.Context, call *messaging.Call, msg *NextInvoiceMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Invoice, err = h.billing.NextInvoice(ctx, identity, billing.InvoiceRequest{
		CustomerID:        msg.CustomerID,
		SubscriptionID:    msg.SubscriptionID,
		SubscriptionItems: msg.SubscriptionItems,
		ProrationDate:     msg.ProrationDate,
	})
	return err
}

func (h *Handlers) StripeMessage(ctx context.Context, call *messaging.Call, msg *StripeMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	msg.Payload, err = h.billing.Message(ctx, identity, billing.MessageRequest{
		Method:     msg.Method,
		Object:     msg.Object,
		ID:         msg.ID,
		CustomerID: msg.CustomerID,
		URL:        msg.URL,
		Payload:    msg.Payload,
	})
	return err
}
