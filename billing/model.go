package billing

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-gateway/contracts"
)

// Assignment modes for resources and products.
const (
	AssignSingle        = "single"
	AssignSingleVariant = "singlevariant"
	AssignMultiple      = "multiple"
	AssignMetered       = "metered"
)

// Resource targets.
const (
	TargetCustomer = "customer"
	TargetUser     = "user"
)

// DatabaseUsageResource is the resource whose quota controls dblocked.
const DatabaseUsageResource = "Database Usage"

// Product is a purchasable variant of a resource.
type Product struct {
	Name                    string  `json:"name"`
	StripePrice             string  `json:"stripeprice"`
	CustomerAssign          string  `json:"customerassign,omitempty"`
	UserAssign              string  `json:"userassign,omitempty"`
	AddedResourceID         string  `json:"added_resourceid,omitempty"`
	AddedStripePrice        string  `json:"added_stripeprice,omitempty"`
	AddedQuantityMultiplier float64 `json:"added_quantity_multiplier,omitempty"`

	Metadata contracts.Document `json:"metadata,omitempty"`
}

// Resource is a sellable resource stored in the config collection.
type Resource struct {
	ID             string    `json:"_id"`
	Name           string    `json:"name"`
	Target         string    `json:"target"`
	CustomerAssign string    `json:"customerassign,omitempty"`
	UserAssign     string    `json:"userassign,omitempty"`
	Products       []Product `json:"products"`

	DefaultMetadata contracts.Document `json:"defaultmetadata,omitempty"`
}

// Product returns the variant with the given price.
func (r Resource) Product(price string) (Product, bool) {
	var found []Product
	for _, p := range r.Products {
		if p.StripePrice == price {
			found = append(found, p)
		}
	}
	if len(found) != 1 {
		return Product{}, false
	}
	return found[0], true
}

// DecodeResource decodes a resource document.
func DecodeResource(doc contracts.Document) (Resource, error) {
	return decode[Resource](doc)
}

// DecodeUsage decodes a resource usage document including its ACL.
func DecodeUsage(doc contracts.Document) (Usage, error) {
	return decodeUsage(doc)
}

func (r Resource) metered(p Product, forUser bool) bool {
	if forUser {
		return p.UserAssign == AssignMetered
	}
	return p.CustomerAssign == AssignMetered
}

// Usage records what a customer or user bought.
type Usage struct {
	ID         string        `json:"_id,omitempty"`
	Type       string        `json:"_type"`
	Name       string        `json:"name"`
	CustomerID string        `json:"customerid"`
	UserID     string        `json:"userid,omitempty"`
	ResourceID string        `json:"resourceid"`
	Resource   string        `json:"resource"`
	Product    Product       `json:"product"`
	Quantity   int           `json:"quantity"`
	SIID       string        `json:"siid,omitempty"`
	SubID      string        `json:"subid,omitempty"`
	ACL        contracts.ACL `json:"-"`
}

func (u Usage) document() (contracts.Document, error) {
	u.Type = "resourceusage"
	doc, err := contracts.ToDocument(u)
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		delete(doc, "_id")
	}
	if len(u.ACL) > 0 {
		doc["_acl"] = u.ACL.Document()
	}
	return doc, nil
}

func decode[T any](doc contracts.Document) (T, error) {
	var out T
	b, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("failed to decode %T: %w", out, err)
	}
	return out, nil
}

func decodeUsage(doc contracts.Document) (Usage, error) {
	u, err := decode[Usage](doc)
	if err != nil {
		return u, err
	}
	u.ACL = contracts.DecodeACL(doc["_acl"])
	return u, nil
}
