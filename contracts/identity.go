package contracts

import (
	"encoding/json"
	"strings"
)

// Well-known entity ids.
const (
	RootID                = "59f1f6e6f0a22200126638d8"
	AdminsID              = "5a1702fa245d9013697656fb"
	UsersID               = "5a17f157c4815318c8536c21"
	CustomerAdminsID      = "5a1702fa245d9013697656fc"
	ResellersID           = "5a1702fa245d9013697656fd"
	WorkitemQueueAdminsID = "625440c4231309af5f2052cd"
	RobotsID              = "5ac0850ca538fee1ebdb996c"
	NoderedUsersID        = "5a23f18a2e8987292ddbe061"
	NoderedAdminsID       = "5a17f157c4815318c8536c20"

	WorkitemQueueAdminsName = "workitem queue admins"
	AdminsName              = "admins"
)

var builtinIDs = map[string]bool{
	RootID: true, AdminsID: true, UsersID: true, CustomerAdminsID: true,
	ResellersID: true, WorkitemQueueAdminsID: true, RobotsID: true,
	NoderedUsersID: true, NoderedAdminsID: true,
}

// IsBuiltin reports whether id is one of the well-known entities.
func IsBuiltin(id string) bool { return builtinIDs[id] }

// Right is a bit set of permissions granted by an access control entry.
type Right uint8

const (
	RightCreate Right = 1 << iota
	RightRead
	RightUpdate
	RightDelete
	RightInvoke

	FullControl = RightCreate | RightRead | RightUpdate | RightDelete | RightInvoke
)

// Has reports whether r grants all bits of want.
func (r Right) Has(want Right) bool { return r&want == want }

func (r Right) String() string {
	if r == FullControl {
		return "full_control"
	}
	var parts []string
	for _, p := range []struct {
		bit  Right
		name string
	}{{RightCreate, "create"}, {RightRead, "read"}, {RightUpdate, "update"}, {RightDelete, "delete"}, {RightInvoke, "invoke"}} {
		if r&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, ",")
}

// Ace is one access control entry.
type Ace struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Rights Right  `json:"rights"`
}

// ACL is an ordered access control list.
type ACL []Ace

// Grant adds rights for id, merging with an existing entry.
func (a ACL) Grant(id, name string, rights Right) ACL {
	for i := range a {
		if a[i].ID == id {
			a[i].Rights |= rights
			return a
		}
	}
	return append(a, Ace{ID: id, Name: name, Rights: rights})
}

// Document converts the list to its stored form.
func (a ACL) Document() []any {
	out := make([]any, 0, len(a))
	for _, ace := range a {
		out = append(out, map[string]any{"_id": ace.ID, "name": ace.Name, "rights": float64(ace.Rights)})
	}
	return out
}

// DecodeACL reads an ACL from its stored form. Unknown shapes yield nil.
func DecodeACL(v any) ACL {
	if v == nil {
		return nil
	}
	if acl, ok := v.(ACL); ok {
		return acl
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var acl ACL
	if err := json.Unmarshal(b, &acl); err != nil {
		return nil
	}
	return acl
}

// Resource is the authorization view of a stored entity.
type Resource struct {
	ID   string
	Type string
	Name string
	ACL  ACL
}

// ResourceOf extracts the authorization view of a document.
func ResourceOf(doc Document) Resource {
	return Resource{
		ID:   doc.String("_id"),
		Type: doc.String("_type"),
		Name: doc.String("name"),
		ACL:  DecodeACL(doc["_acl"]),
	}
}

// Grants reports whether any of ids holds want on the resource. The entity
// itself counts as owner.
func (r Resource) Grants(ids []string, want Right) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if r.ID == id {
			return true
		}
		for _, ace := range r.ACL {
			if ace.ID == id && ace.Rights.Has(want) {
				return true
			}
		}
	}
	return false
}

// RoleMember references a role or user by id and name.
type RoleMember struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Identity is the authenticated caller decoded from a token.
type Identity struct {
	ID                 string       `json:"_id"`
	Type               string       `json:"_type,omitempty"`
	Name               string       `json:"name"`
	Username           string       `json:"username"`
	Email              string       `json:"email,omitempty"`
	Roles              []RoleMember `json:"roles"`
	Impostor           string       `json:"impostor,omitempty"`
	CustomerID         string       `json:"customerid,omitempty"`
	SelectedCustomerID string       `json:"selectedcustomerid,omitempty"`
	Validated          bool         `json:"validated,omitempty"`
	DBLocked           bool         `json:"dblocked,omitempty"`
}

// Root returns the identity used for privileged internal lookups.
func Root() *Identity {
	return &Identity{
		ID:        RootID,
		Type:      "user",
		Name:      "root",
		Username:  "root",
		Validated: true,
		Roles:     []RoleMember{{ID: AdminsID, Name: "admins"}},
	}
}

// HasRoleID reports membership of the role with the given id.
func (i *Identity) HasRoleID(id string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r.ID == id {
			return true
		}
	}
	return false
}

// HasRoleName reports membership of the role with the given name.
func (i *Identity) HasRoleName(name string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller is root or a member of admins.
func (i *Identity) IsAdmin() bool {
	if i == nil {
		return false
	}
	return i.ID == RootID || i.HasRoleID(AdminsID)
}

// Member returns the caller as a role member reference.
func (i *Identity) Member() RoleMember {
	return RoleMember{ID: i.ID, Name: i.Name}
}

// IDs returns the caller id followed by every role id.
func (i *Identity) IDs() []string {
	ids := make([]string, 0, len(i.Roles)+1)
	ids = append(ids, i.ID)
	for _, r := range i.Roles {
		ids = append(ids, r.ID)
	}
	return ids
}

// IdentityOf decodes an identity from a stored user document.
func IdentityOf(doc Document) *Identity {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var ident Identity
	if err := json.Unmarshal(b, &ident); err != nil {
		return nil
	}
	return &ident
}
