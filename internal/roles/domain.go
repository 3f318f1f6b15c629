// Package roles administers stored grant tables over HTTP.
package roles

import (
	"encoding/json"
	"fmt"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/rbac"
)

// Role is the stored role as served by this package.
type Role = rbac.Role

// Input is the create/update request body. Permissions use the stored
// {"module":{"action":true}} form.
type Input struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Permissions json.RawMessage `json:"permissions"`
}

func (in Input) toRoleInput() (rbac.RoleInput, error) {
	grants, err := access.DecodeGrants(in.Permissions)
	if err != nil {
		return rbac.RoleInput{}, &ValidationError{Err: err}
	}
	return rbac.RoleInput{Name: in.Name, Description: in.Description, Grants: grants}, nil
}

// CatalogEntry lists the actions assignable on a module.
type CatalogEntry struct {
	Module  access.Module   `json:"module"`
	Actions []access.Action `json:"actions"`
}

// Catalog returns every assignable module/action pair.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(access.Modules()))
	for _, m := range access.Modules() {
		out = append(out, CatalogEntry{Module: m, Actions: access.Actions()})
	}
	return out
}

// ValidationError wraps input validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("roles: invalid input: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
