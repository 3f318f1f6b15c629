package access

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Grants maps module -> action -> granted. Absent entries are denied.
type Grants map[Module]map[Action]bool

// FullGrants returns a table granting every known permission. Roles such as
// admin are provisioned with it explicitly.
func FullGrants() Grants {
	g := make(Grants, len(Modules()))
	for _, m := range Modules() {
		for _, a := range Actions() {
			g.Set(Perm(m, a), true)
		}
	}
	return g
}

// GrantsOf returns a table granting exactly the provided permissions.
func GrantsOf(perms ...Permission) Grants {
	g := make(Grants)
	for _, p := range perms {
		g.Set(p, true)
	}
	return g
}

// Allows reports whether p is explicitly granted.
func (g Grants) Allows(p Permission) bool {
	if g == nil {
		return false
	}
	actions, ok := g[p.Module]
	if !ok {
		return false
	}
	return actions[p.Action]
}

// AllowsAll is the conjunctive check: every permission must be granted.
func (g Grants) AllowsAll(perms ...Permission) bool {
	return len(g.Missing(perms...)) == 0
}

// Missing returns the subset of perms that are not granted, in input order.
func (g Grants) Missing(perms ...Permission) []Permission {
	var missing []Permission
	for _, p := range perms {
		if !g.Allows(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// Set records the grant status for p.
func (g Grants) Set(p Permission, granted bool) {
	actions, ok := g[p.Module]
	if !ok {
		actions = make(map[Action]bool)
		g[p.Module] = actions
	}
	actions[p.Action] = granted
}

// Clone returns a deep copy.
func (g Grants) Clone() Grants {
	out := make(Grants, len(g))
	for m, actions := range g {
		inner := make(map[Action]bool, len(actions))
		for a, v := range actions {
			inner[a] = v
		}
		out[m] = inner
	}
	return out
}

// Granted lists granted permissions sorted by their dotted form.
func (g Grants) Granted() []Permission {
	var perms []Permission
	for m, actions := range g {
		for a, v := range actions {
			if v {
				perms = append(perms, Perm(m, a))
			}
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].String() < perms[j].String() })
	return perms
}

// DecodeGrants parses the stored JSON form {"module":{"action":true}}.
// Unknown modules or actions are rejected.
func DecodeGrants(raw []byte) (Grants, error) {
	if len(raw) == 0 {
		return Grants{}, nil
	}
	var stored map[string]map[string]bool
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("access: decode grants: %w", err)
	}
	g := make(Grants, len(stored))
	for module, actions := range stored {
		for action, v := range actions {
			p := Perm(Module(module), Action(action))
			if !p.Valid() {
				return nil, fmt.Errorf("%w: %s", ErrInvalidPermission, p)
			}
			g.Set(p, v)
		}
	}
	return g, nil
}

// EncodeGrants renders the stored JSON form.
func EncodeGrants(g Grants) ([]byte, error) {
	if g == nil {
		g = Grants{}
	}
	return json.Marshal(g)
}
