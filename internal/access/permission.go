package access

import (
	"errors"
	"fmt"
	"strings"
)

// Module names an application area guarded by permissions.
type Module string

// Modules known to the permission table.
const (
	ModuleDashboard Module = "dashboard"
	ModuleStudents  Module = "students"
	ModulePayments  Module = "payments"
	ModuleFees      Module = "fees"
	ModuleExpenses  Module = "expenses"
	ModuleReports   Module = "reports"
	ModuleSettings  Module = "settings"
	ModuleUsers     Module = "users"
	ModuleRoles     Module = "roles"
)

// Action names an operation on a module.
type Action string

// Actions known to the permission table.
const (
	ActionView   Action = "view"
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// ErrInvalidPermission indicates a permission key that does not name a known module/action pair.
var ErrInvalidPermission = errors.New("access: invalid permission")

// Modules lists every module in declaration order.
func Modules() []Module {
	return []Module{
		ModuleDashboard,
		ModuleStudents,
		ModulePayments,
		ModuleFees,
		ModuleExpenses,
		ModuleReports,
		ModuleSettings,
		ModuleUsers,
		ModuleRoles,
	}
}

// Actions lists every action in declaration order.
func Actions() []Action {
	return []Action{ActionView, ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionManage}
}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	for _, known := range Modules() {
		if m == known {
			return true
		}
	}
	return false
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}

// Permission is a typed (module, action) pair.
type Permission struct {
	Module Module
	Action Action
}

// Perm builds a Permission.
func Perm(m Module, a Action) Permission {
	return Permission{Module: m, Action: a}
}

// String renders the dotted storage form, e.g. "students.manage".
func (p Permission) String() string {
	return string(p.Module) + "." + string(p.Action)
}

// Valid reports whether both halves are known.
func (p Permission) Valid() bool {
	return p.Module.Valid() && p.Action.Valid()
}

// ParsePermission converts the dotted storage form into a Permission.
// It is meant for the storage and declaration boundary only.
func ParsePermission(raw string) (Permission, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	module, action, ok := strings.Cut(raw, ".")
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
	p := Permission{Module: Module(module), Action: Action(action)}
	if !p.Valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
	return p, nil
}

// MustPermission is ParsePermission for static declarations.
func MustPermission(raw string) Permission {
	p, err := ParsePermission(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Permissions commonly required by views and endpoints.
var (
	PermManageStudents = Perm(ModuleStudents, ActionManage)
	PermManagePayments = Perm(ModulePayments, ActionManage)
	PermManageFees     = Perm(ModuleFees, ActionManage)
	PermManageExpenses = Perm(ModuleExpenses, ActionManage)
	PermViewReports    = Perm(ModuleReports, ActionView)
	PermManageSettings = Perm(ModuleSettings, ActionManage)
	PermManageUsers    = Perm(ModuleUsers, ActionManage)
	PermManageRoles    = Perm(ModuleRoles, ActionManage)
)
