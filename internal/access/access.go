// Package access decides what a signed-in user may do with bookings and
// calendar feeds.
package access

import (
	"strings"

	"github.com/google/uuid"
)

type Permission string

const (
	ViewBookings   Permission = "can_view_bookings"
	ManageBookings Permission = "can_manage_bookings"
	ViewCalendar   Permission = "can_view_calendar"
	ManageCalendar Permission = "can_manage_calendar"
	ViewUnits      Permission = "can_view_units"
)

type Role string

const (
	RoleAdmin      Role = "Admin"
	RoleManager    Role = "Manager"
	RoleStaff      Role = "Staff"
	RoleCleaner    Role = "Cleaner"
	RoleTechnician Role = "Technician"
)

// roleDefaults holds each role's grants. Anything missing is denied.
var roleDefaults = map[Role]map[Permission]bool{
	RoleManager: {
		ViewBookings:   true,
		ManageBookings: true,
		ViewCalendar:   true,
		ManageCalendar: true,
		ViewUnits:      true,
	},
	RoleStaff: {
		ViewBookings:   true,
		ManageBookings: true,
		ViewCalendar:   true,
		ViewUnits:      true,
	},
}

// ParseRole matches a role name case-insensitively. Unknown names come
// back unchanged and are granted nothing.
func ParseRole(s string) Role {
	s = strings.TrimSpace(s)
	for _, r := range []Role{RoleAdmin, RoleManager, RoleStaff, RoleCleaner, RoleTechnician} {
		if strings.EqualFold(s, string(r)) {
			return r
		}
	}
	return Role(s)
}

// Resolve applies, in order: admins may do anything; a per-user override
// wins when present; then the role's default; otherwise deny.
func Resolve(role Role, overrides map[Permission]bool, p Permission) bool {
	if role == RoleAdmin {
		return true
	}
	if v, ok := overrides[p]; ok {
		return v
	}
	return roleDefaults[role][p]
}

// Principal is the authenticated caller.
type Principal struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Role      Role
	Overrides map[Permission]bool
}

func (p *Principal) Can(perm Permission) bool {
	if p == nil {
		return false
	}
	return Resolve(p.Role, p.Overrides, perm)
}
