package access

import "testing"

func TestResolve(t *testing.T) {
	deny := map[Permission]bool{ManageCalendar: false, ViewCalendar: false}
	grant := map[Permission]bool{ManageCalendar: true}

	cases := []struct {
		name      string
		role      Role
		overrides map[Permission]bool
		perm      Permission
		want      bool
	}{
		{"admin ignores overrides", RoleAdmin, deny, ManageCalendar, true},
		{"manager default", RoleManager, nil, ManageCalendar, true},
		{"override revokes manager default", RoleManager, deny, ViewCalendar, false},
		{"staff default view", RoleStaff, nil, ViewCalendar, true},
		{"staff default no manage", RoleStaff, nil, ManageCalendar, false},
		{"override grants staff", RoleStaff, grant, ManageCalendar, true},
		{"cleaner denied", RoleCleaner, nil, ViewBookings, false},
		{"unknown role denied", Role("Intern"), nil, ViewBookings, false},
	}
	for _, tc := range cases {
		if got := Resolve(tc.role, tc.overrides, tc.perm); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if ParseRole(" manager ") != RoleManager {
		t.Errorf("case-insensitive match failed")
	}
	if ParseRole("Intern") != Role("Intern") {
		t.Errorf("unknown role altered")
	}
}

func TestNilPrincipalCannot(t *testing.T) {
	var p *Principal
	if p.Can(ViewBookings) {
		t.Errorf("nil principal granted access")
	}
}
