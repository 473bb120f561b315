package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated covers missing, malformed, expired or forged credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden means the caller is authenticated but the role may not act.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrUnknownRole is returned by ParseRole for names outside the role set.
	ErrUnknownRole = errors.New("auth: unknown role")
)

// Role is the closed set of user roles.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleRadiologist Role = "radiologist"
	RoleResearcher  Role = "researcher"
)

// Action names a protected operation.
type Action string

const (
	ActionDiagnose    Action = "diagnose"
	ActionReadStudy   Action = "read_study"
	ActionManageUsers Action = "manage_users"
)

// ParseRole converts a stored or claimed role name to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleRadiologist, RoleResearcher:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrUnknownRole, s, RoleNames())
	}
}

// Roles lists every valid role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleRadiologist, RoleResearcher}
}

// RoleNames returns the valid roles as "admin, radiologist, researcher".
func RoleNames() string {
	names := make([]string, 0, 3)
	for _, r := range Roles() {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

// Authorize reports whether role may perform action.
func Authorize(role Role, action Action) bool {
	switch action {
	case ActionDiagnose, ActionReadStudy:
		return role == RoleAdmin || role == RoleRadiologist
	case ActionManageUsers:
		return role == RoleAdmin
	default:
		return false
	}
}

// Check returns an error wrapping ErrForbidden unless the caller on ctx may
// perform action.
func Check(ctx context.Context, action Action) error {
	role := RoleFromContext(ctx)
	if Authorize(role, action) {
		return nil
	}
	if role == "" {
		role = "none"
	}
	return fmt.Errorf("%w: role %s may not %s", ErrForbidden, role, action)
}
