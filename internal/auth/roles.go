package auth

import (
	"fmt"
	"strings"
)

// Role is one of the fixed application roles.
type Role string

const (
	RoleSuperAdmin  Role = "superadmin"
	RoleAdmin       Role = "admin"
	RoleModerator   Role = "moderator"
	RoleTranslator  Role = "translator"
	RoleContributor Role = "contributor"
	RoleUser        Role = "user"
)

// RoleInfo describes a role for the public catalogue.
type RoleInfo struct {
	Role        Role   `json:"role"`
	Rank        int    `json:"rank"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// roleTable is ordered from highest to lowest rank. Ranks are distinct.
var roleTable = [...]RoleInfo{
	{RoleSuperAdmin, 6, "Super Administrator", "Complete system control with all privileges"},
	{RoleAdmin, 5, "Administrator", "System administration with user and content management"},
	{RoleModerator, 4, "Moderator", "Content moderation and translation review"},
	{RoleTranslator, 3, "Translator", "Create and manage own translations"},
	{RoleContributor, 2, "Contributor", "Submit translation suggestions and contributions"},
	{RoleUser, 1, "User", "Basic user with read access"},
}

var roleRanks = func() map[Role]int {
	m := make(map[Role]int, len(roleTable))
	for _, info := range roleTable {
		m[info.Role] = info.Rank
	}
	return m
}()

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRanks[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is part of the fixed role set.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the static rank of r. Unknown roles rank 0, below every real role.
func (r Role) Rank() int {
	return roleRanks[r]
}

// HasAtLeast reports whether have ranks at or above required.
// An unknown role never satisfies a requirement.
func HasAtLeast(have, required Role) bool {
	if !have.Valid() || !required.Valid() {
		return false
	}
	return have.Rank() >= required.Rank()
}

// Roles returns the role catalogue, highest rank first.
func Roles() []RoleInfo {
	out := make([]RoleInfo, len(roleTable))
	copy(out, roleTable[:])
	return out
}
