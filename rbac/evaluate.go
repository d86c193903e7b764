package rbac

// Grants maps role names to the permissions granted to each role. Keys are
// NameKey forms; use Add and For rather than indexing directly.
type Grants map[string][]Permission

// Add records perms as granted to role, skipping permissions already present.
func (g Grants) Add(role string, perms ...Permission) {
	key := NameKey(role)
	for _, p := range perms {
		if !containsPermission(g[key], p) {
			g[key] = append(g[key], p)
		}
	}
}

// For returns the permissions granted to role.
func (g Grants) For(role string) []Permission {
	return g[NameKey(role)]
}

// Evaluate reports whether any role in active is granted p. It is the pure
// form of the access decision the authority makes: a deny is an ordinary
// false, and the result depends only on its inputs.
func Evaluate(active []UserRole, grants Grants, p Permission) bool {
	for _, r := range active {
		if containsPermission(grants.For(r.Name), p) {
			return true
		}
	}
	return false
}

// PermissionsFor returns the distinct permissions reachable through active,
// in active-role order.
func PermissionsFor(active []UserRole, grants Grants) []Permission {
	var out []Permission
	for _, r := range active {
		for _, p := range grants.For(r.Name) {
			if !containsPermission(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

func containsPermission(perms []Permission, p Permission) bool {
	for _, candidate := range perms {
		if candidate.Equal(p) {
			return true
		}
	}
	return false
}
