// Package rbac provides the value types shared by the accelerator engine,
// its wire codec and the reference authority: users, roles, user-role
// associations, permissions and the closed error taxonomy.
package rbac

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/rbacaccel/internal/util"
)

// Role is a named authorization label, unique within a policy domain.
type Role struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// UserRole associates a user with a role name. The same shape describes a
// static assignment held by the authority and a member of a session's
// active-role set; callers track which meaning applies.
type UserRole struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// NewUserRole returns the association of userID with role.
func NewUserRole(userID, role string) UserRole {
	return UserRole{UserID: userID, Name: role}
}

func (ur UserRole) String() string {
	return ur.UserID + "/" + ur.Name
}

// Permission identifies an operation on an object class, optionally narrowed
// to a single object instance. An empty ObjectID means the permission names
// the class; absent and empty object IDs are not distinguished.
type Permission struct {
	ObjectName    string `json:"object_name" yaml:"object"`
	OperationName string `json:"operation_name" yaml:"operation"`
	ObjectID      string `json:"object_id,omitempty" yaml:"object_id,omitempty"`
}

// NewPermission builds a Permission. At most one object ID is used.
func NewPermission(objectName, operationName string, objectID ...string) Permission {
	p := Permission{ObjectName: objectName, OperationName: operationName}
	if len(objectID) > 0 {
		p.ObjectID = objectID[0]
	}
	return p
}

// Equal reports whether p and o name the same (object, operation, objectID)
// triple.
func (p Permission) Equal(o Permission) bool {
	return p.ObjectName == o.ObjectName &&
		p.OperationName == o.OperationName &&
		p.ObjectID == o.ObjectID
}

// IsZero reports whether the permission names neither object nor operation.
func (p Permission) IsZero() bool {
	return p.ObjectName == "" && p.OperationName == ""
}

func (p Permission) String() string {
	if p.ObjectID == "" {
		return p.ObjectName + ":" + p.OperationName
	}
	return p.ObjectName + ":" + p.OperationName + ":" + p.ObjectID
}

// User carries a principal's identity to the authority. The password is held
// in a memguard Enclave and is only needed until a session has been created;
// the engine destroys it once CreateSession returns. Roles is a transport
// container for either assignments loaded from the authority or the roles a
// caller asks to activate. It is never a cache of authority state.
type User struct {
	UserID string
	Roles  []UserRole

	password *memguard.Enclave
}

// NewUser returns a User with the given identifier and credential. The
// password slice is wiped after it has been sealed. Role names, if any, are
// recorded as UserRoles for userID.
func NewUser(userID string, password []byte, roles ...string) *User {
	u := &User{UserID: userID}
	u.SetPassword(password)
	u.SetRoles(roles...)
	return u
}

// SetPassword replaces the presented credential. An empty password clears it.
func (u *User) SetPassword(password []byte) {
	if len(password) == 0 {
		u.password = nil
		return
	}
	u.password = memguard.NewEnclave(password)
}

// HasPassword reports whether a credential is currently held.
func (u *User) HasPassword() bool {
	return u != nil && u.password != nil
}

// OpenPassword decrypts the credential into a LockedBuffer. Callers must
// Destroy the buffer when done.
func (u *User) OpenPassword() (*memguard.LockedBuffer, error) {
	if !u.HasPassword() {
		return nil, fmt.Errorf("user %q has no credential", u.UserID)
	}
	return u.password.Open()
}

// ClearPassword drops the credential. The enclave's ciphertext becomes
// unreachable and is collected with the key material it was sealed under.
func (u *User) ClearPassword() {
	if u != nil {
		u.password = nil
	}
}

// SetRoles replaces Roles with one UserRole per name.
func (u *User) SetRoles(names ...string) {
	u.Roles = make([]UserRole, 0, len(names))
	for _, name := range names {
		u.Roles = append(u.Roles, NewUserRole(u.UserID, name))
	}
}

// RoleNames returns the names in Roles, in order.
func (u *User) RoleNames() []string {
	return RoleNames(u.Roles)
}

// RoleNames projects a slice of UserRoles onto their role names.
func RoleNames(roles []UserRole) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}

// UserRoles expands role names into UserRoles for userID, preserving order.
func UserRoles(userID string, names []string) []UserRole {
	roles := make([]UserRole, 0, len(names))
	for _, name := range names {
		roles = append(roles, NewUserRole(userID, name))
	}
	return roles
}

// NameKey is the canonical form of a user ID or role name: trimmed, NFKC
// normalized and lower-cased. Two names are the same principal or role iff
// their keys are equal.
func NameKey(name string) string {
	return util.NormalizeID(name)
}

// ContainsRole reports whether roles holds a role with the given name.
func ContainsRole(roles []UserRole, name string) bool {
	key := NameKey(name)
	for _, r := range roles {
		if NameKey(r.Name) == key {
			return true
		}
	}
	return false
}

// DuplicateRole returns the first role name that appears more than once.
func DuplicateRole(roles []UserRole) (string, bool) {
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		key := NameKey(r.Name)
		if _, ok := seen[key]; ok {
			return r.Name, true
		}
		seen[key] = struct{}{}
	}
	return "", false
}
