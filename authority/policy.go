package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/rbac"
	"github.com/jmcleod/rbacaccel/storage"
)

const (
	// DefaultPolicyDomain is the storage domain policy records live under.
	DefaultPolicyDomain = "policy"

	userRecordType = "USER"
	roleRecordType = "ROLE"
)

var (
	// ErrUnknownUser is returned when no user with the given ID exists.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownRole is returned when no role with the given name exists.
	ErrUnknownRole = errors.New("unknown role")
	// ErrInvalidPolicy is wrapped by every Document validation failure.
	ErrInvalidPolicy = errors.New("invalid policy document")
)

// Document is the bootstrap form of a policy: the roles with their grants and
// the users with their credentials and static role assignments.
type Document struct {
	Roles []RoleSpec `yaml:"roles" json:"roles"`
	Users []UserSpec `yaml:"users" json:"users"`
}

// RoleSpec declares a role and the permissions granted to it.
type RoleSpec struct {
	rbac.Role   `yaml:",inline"`
	Permissions []rbac.Permission `yaml:"permissions" json:"permissions"`
}

// UserSpec declares a principal. Password is plaintext in the document and
// is hashed before it is stored; a user without one can only open trusted
// sessions.
type UserSpec struct {
	UserID   string   `yaml:"user_id" json:"user_id"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	Roles    []string `yaml:"roles" json:"roles"`
}

// LoadDocumentFile reads a YAML policy document from path.
func LoadDocumentFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading policy file: %w", err)
	}
	return ParseDocument(data)
}

// ParseDocument decodes and validates a YAML policy document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate checks that names are unique and every assignment names a
// declared role.
func (d Document) Validate() error {
	roles := make(map[string]struct{}, len(d.Roles))
	for _, r := range d.Roles {
		if r.Name == "" {
			return fmt.Errorf("%w: role with empty name", ErrInvalidPolicy)
		}
		key := util.NormalizeID(r.Name)
		if _, dup := roles[key]; dup {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidPolicy, r.Name)
		}
		roles[key] = struct{}{}
		for _, p := range r.Permissions {
			if p.ObjectName == "" || p.OperationName == "" {
				return fmt.Errorf("%w: role %q has a permission without object or operation", ErrInvalidPolicy, r.Name)
			}
		}
	}

	users := make(map[string]struct{}, len(d.Users))
	for _, u := range d.Users {
		if u.UserID == "" {
			return fmt.Errorf("%w: user with empty id", ErrInvalidPolicy)
		}
		key := util.NormalizeID(u.UserID)
		if _, dup := users[key]; dup {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalidPolicy, u.UserID)
		}
		users[key] = struct{}{}
		if name, dup := rbac.DuplicateRole(rbac.UserRoles(u.UserID, u.Roles)); dup {
			return fmt.Errorf("%w: user %q is assigned %q twice", ErrInvalidPolicy, u.UserID, name)
		}
		for _, name := range u.Roles {
			if _, ok := roles[util.NormalizeID(name)]; !ok {
				return fmt.Errorf("%w: user %q is assigned undeclared role %q", ErrInvalidPolicy, u.UserID, name)
			}
		}
	}
	return nil
}

// UserRecord is a stored principal.
type UserRecord struct {
	UserID   string             `json:"user_id"`
	Password *util.PasswordHash `json:"password,omitempty"`
	Roles    []string           `json:"roles"`
}

// AssignedRole returns the stored spelling of name if it is assigned to u.
func (u UserRecord) AssignedRole(name string) (string, bool) {
	key := util.NormalizeID(name)
	for _, r := range u.Roles {
		if util.NormalizeID(r) == key {
			return r, true
		}
	}
	return "", false
}

// RoleRecord is a stored role with its grants.
type RoleRecord struct {
	rbac.Role
	Permissions []rbac.Permission `json:"permissions"`
}

// PolicyStore holds users, roles and grants in a storage.Repository.
type PolicyStore struct {
	repo         storage.Repository
	domain       string
	passwordCost util.Argon2idParams
}

// PolicyOption configures a PolicyStore.
type PolicyOption func(*PolicyStore)

// WithPolicyDomain stores policy records under domain.
// Default: DefaultPolicyDomain.
func WithPolicyDomain(domain string) PolicyOption {
	return func(p *PolicyStore) {
		p.domain = domain
	}
}

// WithPasswordParams sets the argon2id cost used when hashing document
// passwords. Default: util.DefaultArgon2idParams.
func WithPasswordParams(params util.Argon2idParams) PolicyOption {
	return func(p *PolicyStore) {
		p.passwordCost = params
	}
}

// NewPolicyStore returns a PolicyStore over repo.
func NewPolicyStore(repo storage.Repository, opts ...PolicyOption) *PolicyStore {
	p := &PolicyStore{
		repo:         repo,
		domain:       DefaultPolicyDomain,
		passwordCost: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load validates doc and writes its users and roles in one batch. Records not
// named by doc are left in place; use Replace to drop them.
func (p *PolicyStore) Load(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	roles := make([]RoleRecord, 0, len(doc.Roles))
	canonical := make(map[string]string, len(doc.Roles))
	for _, spec := range doc.Roles {
		roles = append(roles, RoleRecord{Role: spec.Role, Permissions: spec.Permissions})
		canonical[util.NormalizeID(spec.Name)] = spec.Name
	}

	users := make([]UserRecord, 0, len(doc.Users))
	for _, spec := range doc.Users {
		rec := UserRecord{UserID: spec.UserID, Roles: make([]string, 0, len(spec.Roles))}
		for _, name := range spec.Roles {
			rec.Roles = append(rec.Roles, canonical[util.NormalizeID(name)])
		}
		if spec.Password != "" {
			h, err := util.HashPassword([]byte(util.Normalize(spec.Password)), p.passwordCost)
			if err != nil {
				return fmt.Errorf("hashing password for %q: %w", spec.UserID, err)
			}
			rec.Password = &h
		}
		users = append(users, rec)
	}

	return p.repo.Batch(ctx, p.domain, func(tx storage.BatchTx) error {
		for _, r := range roles {
			if err := putJSON(tx, roleRecordType, util.NormalizeID(r.Name), r); err != nil {
				return err
			}
		}
		for _, u := range users {
			if err := putJSON(tx, userRecordType, util.NormalizeID(u.UserID), u); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replace drops the existing policy, when the backend supports it, and loads
// doc in its place.
func (p *PolicyStore) Replace(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if admin, ok := p.repo.(storage.DomainAdmin); ok {
		if err := admin.DeleteDomain(ctx, p.domain); err != nil && !errors.Is(err, storage.ErrDomainNotFound) {
			return fmt.Errorf("dropping policy: %w", err)
		}
	}
	return p.Load(ctx, doc)
}

// User looks up a principal.
func (p *PolicyStore) User(ctx context.Context, userID string) (UserRecord, error) {
	var u UserRecord
	if err := p.getJSON(ctx, userRecordType, util.NormalizeID(userID), &u); err != nil {
		if storage.IsNotFound(err) {
			return UserRecord{}, fmt.Errorf("%q: %w", userID, ErrUnknownUser)
		}
		return UserRecord{}, err
	}
	return u, nil
}

// Role looks up a role.
func (p *PolicyStore) Role(ctx context.Context, name string) (RoleRecord, error) {
	var r RoleRecord
	if err := p.getJSON(ctx, roleRecordType, util.NormalizeID(name), &r); err != nil {
		if storage.IsNotFound(err) {
			return RoleRecord{}, fmt.Errorf("%q: %w", name, ErrUnknownRole)
		}
		return RoleRecord{}, err
	}
	return r, nil
}

// Grants collects the permissions of the named roles. Roles that no longer
// exist contribute nothing.
func (p *PolicyStore) Grants(ctx context.Context, roles []string) (rbac.Grants, error) {
	g := rbac.Grants{}
	for _, name := range roles {
		r, err := p.Role(ctx, name)
		if errors.Is(err, ErrUnknownRole) {
			continue
		}
		if err != nil {
			return nil, err
		}
		g.Add(name, r.Permissions...)
	}
	return g, nil
}

// Users lists the stored user IDs in sorted order.
func (p *PolicyStore) Users(ctx context.Context) ([]string, error) {
	ids, err := p.repo.List(ctx, p.domain, userRecordType)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// Roles lists the stored role IDs in sorted order.
func (p *PolicyStore) Roles(ctx context.Context) ([]string, error) {
	ids, err := p.repo.List(ctx, p.domain, roleRecordType)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *PolicyStore) getJSON(ctx context.Context, recordType, id string, v any) error {
	rec, err := p.repo.Get(ctx, p.domain, recordType, id)
	if err != nil {
		return err
	}
	data, err := rec.Plaintext()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func putJSON(tx storage.BatchTx, recordType, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(recordType, id, storage.NewRecord(data))
}
