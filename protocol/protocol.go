// Package protocol defines the request/response envelopes exchanged between
// the accelerator engine and the authority, and the mapping from wire status
// codes to rbac error categories.
//
// Messages are JSON. Every request carries a protocol version and a UUID
// correlation ID that the authority echoes back; a response whose version or
// ID does not match its request is malformed.
package protocol

import (
	"fmt"

	"github.com/jmcleod/rbacaccel/rbac"
)

// Version is the only protocol version this package speaks.
const Version = 1

// Operation names an authority operation.
type Operation string

const (
	OpCreateSession      Operation = "create_session"
	OpCheckAccess        Operation = "check_access"
	OpAddActiveRole      Operation = "add_active_role"
	OpDropActiveRole     Operation = "drop_active_role"
	OpDeleteSession      Operation = "delete_session"
	OpSessionRoles       Operation = "session_roles"
	OpSessionPermissions Operation = "session_permissions"
)

// Operations lists every operation in a stable order.
func Operations() []Operation {
	return []Operation{
		OpCreateSession, OpCheckAccess, OpAddActiveRole, OpDropActiveRole,
		OpDeleteSession, OpSessionRoles, OpSessionPermissions,
	}
}

// Mutating reports whether op replaces the session's active-role snapshot.
func (op Operation) Mutating() bool {
	switch op {
	case OpCreateSession, OpAddActiveRole, OpDropActiveRole:
		return true
	}
	return false
}

// Status is the authority's result code.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidCredential
	StatusActivationFailed
	StatusAlreadyActive
	StatusNotActive
	StatusSessionInvalid
	StatusBadRequest
	StatusInternal
)

var statusNames = [...]string{
	StatusOK:                "ok",
	StatusInvalidCredential: "invalid_credential",
	StatusActivationFailed:  "activation_failed",
	StatusAlreadyActive:     "already_active",
	StatusNotActive:         "not_active",
	StatusSessionInvalid:    "session_invalid",
	StatusBadRequest:        "bad_request",
	StatusInternal:          "internal",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var statusCategories = map[Status]rbac.Category{
	StatusInvalidCredential: rbac.InvalidCredential,
	StatusActivationFailed:  rbac.ActivationFailed,
	StatusAlreadyActive:     rbac.AlreadyActive,
	StatusNotActive:         rbac.NotActive,
	StatusSessionInvalid:    rbac.SessionInvalid,
}

// Category maps a failure status to its error category. ok is false for
// StatusOK and for statuses with no caller-visible category (bad request,
// internal, unknown), which callers treat as transport errors.
func (s Status) Category() (c rbac.Category, ok bool) {
	c, ok = statusCategories[s]
	return c, ok
}

// StatusFor is the inverse of Status.Category. Transport errors have no
// status of their own and map to StatusInternal.
func StatusFor(c rbac.Category) Status {
	for s, sc := range statusCategories {
		if sc == c {
			return s
		}
	}
	return StatusInternal
}

// Request is the envelope sent to the authority. Which fields are meaningful
// depends on Op; Validate enforces the combinations.
type Request struct {
	Ver        int              `json:"ver" validate:"eq=1"`
	ID         string           `json:"id" validate:"required,uuid"`
	Op         Operation        `json:"op" validate:"required,oneof=create_session check_access add_active_role drop_active_role delete_session session_roles session_permissions"`
	Token      string           `json:"token,omitempty" validate:"required_unless=Op create_session"`
	UserID     string           `json:"user_id,omitempty" validate:"max=256"`
	Password   []byte           `json:"password,omitempty" validate:"max=1024"`
	Trusted    bool             `json:"trusted,omitempty"`
	Roles      []string         `json:"roles,omitempty" validate:"dive,required,max=256"`
	Role       string           `json:"role,omitempty" validate:"max=256"`
	Permission *rbac.Permission `json:"permission,omitempty"`
}

// Response is the authority's reply. Roles is the session's full active-role
// set, in the authority's order, for every operation that returns a snapshot.
type Response struct {
	Ver         int               `json:"ver"`
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Token       string            `json:"token,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Allowed     bool              `json:"allowed,omitempty"`
	Permissions []rbac.Permission `json:"permissions,omitempty"`
}

// Reply returns a response to req with the given status.
func Reply(req Request, status Status, message string) Response {
	return Response{Ver: Version, ID: req.ID, Status: status, Message: message}
}

// OK returns a successful response to req.
func OK(req Request) Response {
	return Reply(req, StatusOK, "")
}
