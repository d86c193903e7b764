package protocol

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jmcleod/rbacaccel/internal/uuid"
	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/rbac"
)

// ErrInvalidRequest is wrapped by every Validate failure.
var ErrInvalidRequest = errors.New("invalid request")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks req's structure and the per-operation field requirements.
func (req Request) Validate() error {
	if err := requestValidator().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch req.Op {
	case OpCreateSession:
		if req.UserID == "" {
			return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
		}
		if !req.Trusted && len(req.Password) == 0 {
			return fmt.Errorf("%w: password is required for an untrusted session", ErrInvalidRequest)
		}
	case OpAddActiveRole, OpDropActiveRole:
		if req.Role == "" {
			return fmt.Errorf("%w: role is required", ErrInvalidRequest)
		}
	case OpCheckAccess:
		if req.Permission == nil || req.Permission.IsZero() {
			return fmt.Errorf("%w: permission is required", ErrInvalidRequest)
		}
	}
	return nil
}

func newRequest(op Operation, token string) Request {
	return Request{Ver: Version, ID: uuid.New(), Op: op, Token: token}
}

// NewCreateSession builds a create_session request. For an untrusted session
// the user's password is decrypted into the request; callers should
// util.WipeBytes(req.Password) once the request has been sent.
func NewCreateSession(user *rbac.User, trusted bool, roles []rbac.UserRole) (Request, error) {
	req := newRequest(OpCreateSession, "")
	req.UserID = user.UserID
	req.Trusted = trusted
	req.Roles = rbac.RoleNames(roles)
	if len(req.Roles) == 0 {
		req.Roles = nil
	}
	if !trusted && user.HasPassword() {
		buf, err := user.OpenPassword()
		if err != nil {
			return Request{}, fmt.Errorf("opening credential: %w", err)
		}
		req.Password = util.CopyBytes(buf.Bytes())
		buf.Destroy()
	}
	return req, nil
}

func NewCheckAccess(token string, perm rbac.Permission) Request {
	req := newRequest(OpCheckAccess, token)
	req.Permission = &perm
	return req
}

func NewAddActiveRole(token, role string) Request {
	req := newRequest(OpAddActiveRole, token)
	req.Role = role
	return req
}

func NewDropActiveRole(token, role string) Request {
	req := newRequest(OpDropActiveRole, token)
	req.Role = role
	return req
}

func NewDeleteSession(token string) Request {
	return newRequest(OpDeleteSession, token)
}

func NewSessionRoles(token string) Request {
	return newRequest(OpSessionRoles, token)
}

func NewSessionPermissions(token string) Request {
	return newRequest(OpSessionPermissions, token)
}
