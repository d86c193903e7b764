package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/rbacaccel/rbac"
)

// MaxMessageSize bounds a single encoded request or response.
const MaxMessageSize = 64 << 10

// ErrMalformedResponse is wrapped by Interpret when a response cannot be
// trusted as a reply to its request.
var ErrMalformedResponse = errors.New("malformed response")

func EncodeRequest(w io.Writer, req Request) error {
	return json.NewEncoder(w).Encode(req)
}

// DecodeRequest reads one request and rejects unknown fields.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(io.LimitReader(r, MaxMessageSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

func EncodeResponse(w io.Writer, resp Response) error {
	return json.NewEncoder(w).Encode(resp)
}

// DecodeResponse reads one response. Unknown fields are ignored so an
// authority may add fields without breaking older engines.
func DecodeResponse(r io.Reader) (Response, error) {
	var resp Response
	if err := json.NewDecoder(io.LimitReader(r, MaxMessageSize)).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}

// Result is the decoded outcome of a successful operation.
type Result struct {
	Token       string
	UserID      string
	Roles       []string
	Allowed     bool
	Permissions []rbac.Permission
}

// Interpret validates resp as the reply to req and maps a failure status to
// its *rbac.Error. Statuses without a caller-visible category, version or
// correlation mismatches, and structurally invalid snapshots all surface as
// rbac.TransportError. op labels the returned error.
func Interpret(op string, req Request, resp Response) (Result, error) {
	if resp.Ver != Version {
		return Result{}, malformed(op, "protocol version %d, want %d", resp.Ver, Version)
	}
	if resp.ID != req.ID {
		return Result{}, malformed(op, "correlation id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Status != StatusOK {
		if c, ok := resp.Status.Category(); ok {
			return Result{}, &rbac.Error{Category: c, Op: op, Message: resp.Message}
		}
		return Result{}, rbac.Errorf(rbac.TransportError, op, "authority returned %s: %s", resp.Status, resp.Message)
	}

	res := Result{
		Token:       resp.Token,
		UserID:      resp.UserID,
		Roles:       resp.Roles,
		Allowed:     resp.Allowed,
		Permissions: resp.Permissions,
	}
	if req.Op == OpCreateSession {
		if res.Token == "" {
			return Result{}, malformed(op, "no session token")
		}
		if res.UserID == "" {
			res.UserID = req.UserID
		}
	}
	if req.Op.Mutating() || req.Op == OpSessionRoles {
		seen := make(map[string]struct{}, len(res.Roles))
		for _, name := range res.Roles {
			if name == "" {
				return Result{}, malformed(op, "empty role name in snapshot")
			}
			key := rbac.NameKey(name)
			if _, dup := seen[key]; dup {
				return Result{}, malformed(op, "duplicate role %q in snapshot", name)
			}
			seen[key] = struct{}{}
		}
	}
	return res, nil
}

func malformed(op, format string, args ...any) error {
	return &rbac.Error{
		Category: rbac.TransportError,
		Op:       op,
		Err:      fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...)),
	}
}
