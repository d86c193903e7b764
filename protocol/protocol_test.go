package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rbacaccel/rbac"
)

func TestStatusCategories(t *testing.T) {
	for _, c := range rbac.Categories() {
		s := StatusFor(c)
		if c == rbac.TransportError {
			assert.Equal(t, StatusInternal, s)
			continue
		}
		got, ok := s.Category()
		require.True(t, ok, "status %s", s)
		assert.Equal(t, c, got)
	}

	for _, s := range []Status{StatusOK, StatusBadRequest, StatusInternal, Status(99)} {
		_, ok := s.Category()
		assert.False(t, ok, "status %s", s)
	}
	assert.Equal(t, "already_active", StatusAlreadyActive.String())
	assert.Equal(t, "status(99)", Status(99).String())
}

func TestRequestValidate(t *testing.T) {
	user := rbac.NewUser("jtsUser1", []byte("passw0rd1"))
	create, err := NewCreateSession(user, false, rbac.UserRoles("jtsUser1", []string{"role1"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("passw0rd1"), create.Password)
	assert.Equal(t, []string{"role1"}, create.Roles)
	assert.True(t, user.HasPassword(), "building the request does not consume the credential")

	trusted, err := NewCreateSession(user, true, nil)
	require.NoError(t, err)
	assert.Nil(t, trusted.Password)
	assert.Nil(t, trusted.Roles)

	valid := []Request{
		create,
		trusted,
		NewCheckAccess("tok", rbac.NewPermission("TOB1", "TOP1")),
		NewAddActiveRole("tok", "role1"),
		NewDropActiveRole("tok", "role1"),
		NewDeleteSession("tok"),
		NewSessionRoles("tok"),
		NewSessionPermissions("tok"),
	}
	for _, req := range valid {
		assert.NoError(t, req.Validate(), "op %s", req.Op)
	}

	mutate := func(base Request, fn func(*Request)) Request {
		fn(&base)
		return base
	}
	invalid := map[string]Request{
		"wrong version":        mutate(NewDeleteSession("tok"), func(r *Request) { r.Ver = 2 }),
		"bad id":               mutate(NewDeleteSession("tok"), func(r *Request) { r.ID = "nope" }),
		"unknown op":           mutate(NewDeleteSession("tok"), func(r *Request) { r.Op = "grant_role" }),
		"missing token":        NewDeleteSession(""),
		"missing user":         mutate(trusted, func(r *Request) { r.UserID = "" }),
		"untrusted no secret":  mutate(create, func(r *Request) { r.Password = nil }),
		"missing role":         NewAddActiveRole("tok", ""),
		"missing drop role":    NewDropActiveRole("tok", ""),
		"missing permission":   mutate(NewCheckAccess("tok", rbac.Permission{}), func(r *Request) { r.Permission = nil }),
		"zero permission":      NewCheckAccess("tok", rbac.Permission{}),
		"empty requested role": mutate(create, func(r *Request) { r.Roles = []string{""} }),
		"oversized role":       NewAddActiveRole("tok", strings.Repeat("r", 300)),
	}
	for name, req := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	req := NewCheckAccess("tok", rbac.NewPermission("TOB1", "TOP1", "OBJ1"))
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = DecodeRequest(strings.NewReader(`{"ver":1,"grant":"all"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	resp := OK(req)
	resp.Allowed = true
	buf.Reset()
	require.NoError(t, EncodeResponse(&buf, resp))
	gotResp, err := DecodeResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)

	_, err = DecodeResponse(strings.NewReader("<html>"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestInterpret(t *testing.T) {
	create, err := NewCreateSession(rbac.NewUser("jtsUser1", nil), true, nil)
	require.NoError(t, err)

	t.Run("create session", func(t *testing.T) {
		resp := OK(create)
		resp.Token = "opaque"
		resp.Roles = []string{"role1", "role2"}
		res, err := Interpret("create session", create, resp)
		require.NoError(t, err)
		assert.Equal(t, "opaque", res.Token)
		assert.Equal(t, "jtsUser1", res.UserID)
		assert.Equal(t, []string{"role1", "role2"}, res.Roles)
	})

	t.Run("create session without token", func(t *testing.T) {
		_, err := Interpret("create session", create, OK(create))
		assert.ErrorIs(t, err, rbac.ErrTransport)
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("duplicate role in snapshot", func(t *testing.T) {
		req := NewAddActiveRole("tok", "role1")
		resp := OK(req)
		resp.Roles = []string{"role1", "role1"}
		_, err := Interpret("add active role", req, resp)
		assert.ErrorIs(t, err, ErrMalformedResponse)

		resp.Roles = []string{"role1", "ROLE1 "}
		_, err = Interpret("add active role", req, resp)
		assert.ErrorIs(t, err, ErrMalformedResponse, "names that denote the same role")
	})

	t.Run("version mismatch", func(t *testing.T) {
		req := NewDeleteSession("tok")
		resp := OK(req)
		resp.Ver = 2
		_, err := Interpret("delete session", req, resp)
		assert.ErrorIs(t, err, rbac.ErrTransport)
	})

	t.Run("correlation mismatch", func(t *testing.T) {
		req := NewDeleteSession("tok")
		_, err := Interpret("delete session", req, OK(NewDeleteSession("tok")))
		assert.ErrorIs(t, err, rbac.ErrTransport)
	})

	t.Run("failure statuses", func(t *testing.T) {
		req := NewAddActiveRole("tok", "role1")
		cases := map[Status]*rbac.Error{
			StatusInvalidCredential: rbac.ErrInvalidCredential,
			StatusActivationFailed:  rbac.ErrActivationFailed,
			StatusAlreadyActive:     rbac.ErrAlreadyActive,
			StatusNotActive:         rbac.ErrNotActive,
			StatusSessionInvalid:    rbac.ErrSessionInvalid,
			StatusBadRequest:        rbac.ErrTransport,
			StatusInternal:          rbac.ErrTransport,
			Status(42):              rbac.ErrTransport,
		}
		for status, want := range cases {
			_, err := Interpret("add active role", req, Reply(req, status, "detail"))
			assert.ErrorIs(t, err, want, "status %s", status)
			assert.ErrorContains(t, err, "detail")
		}
	})

	t.Run("read-only results", func(t *testing.T) {
		req := NewSessionPermissions("tok")
		resp := OK(req)
		resp.Permissions = []rbac.Permission{rbac.NewPermission("TOB1", "TOP1")}
		res, err := Interpret("session permissions", req, resp)
		require.NoError(t, err)
		assert.Equal(t, resp.Permissions, res.Permissions)
	})
}

func TestOperations(t *testing.T) {
	assert.Len(t, Operations(), 7)
	assert.True(t, OpAddActiveRole.Mutating())
	assert.False(t, OpCheckAccess.Mutating())
	assert.False(t, OpDeleteSession.Mutating())
}
