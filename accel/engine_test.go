package accel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rbacaccel/accel"
	"github.com/jmcleod/rbacaccel/authority"
	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/rbac"
	"github.com/jmcleod/rbacaccel/storage/memory"
	"github.com/jmcleod/rbacaccel/transport"
)

func newEngine(t *testing.T, opts ...authority.Option) (*accel.Engine, *authority.MemorySessionStore) {
	t.Helper()
	doc, err := authority.LoadDocumentFile("../authority/testdata/policy.yaml")
	require.NoError(t, err)
	policy := authority.NewPolicyStore(memory.NewRepository(),
		authority.WithPasswordParams(util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}))
	require.NoError(t, policy.Load(t.Context(), doc))

	sessions := authority.NewMemorySessionStore(0)
	a, err := authority.New(t.Context(), policy, sessions, opts...)
	require.NoError(t, err)
	return accel.New(transport.NewLoopback(a)), sessions
}

func user(id, password string, roles ...string) *rbac.User {
	var pw []byte
	if password != "" {
		pw = []byte(password)
	}
	return rbac.NewUser(id, pw, roles...)
}

func requireCategory(t *testing.T, err error, want rbac.Category) {
	t.Helper()
	require.Error(t, err)
	got, ok := rbac.CategoryOf(err)
	require.True(t, ok, "error %v has no category", err)
	assert.Equal(t, want, got, err.Error())
}

func TestCreateSession(t *testing.T) {
	e, sessions := newEngine(t)

	for i, id := range []string{"u1", "u2", "u3"} {
		s, err := e.CreateSession(t.Context(), user(id, "password"+id[1:]), false)
		require.NoError(t, err)
		assert.NotEmpty(t, s.Token())
		assert.Equal(t, id, s.UserID())
		assert.False(t, s.Trusted())
		assert.Equal(t, i+1, sessions.Len())
	}
}

func TestCreateSession_UserRolesRequested(t *testing.T) {
	e, _ := newEngine(t)

	s, err := e.CreateSession(t.Context(), user("u1", "password1", "R2"), false)
	require.NoError(t, err)
	assert.Equal(t, []rbac.UserRole{rbac.NewUserRole("u1", "R2")}, s.Roles())

	s, err = e.CreateSession(t.Context(), user("u1", "password1", "R2"), false,
		rbac.NewUserRole("u1", "R1"), rbac.NewUserRole("u1", "R3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R3"}, rbac.RoleNames(s.Roles()), "explicit roles take precedence")
}

func TestCreateSession_Incremental(t *testing.T) {
	e, sessions := newEngine(t)
	assigned := []string{"R1", "R2", "R3"}

	for n := 1; n <= len(assigned); n++ {
		requested := rbac.UserRoles("u1", assigned[:n])
		s, err := e.CreateSession(t.Context(), user("u1", "password1"), false, requested...)
		require.NoError(t, err)
		assert.Len(t, s.Roles(), n)
		assert.Equal(t, assigned[:n], rbac.RoleNames(s.Roles()))

		require.NoError(t, e.DeleteSession(t.Context(), s))
		assert.Zero(t, sessions.Len())
	}
}

func TestCreateSession_AllAssignedByDefault(t *testing.T) {
	e, _ := newEngine(t)

	s, err := e.CreateSession(t.Context(), user("u1", "password1"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2", "R3"}, rbac.RoleNames(s.Roles()))
}

func TestCreateSession_BadPassword(t *testing.T) {
	e, sessions := newEngine(t)

	_, err := e.CreateSession(t.Context(), user("u1", "not-the-password"), false)
	requireCategory(t, err, rbac.InvalidCredential)
	require.ErrorIs(t, err, rbac.ErrInvalidCredential)
	assert.Zero(t, sessions.Len())
}

func TestCreateSession_MissingCredentials(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.CreateSession(t.Context(), nil, false)
	requireCategory(t, err, rbac.InvalidCredential)

	_, err = e.CreateSession(t.Context(), user("", "password1"), false)
	requireCategory(t, err, rbac.InvalidCredential)

	_, err = e.CreateSession(t.Context(), user("u1", ""), false)
	requireCategory(t, err, rbac.InvalidCredential)
}

func TestCreateSession_Trusted(t *testing.T) {
	e, _ := newEngine(t)

	s, err := e.CreateSession(t.Context(), user("u1", ""), true)
	require.NoError(t, err)
	assert.True(t, s.Trusted())
	assert.Len(t, s.Roles(), 3)
}

func TestCreateSession_ClearsPassword(t *testing.T) {
	e, _ := newEngine(t)

	ok := user("u2", "password2")
	_, err := e.CreateSession(t.Context(), ok, false)
	require.NoError(t, err)
	assert.False(t, ok.HasPassword())

	bad := user("u2", "wrong")
	_, err = e.CreateSession(t.Context(), bad, false)
	require.Error(t, err)
	assert.False(t, bad.HasPassword())
}

func TestCreateSession_UnassignedRole(t *testing.T) {
	e, sessions := newEngine(t)

	_, err := e.CreateSession(t.Context(), user("u2", "password2"), false, rbac.NewUserRole("u2", "R2"))
	requireCategory(t, err, rbac.ActivationFailed)
	assert.Zero(t, sessions.Len())
}

func TestCreateSession_ForeignRole(t *testing.T) {
	e, sessions := newEngine(t)

	_, err := e.CreateSession(t.Context(), user("u2", "password2"), false, rbac.NewUserRole("u1", "R1"))
	requireCategory(t, err, rbac.ActivationFailed)
	assert.Zero(t, sessions.Len(), "rejected before reaching the authority")
}

func TestAddActiveRole(t *testing.T) {
	e, _ := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u1", "password1"), false, rbac.NewUserRole("u1", "R1"))
	require.NoError(t, err)

	require.NoError(t, e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R2")))
	assert.Equal(t, []string{"R1", "R2"}, rbac.RoleNames(s.Roles()))
	assert.True(t, s.HasRole("r2"))

	err = e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R2"))
	requireCategory(t, err, rbac.AlreadyActive)
	assert.Equal(t, []string{"R1", "R2"}, rbac.RoleNames(s.Roles()), "snapshot unchanged on failure")

	err = e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R3a"))
	requireCategory(t, err, rbac.ActivationFailed)

	err = e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u3", "R3"))
	requireCategory(t, err, rbac.ActivationFailed)

	err = e.AddActiveRole(t.Context(), s, rbac.UserRole{})
	requireCategory(t, err, rbac.ActivationFailed)
}

func TestDropActiveRole(t *testing.T) {
	e, _ := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u1", "password1"), false)
	require.NoError(t, err)

	require.NoError(t, e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R2")))
	assert.Equal(t, []string{"R1", "R3"}, rbac.RoleNames(s.Roles()))

	err = e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R2"))
	requireCategory(t, err, rbac.NotActive)

	err = e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R9"))
	requireCategory(t, err, rbac.NotActive)
}

func TestAddDropCycle(t *testing.T) {
	e, _ := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u3", "password3"), false, rbac.NewUserRole("u3", "R3"))
	require.NoError(t, err)
	r3a := rbac.NewUserRole("u3", "R3a")

	require.NoError(t, e.AddActiveRole(t.Context(), s, r3a))
	require.NoError(t, e.DropActiveRole(t.Context(), s, r3a))
	requireCategory(t, e.DropActiveRole(t.Context(), s, r3a), rbac.NotActive)
	require.NoError(t, e.AddActiveRole(t.Context(), s, r3a))

	roles, err := e.SessionRoles(t.Context(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"R3", "R3a"}, rbac.RoleNames(roles))
}

func TestAddDropCycle_FromEmpty(t *testing.T) {
	e, _ := newEngine(t, authority.WithDefaultActivation(authority.ActivateNone))
	s, err := e.CreateSession(t.Context(), user("u3", "password3"), false)
	require.NoError(t, err)
	require.Empty(t, s.Roles())
	r3a := rbac.NewUserRole("u3", "R3a")

	require.NoError(t, e.AddActiveRole(t.Context(), s, r3a))
	assert.Equal(t, []rbac.UserRole{r3a}, s.Roles())

	require.NoError(t, e.DropActiveRole(t.Context(), s, r3a))
	assert.Empty(t, s.Roles())

	requireCategory(t, e.DropActiveRole(t.Context(), s, r3a), rbac.NotActive)
	assert.Empty(t, s.Roles())

	roles, err := e.SessionRoles(t.Context(), s)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestCheckAccess(t *testing.T) {
	e, _ := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u1", "password1"), false)
	require.NoError(t, err)

	allowed, err := e.CheckAccess(t.Context(), s, rbac.NewPermission("ledger", "write"))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = e.CheckAccess(t.Context(), s, rbac.NewPermission("ledger", "approve"))
	require.NoError(t, err, "a denial is not an error")
	assert.False(t, allowed)

	allowed, err = e.CheckAccess(t.Context(), s, rbac.NewPermission("account", "read", "42"))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = e.CheckAccess(t.Context(), s, rbac.NewPermission("account", "read", ""))
	require.NoError(t, err)
	assert.False(t, allowed, "an empty object id is the same as none")

	require.NoError(t, e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u1", "R1")))
	allowed, err = e.CheckAccess(t.Context(), s, rbac.NewPermission("ledger", "write"))
	require.NoError(t, err)
	assert.False(t, allowed, "dropped role no longer grants")
}

func TestSessionPermissions(t *testing.T) {
	e, _ := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u3", "password3"), false)
	require.NoError(t, err)

	perms, err := e.SessionPermissions(t.Context(), s)
	require.NoError(t, err)
	assert.ElementsMatch(t, []rbac.Permission{
		rbac.NewPermission("report", "run"),
		rbac.NewPermission("report", "read"),
	}, perms)
}

func TestDeleteSession(t *testing.T) {
	e, sessions := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u2", "password2"), false)
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(t.Context(), s))
	assert.True(t, s.Deleted())
	assert.Zero(t, sessions.Len())

	requireCategory(t, e.DeleteSession(t.Context(), s), rbac.SessionInvalid)
	_, err = e.CheckAccess(t.Context(), s, rbac.NewPermission("ledger", "read"))
	requireCategory(t, err, rbac.SessionInvalid)
	requireCategory(t, e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u2", "R1")), rbac.SessionInvalid)
	requireCategory(t, e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u2", "R1")), rbac.SessionInvalid)
	_, err = e.SessionRoles(t.Context(), s)
	requireCategory(t, err, rbac.SessionInvalid)
}

func TestDeleteSession_ExpiredAtAuthority(t *testing.T) {
	e, sessions := newEngine(t)
	s, err := e.CreateSession(t.Context(), user("u2", "password2"), false)
	require.NoError(t, err)

	// Another engine sharing the authority deleted it.
	require.NoError(t, sessions.Delete(t.Context(), s.Token()))

	requireCategory(t, e.DeleteSession(t.Context(), s), rbac.SessionInvalid)
	assert.True(t, s.Deleted())
}

func TestNilSession(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.CheckAccess(t.Context(), nil, rbac.NewPermission("ledger", "read"))
	requireCategory(t, err, rbac.SessionInvalid)
	requireCategory(t, e.DeleteSession(t.Context(), nil), rbac.SessionInvalid)
}

func TestWithSession(t *testing.T) {
	e, sessions := newEngine(t)

	var token string
	err := accel.WithSession(t.Context(), e, user("u2", "password2"), false, func(ctx context.Context, s *accel.Session) error {
		token = s.Token()
		allowed, err := e.CheckAccess(ctx, s, rbac.NewPermission("ledger", "read"))
		require.NoError(t, err)
		assert.True(t, allowed)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Zero(t, sessions.Len(), "session deleted on return")

	boom := errors.New("boom")
	err = accel.WithSession(t.Context(), e, user("u2", "password2"), false, func(context.Context, *accel.Session) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, sessions.Len(), "session deleted on error")

	err = accel.WithSession(t.Context(), e, user("u2", "password2"), false, func(ctx context.Context, s *accel.Session) error {
		return e.DeleteSession(ctx, s)
	})
	require.NoError(t, err, "already-deleted session is not deleted twice")
}

func TestWithSession_CanceledContext(t *testing.T) {
	e, sessions := newEngine(t)
	ctx, cancel := context.WithCancel(t.Context())

	err := accel.WithSession(ctx, e, user("u2", "password2"), false, func(context.Context, *accel.Session) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, sessions.Len(), "delete runs after cancellation")
}

func TestConcurrentSessions(t *testing.T) {
	e, sessions := newEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.CreateSession(t.Context(), user("u3", "password3"), false, rbac.NewUserRole("u3", "R3"))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, e.AddActiveRole(t.Context(), s, rbac.NewUserRole("u3", "R3a")))
			assert.NoError(t, e.DropActiveRole(t.Context(), s, rbac.NewUserRole("u3", "R3")))
			assert.Equal(t, []string{"R3a"}, rbac.RoleNames(s.Roles()))
			assert.NoError(t, e.DeleteSession(t.Context(), s))
		}()
	}
	wg.Wait()
	assert.Zero(t, sessions.Len())
}
