package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rbacaccel/authority"
	"github.com/jmcleod/rbacaccel/internal/config"
	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/internal/uuid"
	"github.com/jmcleod/rbacaccel/protocol"
	"github.com/jmcleod/rbacaccel/storage/memory"
	"github.com/jmcleod/rbacaccel/transport"
)

const testSecret = "transport-test-secret"

func newAuthority(t *testing.T, opts ...authority.Option) *authority.Authority {
	t.Helper()
	doc, err := authority.LoadDocumentFile("../authority/testdata/policy.yaml")
	require.NoError(t, err)
	policy := authority.NewPolicyStore(memory.NewRepository(),
		authority.WithPasswordParams(util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}))
	require.NoError(t, policy.Load(t.Context(), doc))
	a, err := authority.New(t.Context(), policy, authority.NewMemorySessionStore(0), opts...)
	require.NoError(t, err)
	return a
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	a := newAuthority(t, authority.WithServiceSecret(testSecret))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func createRequest() protocol.Request {
	return protocol.Request{
		Ver:      protocol.Version,
		ID:       uuid.New(),
		Op:       protocol.OpCreateSession,
		UserID:   "u2",
		Password: []byte("password2"),
	}
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	srv := startServer(t)
	client := transport.NewHTTPClient(config.ClientConfig{
		AuthorityURL:  srv.URL + "/",
		Timeout:       5 * time.Second,
		ServiceSecret: testSecret,
	})

	req := createRequest()
	resp, err := client.RoundTrip(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, []string{"R1"}, resp.Roles)
}

func TestHTTPClient_BadRequestIsAResponse(t *testing.T) {
	srv := startServer(t)
	client := transport.NewHTTPClient(config.ClientConfig{AuthorityURL: srv.URL, ServiceSecret: testSecret})

	req := createRequest()
	req.Ver = 99
	resp, err := client.RoundTrip(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBadRequest, resp.Status)
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	srv := startServer(t)
	client := transport.NewHTTPClient(config.ClientConfig{AuthorityURL: srv.URL, ServiceSecret: "wrong"})

	_, err := client.RoundTrip(t.Context(), createRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	client := transport.NewHTTPClient(config.ClientConfig{AuthorityURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := client.RoundTrip(t.Context(), createRequest())
	require.Error(t, err)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := transport.NewHTTPClient(config.ClientConfig{AuthorityURL: url, Timeout: time.Second})
	_, err := client.RoundTrip(t.Context(), createRequest())
	require.Error(t, err)
}

func TestLoopback(t *testing.T) {
	lb := transport.NewLoopback(newAuthority(t))

	req := createRequest()
	resp, err := lb.RoundTrip(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, "password2", string(req.Password), "caller's request is not modified")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = lb.RoundTrip(ctx, createRequest())
	require.ErrorIs(t, err, context.Canceled)
}
