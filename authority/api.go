package authority

import (
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-openapi/runtime/middleware"
	"github.com/unrolled/secure"

	"github.com/jmcleod/rbacaccel/protocol"
)

// ExtendedPath is the route, relative to the API mount point, that carries
// protocol requests.
const ExtendedPath = "/extended"

//go:embed openapi.yaml
var openapiSpec []byte

// Router returns a chi.Router with the authority's HTTP API. Mount it under
// /api/v1.
func (a *Authority) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(securityHeaders().Handler)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/healthz", a.Health)

	r.Group(func(r chi.Router) {
		if a.requestRate > 0 {
			r.Use(httprate.Limit(a.requestRate, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(writeRateLimited),
			))
		}
		r.Use(a.ServiceAuth)
		r.Post(ExtendedPath, a.ServeExtended)
	})

	return r
}

func securityHeaders() *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		STSSeconds:         63072000,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})
}

// ServiceAuth rejects requests that do not carry the configured service
// secret as a bearer token. It is a no-op when no secret is configured.
func (a *Authority) ServiceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.serviceSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.serviceSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "service authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeExtended decodes one protocol request, handles it and writes the
// response. Protocol failures travel in the response status with HTTP 200;
// only undecodable bodies get HTTP 400.
func (a *Authority) ServeExtended(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, protocol.MaxMessageSize)
	req, err := protocol.DecodeRequest(r.Body)
	if err != nil {
		ctx := WithRemoteAddr(r.Context(), r.RemoteAddr)
		a.audit.logFailure(ctx, AuditBadRequest, "", err.Error())
		writeJSON(w, http.StatusBadRequest, protocol.Reply(req, protocol.StatusBadRequest, err.Error()))
		return
	}

	ctx := WithRemoteAddr(r.Context(), r.RemoteAddr)
	writeJSON(w, http.StatusOK, a.Handle(ctx, req))
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health reports whether the policy store is reachable.
func (a *Authority) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.policy.Roles(r.Context()); err != nil {
		a.logger.WarnContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ErrorResponse is the body of non-protocol HTTP errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	if w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}
