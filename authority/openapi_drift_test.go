package authority

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestOpenAPIDrift compares the routes registered by Router with the paths
// documented in the embedded openapi.yaml, in both directions.
func TestOpenAPIDrift(t *testing.T) {
	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	var documented []string
	for path, methods := range doc.Paths {
		for method := range methods {
			if strings.HasPrefix(method, "x-") || method == "parameters" {
				continue
			}
			documented = append(documented, strings.ToUpper(method)+" "+path)
		}
	}

	// Router only registers handlers, so a zero Authority is enough.
	var registered []string
	err := chi.Walk((&Authority{}).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		registered = append(registered, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	slices.Sort(documented)
	slices.Sort(registered)
	assert.Equal(t, documented, registered, "openapi.yaml and Router() disagree")
}
