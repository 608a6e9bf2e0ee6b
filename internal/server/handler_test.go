package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/kgserve/internal/assets"
	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/loader"
	"github.com/kilupskalvis/kgserve/internal/query"
	"github.com/kilupskalvis/kgserve/internal/server/graphql"
	"github.com/kilupskalvis/kgserve/internal/store"
)

const testAdminToken = "admin-secret"

const testManifest = `{
	"bundle_id": "people-1",
	"domain": "people",
	"created_at": "2024-01-15T10:00:00Z",
	"entities": {"path": "entities.jsonl"},
	"relationships": {"path": "relationships.jsonl"}
}`

const testEntities = `{"entity_id": "A", "entity_type": "person", "name": "Alice", "properties": {"html": "<b>bold</b> & more", "n": 1}}
{"entity_id": "B", "entity_type": "person", "name": "Bob"}
{"entity_id": "C", "entity_type": "place", "name": "Cairo"}
`

const testRelationships = `{"subject_id": "A", "predicate": "knows", "object_id": "B"}
{"subject_id": "A", "predicate": "visited", "object_id": "C"}
`

// testEnv wires a real loader, store and query service behind an httptest server.
type testEnv struct {
	ts     *httptest.Server
	loader *loader.Loader
	source string
	docs   *assets.FSStore
}

func writeBundle(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func newTestEnv(t *testing.T, cfg *ServerConfig, maxLimit int) *testEnv {
	t.Helper()

	src := t.TempDir()
	writeBundle(t, src, map[string]string{
		"manifest.json":       testManifest,
		"entities.jsonl":      testEntities,
		"relationships.jsonl": testRelationships,
	})

	st, err := store.Open(context.Background(), "sqlite:///:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	docs, err := assets.NewFSStore(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	ld := loader.New(st, loader.Config{Source: src, Assets: docs, Metrics: loader.NewMetrics(reg)})

	q := query.New(st, maxLimit, query.WithRegisterer(reg))
	h, cleanup := Handler(Deps{
		Query:      q,
		Loader:     ld,
		Assets:     docs,
		GraphQL:    graphql.Handler(q, nil),
		Registerer: reg,
		Gatherer:   reg,
	}, cfg, nil)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		cleanup()
	})

	return &testEnv{ts: ts, loader: ld, source: src, docs: docs}
}

func (e *testEnv) load(t *testing.T) {
	t.Helper()
	_, err := e.loader.Reload(context.Background())
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (e *testEnv) admin(t *testing.T, method, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

// ==================== Health Tests ====================

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, 100)

	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil, 100)

	resp, body := env.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "idle", decode(t, body)["state"])

	env.load(t)

	resp, body = env.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode(t, body)
	assert.Equal(t, "active", status["state"])
	assert.Equal(t, true, status["ready"])
}

func TestQueryRoutesUnavailableBeforeLoad(t *testing.T) {
	env := newTestEnv(t, nil, 100)

	for _, path := range []string{"/api/v1/entities", "/api/v1/entities/A", "/api/v1/relationships", "/api/v1/bundle"} {
		resp, body := env.get(t, path)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		assert.Equal(t, "not_ready", decode(t, body)["error"], path)
	}
}

// ==================== Entity Tests ====================

func TestGetEntity(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	resp, body := env.get(t, "/api/v1/entities/A")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	e := decode(t, body)
	assert.Equal(t, "A", e["entity_id"])
	assert.Equal(t, "person", e["entity_type"])
	// Opaque properties come back unescaped.
	assert.Contains(t, string(body), `"html":"<b>bold</b> & more"`)

	resp, body = env.get(t, "/api/v1/entities/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode(t, body)["error"])
}

func TestListEntities(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	resp, body := env.get(t, "/api/v1/entities?entity_type=person")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode(t, body)
	assert.Equal(t, float64(2), page["total"])
	assert.Equal(t, float64(100), page["limit"])
	assert.Equal(t, float64(0), page["offset"])
	assert.Len(t, page["items"], 2)

	_, body = env.get(t, "/api/v1/entities?name_contains=AIR")
	page = decode(t, body)
	assert.Equal(t, float64(1), page["total"])
}

func TestListEntities_LimitCapped(t *testing.T) {
	env := newTestEnv(t, nil, 2)
	env.load(t)

	resp, body := env.get(t, "/api/v1/entities?limit=50&offset=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode(t, body)
	assert.Equal(t, float64(2), page["limit"])
	assert.Equal(t, float64(1), page["offset"])
	assert.Equal(t, float64(3), page["total"])
	assert.Len(t, page["items"], 2)
}

func TestListEntities_BadLimit(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	resp, body := env.get(t, "/api/v1/entities?limit=ten")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", decode(t, body)["error"])
}

// ==================== Relationship Tests ====================

func TestListRelationships(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	_, body := env.get(t, "/api/v1/relationships?subject_id=A")
	page := decode(t, body)
	assert.Equal(t, float64(2), page["total"])

	_, body = env.get(t, "/api/v1/relationships?subject_id=A&predicate=knows")
	page = decode(t, body)
	require.Equal(t, float64(1), page["total"])
	items := page["items"].([]any)
	assert.Equal(t, "B", items[0].(map[string]any)["object_id"])
}

func TestRelationshipLookup(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	q := url.Values{"subject_id": {"A"}, "predicate": {"knows"}, "object_id": {"B"}}
	resp, body := env.get(t, "/api/v1/relationships/lookup?"+q.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "knows", decode(t, body)["predicate"])

	q.Set("object_id", "C")
	resp, _ = env.get(t, "/api/v1/relationships/lookup?"+q.Encode())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/api/v1/relationships/lookup?subject_id=A")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBundle(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	env.load(t)

	resp, body := env.get(t, "/api/v1/bundle")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode(t, body)
	assert.Equal(t, "people-1", rec["bundle_id"])
	assert.Equal(t, "people", rec["domain"])
	assert.Equal(t, float64(3), rec["entity_count"])
	assert.Equal(t, float64(2), rec["relationship_count"])
	assert.True(t, strings.HasPrefix(rec["checksum"].(string), "blake3:"))
}

// ==================== Admin Tests ====================

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, nil, 100)

	resp, _ := env.admin(t, http.MethodPost, "/admin/reload", testAdminToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_Reload(t *testing.T) {
	env := newTestEnv(t, &ServerConfig{AdminToken: testAdminToken}, 100)

	resp, _ := env.admin(t, http.MethodPost, "/admin/reload", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.admin(t, http.MethodPost, "/admin/reload", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.admin(t, http.MethodPost, "/admin/reload", testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode(t, body)
	assert.Equal(t, "loaded", out["action"])
	assert.Equal(t, float64(3), out["entities"])

	resp, body = env.admin(t, http.MethodPost, "/admin/reload", testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", decode(t, body)["action"])

	resp, body = env.admin(t, http.MethodGet, "/admin/status", testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", decode(t, body)["state"])
}

func TestAdmin_ReloadConflictKeepsServing(t *testing.T) {
	env := newTestEnv(t, &ServerConfig{AdminToken: testAdminToken}, 100)
	env.load(t)

	writeBundle(t, env.source, map[string]string{
		"entities.jsonl": testEntities + `{"entity_id": "D", "entity_type": "person"}` + "\n",
	})

	resp, body := env.admin(t, http.MethodPost, "/admin/reload", testAdminToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "bundle_conflict", decode(t, body)["error"])

	resp, _ = env.get(t, "/api/v1/entities/A")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.get(t, "/api/v1/entities/D")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ==================== Metrics / Docs / Rate Limit ====================

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, 1)
	env.load(t)
	env.get(t, "/api/v1/entities?limit=5")

	resp, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `kgserve_http_requests_total{code="200",route="GET /api/v1/entities"} 1`)
	assert.Contains(t, text, "kgserve_bundle_loads_total")
	assert.Contains(t, text, "kgserve_query_limit_capped_total 1")
}

func TestDocs(t *testing.T) {
	env := newTestEnv(t, nil, 100)
	_, err := env.docs.Put(context.Background(), "guide/intro.md", strings.NewReader("# Intro"))
	require.NoError(t, err)
	_, err = env.docs.Put(context.Background(), "index.html", strings.NewReader("<html></html>"))
	require.NoError(t, err)

	resp, body := env.get(t, "/docs/guide/intro.md")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Intro", string(body))

	resp, body = env.get(t, "/docs/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html></html>", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, _ = env.get(t, "/docs/missing.md")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &ServerConfig{RequestsPerMinute: 2}, 100)
	env.load(t)

	for i := 0; i < 2; i++ {
		resp, _ := env.get(t, "/api/v1/entities/A")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := env.get(t, "/api/v1/entities/A")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"), "two per minute refills one token every 30s")
	assert.Equal(t, "rate_limited", decode(t, body)["error"])

	// Health probes are never limited.
	resp, _ = env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// ==================== Helper Tests ====================

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantKind string
	}{
		{loader.ErrNoSource, http.StatusConflict, "no_source"},
		{kgerr.BundleConflict("b", "x", "y"), http.StatusConflict, "bundle_conflict"},
		{kgerr.StorageUnavailable("query", errors.New("down")), http.StatusServiceUnavailable, "storage_unavailable"},
		{fmt.Errorf("wrapped: %w", kgerr.RowInvalid("e.jsonl", 3, "entity_id", "missing")), http.StatusUnprocessableEntity, "row_invalid"},
		{kgerr.ManifestInvalid("domain", "empty"), http.StatusUnprocessableEntity, "manifest_invalid"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		code, kind := errorStatus(tt.err)
		assert.Equal(t, tt.wantCode, code, tt.err.Error())
		assert.Equal(t, tt.wantKind, kind, tt.err.Error())
	}
}

// ==================== GraphQL Tests ====================

func TestGraphQL_Mounted(t *testing.T) {
	env := newTestEnv(t, nil, 100)

	resp, _ := env.get(t, "/graphql?query="+url.QueryEscape(`{ bundle { bundleId } }`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.load(t)
	resp, body := env.get(t, "/graphql?query="+url.QueryEscape(`{ entity(id: "A") { name } bundle { bundleId } }`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"data":{"entity":{"name":"Alice"},"bundle":{"bundleId":"people-1"}}}`, string(body))

	post, err := http.Post(env.ts.URL+"/graphql", "application/json",
		strings.NewReader(`{"query":"{ entities(limit: 1) { total limit } }"}`))
	require.NoError(t, err)
	defer post.Body.Close()
	raw, err := io.ReadAll(post.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"entities":{"total":3,"limit":1}}}`, string(raw))
}
