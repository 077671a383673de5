package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/imagerotation/internal/auth"
	"github.com/ILLUVRSE/imagerotation/internal/media"
	"github.com/ILLUVRSE/imagerotation/internal/metrics"
	"github.com/ILLUVRSE/imagerotation/internal/models"
	"github.com/ILLUVRSE/imagerotation/internal/reconcile"
	"github.com/ILLUVRSE/imagerotation/internal/rotation"
	"github.com/ILLUVRSE/imagerotation/internal/store"
)

const (
	debugToken = "dev-token"
	secret     = "admin-secret"
	productID  = "gid://shopify/Product/9"
)

type env struct {
	t       *testing.T
	st      *store.MemoryStore
	gallery *media.MemoryGallery
	server  *httptest.Server
	id      uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	g := media.NewMemoryGallery()
	g.Seed(productID, nil, "https://cdn.example.com/a.jpg")
	m := metrics.New()
	engine := rotation.NewEngine(rotation.Deps{
		Store:      st,
		Provider:   media.StaticProvider{Client: g},
		Reconciler: reconcile.New(reconcile.Options{Recorder: st, Ops: m, ReorderTimeout: 100 * time.Millisecond}),
		Metrics:    m,
	})
	verifier, err := auth.NewVerifier(auth.Config{Secret: secret, Scope: "rotation:write"})
	require.NoError(t, err)
	srv := New(Config{AllowDebugToken: true, DebugToken: debugToken}, engine, st, verifier, m.Handler(), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	test, err := st.CreateTest(context.Background(), store.TestInput{
		Shop:                    "demo.myshopify.com",
		ProductID:               productID,
		RotationIntervalMinutes: 60,
		Control:                 []models.MediaItem{{SourceURL: "https://cdn.example.com/a.jpg", Position: 0}},
		Treatment:               []models.MediaItem{{SourceURL: "https://cdn.example.com/b.jpg", Position: 0}},
	})
	require.NoError(t, err)
	return &env{t: t, st: st, gallery: g, server: ts, id: test.ID}
}

func (e *env) do(method, path, body string, headers ...string) (int, map[string]interface{}) {
	e.t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(e.t, err)
	if len(headers) == 0 {
		headers = []string{"X-Debug-Token", debugToken}
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) path(suffix string) string {
	return "/tests/" + e.id.String() + suffix
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	e := newEnv(t)
	code, body := e.do("GET", "/health", "", "X-None", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do("POST", "/rotations/run", "", "X-Debug-Token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	readOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "viewer", "scope": "rotation:read", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	code, _ = e.do("POST", "/rotations/run", "", "Authorization", "Bearer "+readOnly)
	assert.Equal(t, http.StatusForbidden, code)

	writer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops", "scope": "rotation:write", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	code, body := e.do("POST", "/rotations/run", "", "Authorization", "Bearer "+writer)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["processed"])
}

func TestLifecycleAndRotateFlow(t *testing.T) {
	e := newEnv(t)

	code, body := e.do("POST", e.path("/rotate"), "")
	assert.Equal(t, http.StatusConflict, code, "draft tests cannot rotate")
	assert.Contains(t, body["error"], "DRAFT")

	code, body = e.do("POST", e.path("/activate"), "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "ACTIVE", body["status"])

	code, body = e.do("POST", e.path("/rotate"), `{"target":"TEST"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "TEST", body["to"])
	assert.Equal(t, []string{"https://cdn.example.com/b.jpg"}, e.gallery.Gallery(productID))

	code, body = e.do("POST", e.path("/pause"), "")
	require.Equal(t, http.StatusOK, code, body)
	test := body["test"].(map[string]interface{})
	assert.Equal(t, "PAUSED", test["status"])
	assert.Equal(t, "CONTROL", test["activeVariant"])

	code, body = e.do("GET", e.path("/history"), "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["entries"], 2)

	code, _ = e.do("POST", e.path("/pause"), "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = e.do("POST", e.path("/resume"), "")
	assert.Equal(t, http.StatusOK, code)
	code, body = e.do("POST", e.path("/complete"), "")
	require.Equal(t, http.StatusOK, code, body)
}

func TestRotateFailureIsBadGateway(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do("POST", e.path("/activate"), "")
	require.Equal(t, http.StatusOK, code)
	e.gallery.Fail["create"] = media.ErrRejected

	code, body := e.do("POST", e.path("/rotate"), "")
	assert.Equal(t, http.StatusBadGateway, code)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, false, result["succeeded"])
	assert.Equal(t, string(reconcile.KindRejected), result["kind"])
}

func TestVariantAtAndLookups(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do("GET", "/tests/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do("GET", "/tests/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := e.do("GET", e.path(""), "")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body["control"])

	code, _ = e.do("GET", e.path("/variant-at"), "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do("GET", e.path("/variant-at?t=2026-05-01T10:00:00Z"), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CONTROL", body["variant"])

	code, body = e.do("GET", "/tests?status=draft", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tests"], 1)
	code, _ = e.do("GET", "/tests?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do("POST", e.path("/rotate"), `{"target":"SIDEWAYS"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}
