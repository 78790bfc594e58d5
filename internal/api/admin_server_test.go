package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/auth"
	"github.com/annel0/blockverse/internal/network"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
)

type fakeWorld struct{}

func (fakeWorld) Stats() world.StoreStats {
	return world.StoreStats{Loaded: 2, Pending: 1, Pinned: 1}
}

func (fakeWorld) LoadedCoords() []vec.ChunkCoord {
	return []vec.ChunkCoord{{X: 0, Y: 0, Z: 0}, {X: -1, Y: 0, Z: 2}}
}

type fakeServer struct{}

func (fakeServer) Connections() []network.ConnInfo {
	return []network.ConnInfo{{ID: "c1", PlayerID: 1, Name: "alice", State: "live"}}
}

func (fakeServer) CurrentTick() uint64 { return 77 }

func newTestServer(t *testing.T, tokens TokenAuthority) *AdminServer {
	t.Helper()
	return NewAdminServer(Config{
		World:  fakeWorld{},
		Server: fakeServer{},
		Tokens: tokens,
		Admins: []string{"admin"},
	})
}

func do(s *AdminServer, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsTick(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 77.0, body["tick"])
}

func TestWorldAndConnectionsOpenWithoutAuthority(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/api/world?coords=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"loaded":2`)
	assert.Contains(t, rec.Body.String(), `"-1:0:2"`)

	rec = do(s, http.MethodGet, "/api/connections", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"alice"`)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = do(s, http.MethodPost, "/api/tokens", "", `{"name":"bob"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "без центра выпуска маршрута нет")
}

func TestAdminTokensRequired(t *testing.T) {
	authority, err := auth.NewTokenAuthority("admin-secret", "blockverse", time.Hour)
	require.NoError(t, err)
	s := newTestServer(t, authority)

	rec := do(s, http.MethodGet, "/api/world", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodGet, "/api/world", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	player, _ := authority.IssueToken("alice")
	rec = do(s, http.MethodGet, "/api/world", player, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "токен игрока не даёт доступа к админке")

	admin, _ := authority.IssueToken("admin")
	rec = do(s, http.MethodGet, "/api/world", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssueTokenForPlayer(t *testing.T) {
	authority, _ := auth.NewTokenAuthority("admin-secret", "blockverse", time.Hour)
	s := newTestServer(t, authority)
	admin, _ := authority.IssueToken("admin")

	rec := do(s, http.MethodPost, "/api/tokens", admin, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/api/tokens", admin, `{"name":"bob"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	name, err := authority.VerifyToken(resp.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
}

func TestMetricsEndpointExposesHTTPMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	do(s, http.MethodGet, "/health", "", "")

	rec := do(s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blockverse_admin_api_http_request_duration_seconds")
}
