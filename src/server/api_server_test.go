package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-streamer/src/helpers"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

type stubMarket struct {
	stubStore
	candles map[string][]models.MCandle
	fresh   map[string]bool
}

func (s stubMarket) GetFresh(id string) (*models.MTick, bool) {
	if !s.fresh[id] {
		return nil, false
	}
	return s.GetBestEffort(id)
}

func (s stubMarket) GetBestEffort(id string) (*models.MTick, bool) {
	tick := s.snap[id]
	return tick, tick != nil
}

func (s stubMarket) Candles(id string, n int) []models.MCandle {
	c := s.candles[id]
	if n > 0 && n < len(c) {
		return c[len(c)-n:]
	}
	return c
}

func (s stubMarket) Symbols() []string { return []string{"TCS", "RELIANCE", "INFY"} }

type stubInstaller struct {
	tokens []string
	err    error
}

func (s *stubInstaller) InstallCredential(_ context.Context, token string) error {
	if s.err != nil {
		return s.err
	}
	s.tokens = append(s.tokens, token)
	return nil
}

func newTestAPI(t *testing.T) (*APIServer, *stubInstaller) {
	t.Helper()
	h := newTestHub(t, 64)
	market := stubMarket{
		stubStore: stubStore{snap: map[string]*models.MTick{
			"TCS":      {InstrumentID: "TCS", Price: 3000},
			"INFY":     {InstrumentID: "INFY", Price: 1500},
			"RELIANCE": nil,
		}},
		candles: map[string][]models.MCandle{
			"TCS": {{InstrumentID: "TCS", Open: 1}, {InstrumentID: "TCS", Open: 2}, {InstrumentID: "TCS", Open: 3}},
		},
		fresh: map[string]bool{"TCS": true},
	}
	installer := &stubInstaller{}
	cfg := &models.MConfig{Host: "127.0.0.1", Port: 0, LogLevel: "INFO", AdminKey: testAdminKey}
	api := NewAPIServer(cfg, h, market, stubHealth{state: models.FeedConnected}, stubCreds{state: models.CredentialExpired},
		stubClock{phase: models.PhaseLive}, installer, promhttp.Handler(), logger.Nop())
	return api, installer
}

const testAdminKey = "admin-secret"

func newJSONRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := newJSONRequest(method, path, body)
	if method == http.MethodPost {
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
	}
	return serveJSON(t, handler, req)
}

func serveJSON(t *testing.T, handler http.Handler, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

// -----------------------------------------------------------------------------

func TestHealthAndStatusRoutes(t *testing.T) {
	api, _ := newTestAPI(t)

	code, body := doJSON(t, api.Handler(), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["feed_state"])

	code, body = doJSON(t, api.Handler(), http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "expired", body["authState"])
	assert.Equal(t, "live", body["marketStatus"])
	assert.Equal(t, 42.0, body["seconds_until_next_phase"])
}

func TestSnapshotRoute(t *testing.T) {
	api, _ := newTestAPI(t)
	code, body := doJSON(t, api.Handler(), http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Nil(t, data["RELIANCE"])
	assert.Equal(t, 3000.0, data["TCS"].(map[string]interface{})["price"])
}

func TestCandlesRoute(t *testing.T) {
	api, _ := newTestAPI(t)

	code, body := doJSON(t, api.Handler(), http.MethodGet, "/api/candles/TCS?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["count"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, 2.0, summary["count"])
	assert.Equal(t, 2.0, summary["open"])

	code, body = doJSON(t, api.Handler(), http.MethodGet, "/api/candles/RELIANCE", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["count"])
	assert.NotNil(t, body["candles"])

	code, _ = doJSON(t, api.Handler(), http.MethodGet, "/api/candles/WIPRO", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, api.Handler(), http.MethodGet, "/api/candles/TCS?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCredentialRoute(t *testing.T) {
	api, installer := newTestAPI(t)

	code, _ := doJSON(t, api.Handler(), http.MethodPost, "/api/credential", `{"access_token":"new-token"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"new-token"}, installer.tokens)

	code, _ = doJSON(t, api.Handler(), http.MethodPost, "/api/credential", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	installer.err = helpers.NewAuthError("profile check failed", nil)
	code, _ = doJSON(t, api.Handler(), http.MethodPost, "/api/credential", `{"access_token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCredentialRouteRequiresAdminKey(t *testing.T) {
	api, installer := newTestAPI(t)

	code, _ := serveJSON(t, api.Handler(), newJSONRequest(http.MethodPost, "/api/credential", `{"access_token":"x"}`))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := newJSONRequest(http.MethodPost, "/api/credential", `{"access_token":"x"}`)
	req.Header.Set("Authorization", "Bearer wrong")
	code, _ = serveJSON(t, api.Handler(), req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Empty(t, installer.tokens)
}

func TestCredentialRouteLoopbackOnlyWithoutKey(t *testing.T) {
	api, installer := newTestAPI(t)
	api.Config.AdminKey = ""

	remote := newJSONRequest(http.MethodPost, "/api/credential", `{"access_token":"x"}`)
	remote.RemoteAddr = "203.0.113.7:51000"
	code, _ := serveJSON(t, api.Handler(), remote)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Empty(t, installer.tokens)

	local := newJSONRequest(http.MethodPost, "/api/credential", `{"access_token":"local-token"}`)
	local.RemoteAddr = "127.0.0.1:51000"
	code, _ = serveJSON(t, api.Handler(), local)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"local-token"}, installer.tokens)
}

func TestQuoteRoute(t *testing.T) {
	api, _ := newTestAPI(t)

	code, body := doJSON(t, api.Handler(), http.MethodGet, "/api/quote/TCS", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["stale"])
	assert.Equal(t, 3000.0, body["data"].(map[string]interface{})["price"])

	code, body = doJSON(t, api.Handler(), http.MethodGet, "/api/quote/INFY", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["stale"], "past TTL falls back to the last known tick")
	assert.Equal(t, 1500.0, body["data"].(map[string]interface{})["price"])

	code, _ = doJSON(t, api.Handler(), http.MethodGet, "/api/quote/INFY?fresh=true", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = doJSON(t, api.Handler(), http.MethodGet, "/api/quote/RELIANCE", "")
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["data"])

	code, _ = doJSON(t, api.Handler(), http.MethodGet, "/api/quote/WIPRO", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsRoute(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketEndToEnd(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	readType := func() (string, map[string]interface{}) {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		return msg["type"].(string), msg
	}

	typ, snap := readType()
	assert.Equal(t, models.MsgSnapshot, typ)
	assert.Equal(t, "live", snap["marketStatus"])

	typ, _ = readType()
	assert.Equal(t, models.MsgConnectionStatus, typ)

	require.NoError(t, conn.WriteJSON(models.MControlMessage{Type: models.MsgPing}))
	typ, _ = readType()
	assert.Equal(t, models.MsgPong, typ)

	api.Hub.BroadcastTick(models.MTick{InstrumentID: "TCS", Price: 3005})
	typ, tick := readType()
	assert.Equal(t, models.MsgTick, typ)
	assert.Equal(t, 3005.0, tick["data"].(map[string]interface{})["price"])
}
