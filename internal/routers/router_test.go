package routers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeblocks/internal/api"
	"codeblocks/internal/dispatch"
	"codeblocks/internal/presence"
	"codeblocks/internal/rooms"
	"codeblocks/internal/session"
	"codeblocks/internal/store/redisstore"
)

func newTestRouter(t *testing.T, origins []string) *httptest.Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	hub := session.NewHub(nil)
	tracker := presence.NewTracker()
	d := dispatch.New(rooms.NewManager(st, tracker, hub, nil, time.Second), tracker, hub, nil)
	h := api.NewHandlers(nil, st, hub, d, time.Second, origins)

	server := httptest.NewServer(New(h, origins))
	t.Cleanup(server.Close)
	return server
}

func TestNewRouterHealthEndpoint(t *testing.T) {
	server := newTestRouter(t, []string{"*"})

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRouterExposesMetrics(t *testing.T) {
	server := newTestRouter(t, []string{"*"})

	resp, err := http.Get(server.URL + "/api/v1/codeblocks")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `codeblocks_http_requests_total{method="GET",path="/api/v1/codeblocks`))
}

func TestNewRouterCORS(t *testing.T) {
	server := newTestRouter(t, []string{"http://lobby.test"})

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/codeblocks", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://lobby.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://lobby.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewRouterUnknownRoute(t *testing.T) {
	server := newTestRouter(t, []string{"*"})

	resp, err := http.Get(server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
