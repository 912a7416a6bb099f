package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeblocks/internal/dispatch"
	"codeblocks/internal/models"
	"codeblocks/internal/presence"
	"codeblocks/internal/rooms"
	"codeblocks/internal/session"
	"codeblocks/internal/store/redisstore"
)

type testServer struct {
	mr     *miniredis.Miniredis
	store  *redisstore.Store
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Create(context.Background(), &models.Room{
		ID:           "async",
		Title:        "Async Function",
		Code:         "X",
		OriginalCode: "X",
		Solution:     "const x = 1;",
	}))

	hub := session.NewHub(nil)
	tracker := presence.NewTracker()
	mgr := rooms.NewManager(st, tracker, hub, nil, time.Second)
	d := dispatch.New(mgr, tracker, hub, nil)
	h := NewHandlers(nil, st, hub, d, time.Second, []string{"*"})

	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Get("/api/v1/codeblocks", h.ListCodeBlocks)
	r.Get("/api/v1/codeblocks/{id}", h.GetCodeBlock)
	r.Get("/ws", h.CollabWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{mr: mr, store: st, server: srv}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, eventType string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": eventType, "data": data}))
}

// readUntil reads frames until one of eventType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) rawFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f rawFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", eventType)
		if f.Type == eventType {
			return f
		}
	}
}

func decodeData[T any](t *testing.T, f rawFrame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReady(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.mr.Close()
	resp, err = http.Get(s.server.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListCodeBlocksHidesSolution(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.server.URL + "/api/v1/codeblocks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.EqualValues(t, 1, raw["total"])
	items := raw["items"].([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, "async", item["id"])
	assert.Equal(t, "Async Function", item["title"])
	assert.NotContains(t, item, "solution")
}

func TestGetCodeBlock(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.server.URL + "/api/v1/codeblocks/async")
	require.NoError(t, err)
	var view models.CodeBlockView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, models.CodeBlockView{ID: "async", Title: "Async Function", Code: "X"}, view)

	resp, err = http.Get(s.server.URL + "/api/v1/codeblocks/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestCollabWSMentorStudentFlow(t *testing.T) {
	s := newTestServer(t)
	mentor := s.dial(t)
	student := s.dial(t)

	send(t, mentor, models.EventJoinRoom, models.JoinRoom{Room: "async"})
	role := decodeData[models.RoleAssigned](t, readUntil(t, mentor, models.EventRoleAssigned))
	assert.True(t, role.IsMentor)
	readUntil(t, mentor, models.EventRoomUpdate)

	send(t, student, models.EventJoinRoom, models.JoinRoom{Room: "async"})
	role = decodeData[models.RoleAssigned](t, readUntil(t, student, models.EventRoleAssigned))
	assert.False(t, role.IsMentor)
	snapshot := decodeData[models.CodeUpdate](t, readUntil(t, student, models.EventCodeUpdate))
	assert.Equal(t, "X", snapshot.Code)

	update := decodeData[models.RoomUpdate](t, readUntil(t, mentor, models.EventRoomUpdate))
	assert.Equal(t, 1, update.StudentCount)

	send(t, student, models.EventCodeChange, models.CodeChange{Room: "async", Code: " const x = 1; "})
	for _, conn := range []*websocket.Conn{mentor, student} {
		cu := decodeData[models.CodeUpdate](t, readUntil(t, conn, models.EventCodeUpdate))
		assert.Equal(t, " const x = 1; ", cu.Code)
		assert.True(t, cu.IsSolved)
		assert.NotEmpty(t, cu.Sender)
	}

	require.NoError(t, mentor.Close())
	readUntil(t, student, models.EventMentorLeft)

	assert.Eventually(t, func() bool {
		room, err := s.store.Get(context.Background(), "async")
		return err == nil && room.MentorID == "" && room.Code == "X" && room.StudentCount == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCollabWSStudentDisconnectUpdatesCount(t *testing.T) {
	s := newTestServer(t)
	mentor := s.dial(t)
	student := s.dial(t)

	send(t, mentor, models.EventJoinRoom, models.JoinRoom{Room: "async"})
	readUntil(t, mentor, models.EventRoleAssigned)
	readUntil(t, mentor, models.EventRoomUpdate)
	send(t, student, models.EventJoinRoom, models.JoinRoom{Room: "async"})
	readUntil(t, student, models.EventRoleAssigned)
	assert.Equal(t, 1, decodeData[models.RoomUpdate](t, readUntil(t, mentor, models.EventRoomUpdate)).StudentCount)

	require.NoError(t, student.Close())
	assert.Equal(t, 0, decodeData[models.RoomUpdate](t, readUntil(t, mentor, models.EventRoomUpdate)).StudentCount)
}

func TestCollabWSUnknownRoom(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)

	send(t, conn, models.EventJoinRoom, models.JoinRoom{Room: "missing"})
	msg := decodeData[models.Message](t, readUntil(t, conn, models.EventRoomNotFound))
	assert.NotEmpty(t, msg.Message)
	readUntil(t, conn, models.EventRedirectToLobby)
}

func TestCollabWSMalformedFrames(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	readUntil(t, conn, models.EventError)

	send(t, conn, models.EventJoinRoom, map[string]string{})
	readUntil(t, conn, models.EventError)

	// the connection survives rejected frames
	send(t, conn, models.EventJoinRoom, models.JoinRoom{Room: "async"})
	readUntil(t, conn, models.EventRoleAssigned)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://lobby.test"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://lobby.test")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
