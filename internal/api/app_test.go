package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/conversation"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/receipts"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("some_secret")

type testApp struct {
	app  *App
	repo *database.MemoryRepository
	srv  *httptest.Server
	room types.Room
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()
	log := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	for _, u := range []types.User{{Id: 1, Username: "alice"}, {Id: 2, Username: "bob"}, {Id: 3, Username: "carol"}} {
		_, err := repo.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	room, err := repo.CreateGroupRoom(ctx, database.CreateGroupRoomParams{Name: "general", UserIds: []int64{1, 2}})
	require.NoError(t, err)

	st := stats.NewNopMock()
	registry := server.NewRegistry(nil, st, log)
	tracker := presence.NewTracker(repo, log)
	reconciler := receipts.NewReconciler(repo, log)
	gw := server.NewGateway(server.GatewayDeps{
		Repo:     repo,
		Registry: registry,
		Presence: tracker,
		Receipts: reconciler,
		Resolver: conversation.NewResolver(repo, log),
		Stats:    st,
	}, server.GatewayConfig{SendQueueSize: 16, OperationTimeout: time.Second}, log)

	cfg := &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:3000"},
		NotifyToken:    "notify-secret",
	}
	app := NewApp(AppDeps{
		Repo:       repo,
		Gateway:    gw,
		Presence:   tracker,
		Receipts:   reconciler,
		Principals: auth.NewJWTResolver(signingKey, repo, log),
	}, cfg, log)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
		srv.Close()
		registry.Close()
	})

	return &testApp{app: app, repo: repo, srv: srv, room: room}
}

func (ta *testApp) get(t *testing.T, path string, userId int64) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ta.srv.URL+path, nil)
	require.NoError(t, err)
	if userId != 0 {
		req.Header.Set("Authorization", "Bearer "+testutil.SignToken(t, signingKey, userId, ""))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ta *testApp) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(ta.srv.URL, "http") + path
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	ta := newTestApp(t)
	resp := ta.get(t, "/healthz", 0)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeWs_RefusedBeforeUpgrade(t *testing.T) {
	ta := newTestApp(t)
	roomPath := fmt.Sprintf("/ws/chat/%d", ta.room.Id)

	tcases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{name: "no token", path: roomPath, status: http.StatusUnauthorized},
		{name: "bad token", path: roomPath + "?token=garbage", status: http.StatusUnauthorized},
		{name: "unknown room", path: "/ws/chat/999?token=" + testutil.SignToken(t, signingKey, 1, ""), status: http.StatusNotFound},
		{name: "not a participant", path: roomPath + "?token=" + testutil.SignToken(t, signingKey, 3, ""), status: http.StatusNotFound},
		{name: "unknown peer", path: "/ws/direct/999?token=" + testutil.SignToken(t, signingKey, 1, ""), status: http.StatusNotFound},
		{name: "self as peer", path: "/ws/direct/1?token=" + testutil.SignToken(t, signingKey, 1, ""), status: http.StatusNotFound},
		{name: "invalid room id", path: "/ws/chat/abc?token=" + testutil.SignToken(t, signingKey, 1, ""), status: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(ta.wsURL(tc.path), nil)
			require.Error(t, err, "expected handshake to be refused")
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestServeWs_Connects(t *testing.T) {
	ta := newTestApp(t)

	tcases := []struct {
		name string
		path string
	}{
		{name: "group room", path: fmt.Sprintf("/ws/chat/%d?token=%s", ta.room.Id, testutil.SignToken(t, signingKey, 1, ""))},
		{name: "direct", path: "/ws/direct/3?token=" + testutil.SignToken(t, signingKey, 1, "")},
		{name: "notifications", path: "/ws/notifications?token=" + testutil.SignToken(t, signingKey, 2, "")},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(ta.wsURL(tc.path), nil)
			require.NoError(t, err)
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var env map[string]any
			require.NoError(t, conn.ReadJSON(&env))
			assert.Equal(t, "connection_established", env["type"])
		})
	}
}

func TestServeWs_RejectsForeignOrigin(t *testing.T) {
	ta := newTestApp(t)
	path := fmt.Sprintf("/ws/chat/%d?token=%s", ta.room.Id, testutil.SignToken(t, signingKey, 1, ""))

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(ta.wsURL(path), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetMessages(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := ta.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: ta.room.Id, SenderId: 1, Body: fmt.Sprintf("m%d", i+1)})
		require.NoError(t, err)
	}

	resp := ta.get(t, fmt.Sprintf("/api/rooms/%d/messages?before=20&limit=5", ta.room.Id), 2)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Messages []types.Message `json:"messages"`
		HasMore  bool            `json:"has_more"`
	}](t, resp)
	require.Len(t, page.Messages, 5)
	for i, m := range page.Messages {
		assert.Equal(t, int64(15+i), m.Id, "expected ascending ids 15-19")
	}
	assert.True(t, page.HasMore)

	resp = ta.get(t, fmt.Sprintf("/api/rooms/%d/messages", ta.room.Id), 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ta.get(t, fmt.Sprintf("/api/rooms/%d/messages?limit=zero", ta.room.Id), 1)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.get(t, fmt.Sprintf("/api/rooms/%d/messages", ta.room.Id), 3)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "expected non-participant to be refused")

	resp = ta.get(t, fmt.Sprintf("/api/rooms/%d/messages", ta.room.Id), 0)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetUnreadCount(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	msg, err := ta.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: ta.room.Id, SenderId: 1, Body: "one"})
	require.NoError(t, err)
	_, err = ta.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: ta.room.Id, SenderId: 1, Body: "two"})
	require.NoError(t, err)
	_, err = ta.repo.InsertReadStatus(ctx, msg.Id, 2, time.Now())
	require.NoError(t, err)

	resp := ta.get(t, fmt.Sprintf("/api/rooms/%d/unread", ta.room.Id), 2)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[UnreadCountResponse](t, resp)
	assert.Equal(t, UnreadCountResponse{RoomId: ta.room.Id, UnreadCount: 1}, body)
}

func TestGetPresence(t *testing.T) {
	ta := newTestApp(t)

	conn, _, err := websocket.DefaultDialer.Dial(ta.wsURL("/ws/notifications?token="+testutil.SignToken(t, signingKey, 2, "")), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	resp := ta.get(t, "/api/presence?user_id=2&user_id=3", 1)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decode[[]types.PresenceRecord](t, resp)
	require.Len(t, records, 2)
	assert.True(t, records[0].IsOnline, "expected connected user to be online")
	assert.False(t, records[1].IsOnline)

	resp = ta.get(t, "/api/presence", 1)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ta.get(t, "/api/presence?user_id=x", 1)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotify(t *testing.T) {
	ta := newTestApp(t)

	conn, _, err := websocket.DefaultDialer.Dial(ta.wsURL("/ws/notifications?token="+testutil.SignToken(t, signingKey, 2, "")), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, "connection_established", env["type"])

	post := func(token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ta.srv.URL+"/api/notify", strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set(notifyTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusForbidden, post("", `{}`).StatusCode)
	assert.Equal(t, http.StatusForbidden, post("wrong", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("notify-secret", `{"user_id":2}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("notify-secret", `nope`).StatusCode)

	resp := post("notify-secret", `{"user_id":"2","notification_type":"new_post","message":"alice posted","data":{"post_id":9}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "notification", env["type"])
	assert.Equal(t, "new_post", env["notification_type"])
	assert.Equal(t, "alice posted", env["message"])
}

func TestNotifyDisabled(t *testing.T) {
	ta := newTestApp(t)
	ta.app.notifyToken = ""

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader(`{}`))
	ta.app.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConvertToGroup(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	direct, err := ta.repo.CreateDirectRoom(ctx, database.CreateDirectRoomParams{
		DirectKey: "1:3",
		Name:      "alice, carol",
		UserIds:   [2]int64{1, 3},
	})
	require.NoError(t, err)
	_, err = ta.repo.CreateMessage(ctx, database.CreateMessageParams{RoomId: direct.Id, SenderId: 3, Body: "hi alice"})
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(ta.wsURL("/ws/notifications?token="+testutil.SignToken(t, signingKey, 3, "")), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]any
	require.NoError(t, conn.ReadJSON(&env))

	post := func(roomId, userId int64, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/rooms/%d/convert", ta.srv.URL, roomId), strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testutil.SignToken(t, signingKey, userId, ""))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(ta.room.Id, 1, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected group room to be refused")
	resp = post(direct.Id, 2, `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "expected non-participant to be refused")

	resp = post(direct.Id, 1, `{"name":"trio","add_user_ids":["2"],"copy_messages":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decode[types.Room](t, resp)
	assert.True(t, group.IsGroup)
	assert.Equal(t, "trio", group.Name)
	assert.Len(t, group.Participants, 3)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "notification", env["type"])
	assert.Equal(t, "group_created", env["notification_type"])

	msgs, err := ta.repo.ListMessagesBefore(ctx, group.Id, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageKindSystem, msgs[0].Kind)
	assert.Equal(t, types.MessageKindCopy, msgs[1].Kind)
}
