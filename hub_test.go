package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/stranger-chat/blockstore"
	"github.com/gosuda/stranger-chat/matchmaker"
)

const readTimeout = 2 * time.Second

type testEnv struct {
	hub   *Hub
	srv   *httptest.Server
	store *blockstore.Store
}

func newTestEnv(t *testing.T, opts ...matchmaker.Option) *testEnv {
	t.Helper()
	store, err := blockstore.Open("blocks", blockstore.WithFS(vfs.NewMem()))
	require.NoError(t, err)
	hub := NewHub(store, opts...)
	srv := httptest.NewServer(NewHTTPServer(hub, "*").Router())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = store.Close()
	})
	return &testEnv{hub: hub, srv: srv, store: store}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) waitStats(t *testing.T, want Stats) {
	t.Helper()
	assert.Eventually(t, func() bool { return e.hub.Stats() == want },
		readTimeout, 10*time.Millisecond, "want stats %+v, last %+v", want, e.hub.Stats())
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads events until one of the given type arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var ev ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			require.FailNow(t, "waiting for event", "type %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func register(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	send(t, conn, ClientMessage{Type: typeRegister, ID: id})
	ev := expect(t, conn, eventRegistered)
	require.Equal(t, id, ev.SessionID)
}

// pair registers two sessions and matches them on a shared mood.
func pair(t *testing.T, e *testEnv, idA, idB string) (a, b *websocket.Conn, roomID string) {
	t.Helper()
	a, b = e.dial(t), e.dial(t)
	register(t, a, idA)
	register(t, b, idB)

	send(t, a, ClientMessage{Type: typeFind, Mood: "calm"})
	expect(t, a, string(matchmaker.EventSearching))
	send(t, b, ClientMessage{Type: typeFind, Mood: "calm"})

	fb := expect(t, b, string(matchmaker.EventFound))
	fa := expect(t, a, string(matchmaker.EventFound))
	require.NotEmpty(t, fa.RoomID)
	require.Equal(t, fa.RoomID, fb.RoomID)
	require.NotNil(t, fa.Peer)
	require.NotNil(t, fb.Peer)
	assert.Equal(t, idB, fa.Peer.ID)
	assert.Equal(t, idA, fb.Peer.ID)
	return a, b, fa.RoomID
}

func TestHub_MatchRelayAndPartnerLeft(t *testing.T) {
	e := newTestEnv(t)
	a, b, roomID := pair(t, e, "alice", "bobby")

	send(t, a, ClientMessage{Type: typeSend, Text: "<b>hi</b> there", TempID: "t1"})
	msg := expect(t, b, eventMessage)
	assert.Equal(t, "hi there", msg.Text)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "Useralice", msg.SenderName)
	assert.Equal(t, roomID, msg.RoomID)

	ack := expect(t, a, eventAck)
	assert.Equal(t, "t1", ack.TempID)
	assert.Equal(t, msg.MessageID, ack.MessageID)

	send(t, b, ClientMessage{Type: typeTypingStart})
	typing := expect(t, a, eventTyping)
	assert.Equal(t, "bobby", typing.SenderID)
	require.NotNil(t, typing.Active)
	assert.True(t, *typing.Active)

	require.NoError(t, a.Close())
	left := expect(t, b, string(matchmaker.EventPartnerLeft))
	assert.Equal(t, roomID, left.RoomID)
	e.waitStats(t, Stats{Online: 1, Waiting: 0, Rooms: 1})

	send(t, b, ClientMessage{Type: typeLeaveRoom})
	roomLeft := expect(t, b, eventRoomLeft)
	assert.Equal(t, roomID, roomLeft.RoomID)
	assert.Equal(t, "left", roomLeft.Reason)
	e.waitStats(t, Stats{Online: 1, Waiting: 0, Rooms: 0})
}

func TestHub_ProtocolErrors(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t)
	register(t, a, "alice")

	tests := []struct {
		name string
		msg  ClientMessage
		code string
	}{
		{"unknown type", ClientMessage{Type: "nope"}, "unknown_type"},
		{"send outside room", ClientMessage{Type: typeSend, Text: "hello"}, "not_in_room"},
		{"empty message", ClientMessage{Type: typeSend, Text: "<i></i>"}, "empty_message"},
		{"leave outside room", ClientMessage{Type: typeLeaveRoom}, "not_in_room"},
		{"block without target", ClientMessage{Type: typeBlock}, "not_in_room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, a, tt.msg)
			ev := expect(t, a, eventError)
			assert.Equal(t, tt.code, ev.Code)
			assert.NotEmpty(t, ev.Message)
		})
	}

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{")))
	ev := expect(t, a, eventError)
	assert.Equal(t, "bad_request", ev.Code)
}

func TestHub_CancelSearch(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t)
	register(t, a, "alice")

	send(t, a, ClientMessage{Type: typeFind, Interests: []string{"music"}})
	expect(t, a, string(matchmaker.EventSearching))
	e.waitStats(t, Stats{Online: 1, Waiting: 1})

	send(t, a, ClientMessage{Type: typeCancel})
	expect(t, a, eventCancelled)
	e.waitStats(t, Stats{Online: 1, Waiting: 0})

	send(t, a, ClientMessage{Type: typeCancel})
	expect(t, a, eventCancelled)
}

func TestHub_AnonymousSessions(t *testing.T) {
	e := newTestEnv(t)
	a, b := e.dial(t), e.dial(t)

	send(t, a, ClientMessage{Type: typeFind, Interests: []string{"go", "chess"}})
	expect(t, a, string(matchmaker.EventSearching))
	send(t, b, ClientMessage{Type: typeFind, Interests: []string{"chess"}})

	fb := expect(t, b, string(matchmaker.EventFound))
	fa := expect(t, a, string(matchmaker.EventFound))
	require.NotNil(t, fa.Peer)
	require.NotNil(t, fb.Peer)
	assert.NotEmpty(t, fa.Peer.ID)
	assert.NotEqual(t, fa.Peer.ID, fb.Peer.ID)
	assert.Equal(t, matchmaker.DisplayName(fb.Peer.ID), fb.Peer.DisplayName)
}

func TestHub_FindWhileInRoomLeavesFirst(t *testing.T) {
	e := newTestEnv(t)
	a, b, roomID := pair(t, e, "alice", "bobby")

	send(t, a, ClientMessage{Type: typeFind, Mood: "bored"})
	left := expect(t, b, string(matchmaker.EventPartnerLeft))
	assert.Equal(t, roomID, left.RoomID)
	expect(t, a, string(matchmaker.EventSearching))
	e.waitStats(t, Stats{Online: 2, Waiting: 1, Rooms: 1})
}

func TestHub_BlockPersistsAcrossReconnect(t *testing.T) {
	e := newTestEnv(t)
	a, b, roomID := pair(t, e, "alice", "bobby")

	send(t, a, ClientMessage{Type: typeBlock})
	roomLeft := expect(t, a, eventRoomLeft)
	assert.Equal(t, roomID, roomLeft.RoomID)
	assert.Equal(t, "blocked", roomLeft.Reason)
	expect(t, b, string(matchmaker.EventPartnerLeft))

	blocked, err := e.store.List("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bobby"}, blocked)

	send(t, b, ClientMessage{Type: typeLeaveRoom})
	expect(t, b, eventRoomLeft)

	require.NoError(t, a.Close())
	e.waitStats(t, Stats{Online: 1, Waiting: 0, Rooms: 0})

	a2 := e.dial(t)
	register(t, a2, "alice")
	send(t, b, ClientMessage{Type: typeFind, Mood: "calm"})
	expect(t, b, string(matchmaker.EventSearching))
	send(t, a2, ClientMessage{Type: typeFind, Mood: "calm"})
	expect(t, a2, string(matchmaker.EventSearching))
	e.waitStats(t, Stats{Online: 2, Waiting: 2, Rooms: 0})
}

func TestHub_UnblockAllowsRematch(t *testing.T) {
	e := newTestEnv(t)
	a, b, _ := pair(t, e, "alice", "bobby")

	send(t, a, ClientMessage{Type: typeBlock})
	blocked := expect(t, a, eventBlocked)
	assert.Equal(t, "bobby", blocked.Target)
	expect(t, a, eventRoomLeft)
	expect(t, b, string(matchmaker.EventPartnerLeft))
	send(t, b, ClientMessage{Type: typeLeaveRoom})
	expect(t, b, eventRoomLeft)

	send(t, a, ClientMessage{Type: typeUnblock, Target: "bobby"})
	unblocked := expect(t, a, eventUnblocked)
	assert.Equal(t, "bobby", unblocked.Target)

	list, err := e.store.List("alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	send(t, a, ClientMessage{Type: typeFind, Mood: "calm"})
	expect(t, a, string(matchmaker.EventSearching))
	send(t, b, ClientMessage{Type: typeFind, Mood: "calm"})
	fb := expect(t, b, string(matchmaker.EventFound))
	require.NotNil(t, fb.Peer)
	assert.Equal(t, "alice", fb.Peer.ID)
}

func TestHub_UnblockWithoutTarget(t *testing.T) {
	e := newTestEnv(t)
	a := e.dial(t)
	register(t, a, "alice")

	send(t, a, ClientMessage{Type: typeUnblock})
	ev := expect(t, a, eventError)
	assert.Equal(t, "no_target", ev.Code)
}

func TestHub_StarvationFallback(t *testing.T) {
	e := newTestEnv(t, matchmaker.WithStarvationAfter(20*time.Millisecond))
	a, b := e.dial(t), e.dial(t)
	register(t, a, "alice")
	register(t, b, "bobby")

	send(t, a, ClientMessage{Type: typeFind})
	expect(t, a, string(matchmaker.EventSearching))
	time.Sleep(50 * time.Millisecond)

	send(t, b, ClientMessage{Type: typeFind})
	fb := expect(t, b, string(matchmaker.EventFound))
	require.NotNil(t, fb.Peer)
	assert.Equal(t, "alice", fb.Peer.ID)
	expect(t, a, string(matchmaker.EventFound))
}

func TestHub_SessionTakeover(t *testing.T) {
	e := newTestEnv(t)
	a, b, roomID := pair(t, e, "alice", "bobby")

	a2 := e.dial(t)
	register(t, a2, "alice")

	send(t, b, ClientMessage{Type: typeSend, Text: "still there?"})
	msg := expect(t, a2, eventMessage)
	assert.Equal(t, roomID, msg.RoomID)

	// the replaced connection no longer owns the session
	require.NoError(t, a.Close())
	send(t, a2, ClientMessage{Type: typeSend, Text: "yes"})
	expect(t, b, eventMessage)
	e.waitStats(t, Stats{Online: 2, Waiting: 0, Rooms: 1})
}

func TestHTTP_Endpoints(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://anywhere.example")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var health struct {
		Status string `json:"status"`
		TS     int64  `json:"ts"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	res.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.TS)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	res, err = http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(e.srv.URL + "/stats")
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	res.Body.Close()
	assert.Equal(t, Stats{}, stats)

	res, err = http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "strangerchat_")
}

func TestHTTPServer_CORSOrigins(t *testing.T) {
	hub := NewHub(nil)
	t.Cleanup(hub.Close)
	srv := NewHTTPServer(hub, "https://chat.example, https://other.example/")

	assert.True(t, srv.allowOrigin("https://chat.example"))
	assert.True(t, srv.allowOrigin("https://chat.example/"))
	assert.False(t, srv.allowOrigin("https://evil.example"))

	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	req.Header.Set("Origin", "https://chat.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, rec.Code)
	assert.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://other.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
