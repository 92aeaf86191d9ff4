package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRooms(t *testing.T, srv *httptest.Server, user uuid.UUID, subprotocol string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	header := http.Header{}
	if user != uuid.Nil {
		header.Set("Authorization", "Bearer "+tokenFor(t, user))
	}
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   header,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg clientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

// next reads one frame and returns its "type" and raw body.
func next(t *testing.T, c *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &head))
	return head.Type, data
}

func TestRoomsRejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	c := dialRooms(t, srv, uuid.Nil, RoomsSubprotocol)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(InvalidAuthTokenError), websocket.CloseStatus(err))
}

func TestRoomsRejectsWrongSubprotocol(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	c := dialRooms(t, srv, uuid.New(), "lobby")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusCode(BadSubprotocolError), websocket.CloseStatus(err))
}

func TestRoomsSubscribeAuthorization(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	host, guest, stranger := uuid.New(), uuid.New(), uuid.New()
	l, g := ts.startGame(t, host, guest)

	c := dialRooms(t, srv, stranger, RoomsSubprotocol)
	for _, room := range []string{broadcast.LobbyRoom(l.ID), broadcast.GameRoom(g.ID), broadcast.GameRoom(uuid.New())} {
		send(t, c, clientMessage{Type: "subscribe", Room: room})
		typ, data := next(t, c)
		require.Equal(t, "error", typ)
		var reply serverReply
		require.NoError(t, json.Unmarshal(data, &reply))
		assert.Equal(t, "not found", reply.Error, room)
	}

	send(t, c, clientMessage{Type: "subscribe", Room: "match." + g.ID.String()})
	_, data := next(t, c)
	assert.JSONEq(t, `{"type":"error","room":"match.`+g.ID.String()+`","error":"invalid room"}`, string(data))

	send(t, c, clientMessage{Type: "dance"})
	typ, _ := next(t, c)
	assert.Equal(t, "error", typ)

	send(t, c, clientMessage{Type: "ping"})
	typ, _ = next(t, c)
	assert.Equal(t, "pong", typ)
}

func TestRoomsDeliverEventsToOthersOnly(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	host, guest := uuid.New(), uuid.New()
	var l models.Lobby
	decodeApplied(t, ts.do(t, host, http.MethodPost, "/lobby/create", `{"name":"sockets"}`), &l)
	room := broadcast.LobbyRoom(l.ID)

	hostConn := dialRooms(t, srv, host, RoomsSubprotocol)
	send(t, hostConn, clientMessage{Type: "subscribe", Room: room})
	typ, _ := next(t, hostConn)
	require.Equal(t, "subscribed", typ)

	// resubscribing is a no-op
	send(t, hostConn, clientMessage{Type: "subscribe", Room: room})
	typ, _ = next(t, hostConn)
	require.Equal(t, "subscribed", typ)

	decodeApplied(t, ts.do(t, guest, http.MethodPost, "/lobby/join", `{"code":"`+l.Code+`"}`), nil)

	typ, data := next(t, hostConn)
	require.Equal(t, string(broadcast.EventLobbyUpdated), typ)
	var env broadcast.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, room, env.Room)
	assert.Equal(t, guest, env.SenderID)

	guestConn := dialRooms(t, srv, guest, RoomsSubprotocol)
	send(t, guestConn, clientMessage{Type: "subscribe", Room: room})
	typ, _ = next(t, guestConn)
	require.Equal(t, "subscribed", typ)

	decodeApplied(t, ts.do(t, guest, http.MethodPost, "/lobby/"+l.ID.String()+"/ready", ""), nil)

	typ, data = next(t, hostConn)
	require.Equal(t, string(broadcast.EventInviteeReadyUpdated), typ)
	require.NoError(t, json.Unmarshal(data, &env))
	var ready broadcast.InviteeReadyUpdated
	require.NoError(t, json.Unmarshal(env.Payload, &ready))
	assert.True(t, ready.InviteeReady)

	// the guest caused the ready event, so the next frame it sees is its pong
	send(t, guestConn, clientMessage{Type: "ping"})
	typ, _ = next(t, guestConn)
	assert.Equal(t, "pong", typ)

	send(t, hostConn, clientMessage{Type: "unsubscribe", Room: room})
	typ, _ = next(t, hostConn)
	assert.Equal(t, "unsubscribed", typ)
}

func TestRoomsDropDepartedInvitee(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	host, guest, newcomer := uuid.New(), uuid.New(), uuid.New()
	var l models.Lobby
	decodeApplied(t, ts.do(t, host, http.MethodPost, "/lobby/create", `{"name":"revolving door"}`), &l)
	decodeApplied(t, ts.do(t, guest, http.MethodPost, "/lobby/join", `{"code":"`+l.Code+`"}`), nil)
	room := broadcast.LobbyRoom(l.ID)

	hostConn := dialRooms(t, srv, host, RoomsSubprotocol)
	guestConn := dialRooms(t, srv, guest, RoomsSubprotocol)
	for _, c := range []*websocket.Conn{hostConn, guestConn} {
		send(t, c, clientMessage{Type: "subscribe", Room: room})
		typ, _ := next(t, c)
		require.Equal(t, "subscribed", typ)
	}

	decodeApplied(t, ts.do(t, guest, http.MethodPost, "/lobby/"+l.ID.String()+"/leave", ""), nil)
	typ, _ := next(t, hostConn)
	require.Equal(t, string(broadcast.EventLobbyUpdated), typ)

	decodeApplied(t, ts.do(t, newcomer, http.MethodPost, "/lobby/join", `{"code":"`+l.Code+`"}`), nil)

	// the host sees who took the seat
	typ, data := next(t, hostConn)
	require.Equal(t, string(broadcast.EventLobbyUpdated), typ)
	var env broadcast.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	var updated broadcast.LobbyUpdated
	require.NoError(t, json.Unmarshal(env.Payload, &updated))
	require.NotNil(t, updated.InviteeID)
	assert.Equal(t, newcomer, *updated.InviteeID)

	// the departed guest is told it lost the room instead
	_, data = next(t, guestConn)
	assert.JSONEq(t, `{"type":"unsubscribed","room":"`+room+`"}`, string(data))
	assert.NotContains(t, string(data), newcomer.String())

	decodeApplied(t, ts.do(t, newcomer, http.MethodPost, "/lobby/"+l.ID.String()+"/ready", ""), nil)
	typ, _ = next(t, hostConn)
	require.Equal(t, string(broadcast.EventInviteeReadyUpdated), typ)

	send(t, guestConn, clientMessage{Type: "ping"})
	typ, _ = next(t, guestConn)
	assert.Equal(t, "pong", typ)

	send(t, guestConn, clientMessage{Type: "subscribe", Room: room})
	_, data = next(t, guestConn)
	assert.JSONEq(t, `{"type":"error","room":"`+room+`","error":"not found"}`, string(data))
}
