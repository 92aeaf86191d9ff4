// internal/handlers/rooms_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/middleware"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

// RoomsSubprotocol is the only subprotocol the socket accepts.
const RoomsSubprotocol = "rooms"

const (
	wsReadLimit    = 4096
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// RoomAuthorizer decides whether a user may follow a lobby or game room.
type RoomAuthorizer interface {
	Authorize(ctx context.Context, id, userID uuid.UUID) error
}

// clientMessage is sent by the client: subscribe, unsubscribe or ping.
type clientMessage struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// serverReply answers a clientMessage. Room events are sent as broadcast.Envelope.
type serverReply struct {
	Type  string `json:"type"`
	Room  string `json:"room,omitempty"`
	Error string `json:"error,omitempty"`
}

// roomConn is one authenticated socket.
type roomConn struct {
	userID  uuid.UUID
	sub     broadcast.Subscription
	lobbies RoomAuthorizer
	games   RoomAuthorizer
	logger  logrus.FieldLogger
	out     chan serverReply
}

// RoomsWSHandler upgrades the request and streams the events of every room the
// client subscribes to. Events the caller caused are not echoed back.
func RoomsWSHandler(logger logrus.FieldLogger, hub broadcast.Hub, lobbies, games RoomAuthorizer, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{RoomsSubprotocol},
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != RoomsSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the rooms subprotocol")
			return
		}
		userID, ok := middleware.Authenticate(r)
		if !ok {
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		c.SetReadLimit(wsReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub, err := hub.Subscribe(ctx)
		if err != nil {
			logger.WithField("user_id", userID).WithError(err).Error("failed to open subscription")
			c.Close(SubscribeFailedError, "subscribe failed")
			return
		}
		defer sub.Close()

		conn := &roomConn{
			userID:  userID,
			sub:     sub,
			lobbies: lobbies,
			games:   games,
			logger:  logger.WithField("user_id", userID),
			out:     make(chan serverReply, 16),
		}

		middleware.LogWebSocketConnect(logger, r, userID)
		go conn.writePump(ctx, cancel, c)
		err = conn.readPump(ctx, c)
		middleware.LogWebSocketDisconnect(logger, r, userID, err)

		c.Close(websocket.StatusNormalClosure, "")
	}
}

// readPump handles client messages until the socket closes. A normal close
// returns nil.
func (rc *roomConn) readPump(ctx context.Context, c *websocket.Conn) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			rc.reply(ctx, serverReply{Type: "error", Error: "text frames only"})
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rc.reply(ctx, serverReply{Type: "error", Error: "invalid json"})
			continue
		}
		rc.reply(ctx, rc.handle(ctx, msg))
	}
}

func (rc *roomConn) handle(ctx context.Context, msg clientMessage) serverReply {
	switch msg.Type {
	case "ping":
		return serverReply{Type: "pong"}
	case "subscribe":
		if err := rc.authorize(ctx, msg.Room); err != nil {
			return rc.refuse(msg.Room, err)
		}
		if err := rc.sub.Join(ctx, msg.Room); err != nil {
			return rc.refuse(msg.Room, err)
		}
		return serverReply{Type: "subscribed", Room: msg.Room}
	case "unsubscribe":
		if _, _, err := broadcast.ParseRoom(msg.Room); err != nil {
			return rc.refuse(msg.Room, err)
		}
		if err := rc.sub.Leave(ctx, msg.Room); err != nil {
			return rc.refuse(msg.Room, err)
		}
		return serverReply{Type: "unsubscribed", Room: msg.Room}
	}
	return serverReply{Type: "error", Error: "unknown message type"}
}

func (rc *roomConn) authorize(ctx context.Context, room string) error {
	kind, id, err := broadcast.ParseRoom(room)
	if err != nil {
		return err
	}
	if kind == broadcast.RoomLobby {
		return rc.lobbies.Authorize(ctx, id, rc.userID)
	}
	return rc.games.Authorize(ctx, id, rc.userID)
}

// stillAllowed re-checks lobby membership for an incoming envelope. Lobby seats
// change hands, so a user who left is dropped from the room and dropped is
// true. Game rooms keep the same two players for their whole life.
func (rc *roomConn) stillAllowed(ctx context.Context, room string) (allowed, dropped bool) {
	kind, id, err := broadcast.ParseRoom(room)
	if err != nil || kind != broadcast.RoomLobby {
		return true, false
	}
	err = rc.lobbies.Authorize(ctx, id, rc.userID)
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotFound):
	default:
		// withhold this one envelope, the next one is checked again
		rc.logger.WithField("room", room).WithError(err).Warn("lobby membership check failed")
		return false, false
	}
	if err := rc.sub.Leave(ctx, room); err != nil {
		rc.logger.WithField("room", room).WithError(err).Warn("failed to leave room")
	}
	rc.logger.WithField("room", room).Debug("no longer a lobby participant, room dropped")
	return false, true
}

func (rc *roomConn) refuse(room string, err error) serverReply {
	reason := "not found"
	switch {
	case errors.Is(err, models.ErrValidation):
		reason = "invalid room"
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotFound):
	default:
		rc.logger.WithField("room", room).WithError(err).Warn("room subscription failed")
		reason = "internal error"
	}
	return serverReply{Type: "error", Room: room, Error: reason}
}

func (rc *roomConn) reply(ctx context.Context, msg serverReply) {
	select {
	case rc.out <- msg:
	case <-ctx.Done():
	}
}

// writePump is the only writer on the socket. It cancels ctx when a write fails.
func (rc *roomConn) writePump(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	events := rc.sub.Events()
	for {
		var payload any
		select {
		case <-ctx.Done():
			return
		case msg := <-rc.out:
			payload = msg
		case env, ok := <-events:
			if !ok {
				return
			}
			if env.SenderID == rc.userID {
				continue
			}
			allowed, dropped := rc.stillAllowed(ctx, env.Room)
			if dropped {
				payload = serverReply{Type: "unsubscribed", Room: env.Room}
				break
			}
			if !allowed {
				continue
			}
			payload = env
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			pingCancel()
			if err != nil {
				rc.logger.WithError(err).Debug("ping failed, assuming disconnect")
				return
			}
			continue
		}

		data, err := json.Marshal(payload)
		if err != nil {
			rc.logger.WithError(err).Warn("failed to marshal outgoing message")
			continue
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
		err = c.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			rc.logger.WithError(err).Debug("websocket write failed")
			return
		}
	}
}
