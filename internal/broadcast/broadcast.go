// Package broadcast fans lobby and game events out to the clients subscribed to a
// room. Rooms are named "lobby.<uuid>" and "game.<uuid>". Delivery is
// at-least-once; every envelope carries a unique id so clients can drop repeats.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

// EventType names the payload carried by an Envelope.
type EventType string

const (
	EventGameStarted         EventType = "GameStarted"
	EventInviteeReadyUpdated EventType = "InviteeReadyUpdated"
	EventLobbyUpdated        EventType = "LobbyUpdated"
	EventMovePlayed          EventType = "MovePlayed"
	EventGameWon             EventType = "GameWon"
	EventGameAbandoned       EventType = "GameAbandoned"
)

// Envelope is the unit published to a room. SenderID is the user whose action
// produced the event; the socket layer does not echo an envelope back to its sender.
type Envelope struct {
	ID       uuid.UUID       `json:"id"`
	Room     string          `json:"room"`
	Type     EventType       `json:"type"`
	SenderID uuid.UUID       `json:"sender_id"`
	SentAt   time.Time       `json:"sent_at"`
	Payload  json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and stamps a fresh id.
func NewEnvelope(room string, typ EventType, sender uuid.UUID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		ID:       uuid.New(),
		Room:     room,
		Type:     typ,
		SenderID: sender,
		SentAt:   time.Now().UTC(),
		Payload:  raw,
	}, nil
}

// Publisher sends an envelope to every subscriber of env.Room.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscription is one client's view of the hub. Join is idempotent, so a
// reconnecting client can resend all of its rooms.
type Subscription interface {
	Join(ctx context.Context, rooms ...string) error
	Leave(ctx context.Context, rooms ...string) error
	Events() <-chan Envelope
	Close() error
}

// Hub is a Publisher that clients can subscribe to.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context) (Subscription, error)
}

// Emit builds and publishes an event, logging instead of failing. Callers emit
// after their transaction committed, so a broadcast failure never undoes state.
func Emit(ctx context.Context, p Publisher, logger logrus.FieldLogger, room string, typ EventType, sender uuid.UUID, payload any) {
	if p == nil {
		return
	}
	env, err := NewEnvelope(room, typ, sender, payload)
	if err == nil {
		err = p.Publish(ctx, env)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"room":  room,
			"event": typ,
		}).WithError(err).Warn("broadcast failed")
	}
}

// RoomKind distinguishes lobby rooms from game rooms.
type RoomKind string

const (
	RoomLobby RoomKind = "lobby"
	RoomGame  RoomKind = "game"
)

// LobbyRoom returns the room name for a lobby.
func LobbyRoom(id uuid.UUID) string { return string(RoomLobby) + "." + id.String() }

// GameRoom returns the room name for a game.
func GameRoom(id uuid.UUID) string { return string(RoomGame) + "." + id.String() }

// ParseRoom splits a room name into its kind and id.
func ParseRoom(room string) (RoomKind, uuid.UUID, error) {
	kind, rawID, ok := strings.Cut(room, ".")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: malformed room %q", models.ErrValidation, room)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: malformed room id %q", models.ErrValidation, rawID)
	}
	switch RoomKind(kind) {
	case RoomLobby, RoomGame:
		return RoomKind(kind), id, nil
	}
	return "", uuid.Nil, fmt.Errorf("%w: unknown room kind %q", models.ErrValidation, kind)
}

// Payloads.

type GameStarted struct {
	GameID    uuid.UUID `json:"game_id"`
	PlayerXID uuid.UUID `json:"player_x_id"`
	PlayerOID uuid.UUID `json:"player_o_id"`
}

type InviteeReadyUpdated struct {
	LobbyID      uuid.UUID `json:"lobby_id"`
	InviteeReady bool      `json:"invitee_ready"`
}

type LobbyUpdated struct {
	LobbyID   uuid.UUID          `json:"lobby_id"`
	Status    models.LobbyStatus `json:"status"`
	InviteeID *uuid.UUID         `json:"invitee_id"`
}

type MovePlayed struct {
	GameID    uuid.UUID         `json:"game_id"`
	Board     models.Board      `json:"board"`
	Turn      models.Symbol     `json:"turn"`
	Status    models.GameStatus `json:"status"`
	Position  int               `json:"position"`
	Symbol    models.Symbol     `json:"symbol"`
	Auto      bool              `json:"auto"`
	MoveCount int               `json:"move_count"`
	Winner    *models.Outcome   `json:"winner"`
}

type GameWon struct {
	GameID uuid.UUID         `json:"game_id"`
	Status models.GameStatus `json:"status"`
	Winner models.Outcome    `json:"winner"`
}

type GameAbandoned struct {
	GameID uuid.UUID `json:"game_id"`
	By     uuid.UUID `json:"by"`
}
