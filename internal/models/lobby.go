// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lifecycle state of a lobby row.
type LobbyStatus string

const (
	// LobbyWaiting means the host is alone and the join code is usable.
	LobbyWaiting LobbyStatus = "waiting"
	// LobbyActive means an invitee has joined and no game has started yet.
	LobbyActive LobbyStatus = "active"
	// LobbyFull means a game was started from this lobby. The lobby is inert afterwards.
	LobbyFull LobbyStatus = "full"
	// LobbyClosed means the host left. The row is kept so finished games keep their lobby reference.
	LobbyClosed LobbyStatus = "closed"
)

// Valid reports whether s is one of the known lobby states.
func (s LobbyStatus) Valid() bool {
	switch s {
	case LobbyWaiting, LobbyActive, LobbyFull, LobbyClosed:
		return true
	}
	return false
}

// Open reports whether the lobby still accepts lobby operations.
func (s LobbyStatus) Open() bool {
	return s == LobbyWaiting || s == LobbyActive
}

// Lobby represents a row in the lobbies table.
type Lobby struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	HostID       uuid.UUID   `json:"host_id"`
	InviteeID    *uuid.UUID  `json:"invitee_id"`
	IsPrivate    bool        `json:"is_private"`
	Password     *string     `json:"-"`
	Code         string      `json:"code"`
	Status       LobbyStatus `json:"status"`
	CanStartGame bool        `json:"can_start_game"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasParticipant reports whether userID is the host or the invitee.
func (l *Lobby) HasParticipant(userID uuid.UUID) bool {
	return l.HostID == userID || l.IsInvitee(userID)
}

// IsInvitee reports whether userID currently occupies the invitee seat.
func (l *Lobby) IsInvitee(userID uuid.UUID) bool {
	return l.InviteeID != nil && *l.InviteeID == userID
}
