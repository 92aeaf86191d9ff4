// Package lobby implements the two-seat lobby state machine: a host creates a
// lobby, one invitee joins it by code, the invitee readies up, and the host
// starts a game.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/auth"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/jason-s-yu/tictactoe/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	minNameLength   = 3
	maxNameLength   = 50
	maxCodeAttempts = 32
)

// GameStarter is notified once a game row has been committed.
type GameStarter interface {
	Begin(ctx context.Context, g models.Game)
}

// CreateParams holds the caller supplied fields of a new lobby.
type CreateParams struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	Password  string `json:"password"`
}

// Manager runs lobby operations as single-row transactions and publishes the
// resulting events to the lobby room after commit.
type Manager struct {
	store  store.Store
	pub    broadcast.Publisher
	games  GameStarter
	logger logrus.FieldLogger

	// NewCode produces candidate join codes. Candidates already in use are discarded.
	NewCode func() (string, error)
}

// NewManager wires a lobby manager.
func NewManager(s store.Store, pub broadcast.Publisher, games GameStarter, logger logrus.FieldLogger) *Manager {
	return &Manager{
		store:   s,
		pub:     pub,
		games:   games,
		logger:  logger,
		NewCode: GenerateCode,
	}
}

// Create opens a waiting lobby hosted by hostID.
func (m *Manager) Create(ctx context.Context, hostID uuid.UUID, p CreateParams) (*models.Lobby, error) {
	name := strings.TrimSpace(p.Name)
	if n := utf8.RuneCountInString(name); n < minNameLength || n > maxNameLength {
		return nil, fmt.Errorf("%w: lobby name must be %d to %d characters", models.ErrValidation, minNameLength, maxNameLength)
	}

	l := &models.Lobby{
		Name:      name,
		HostID:    hostID,
		IsPrivate: p.IsPrivate,
		Status:    models.LobbyWaiting,
	}
	if p.IsPrivate {
		if p.Password == "" {
			return nil, fmt.Errorf("%w: private lobbies need a password", models.ErrValidation)
		}
		hash, err := auth.CreateHash(p.Password, auth.Params)
		if err != nil {
			return nil, fmt.Errorf("hash lobby password: %w", err)
		}
		l.Password = &hash
	}

	err := store.RunTx(ctx, m.store, func(tx store.Tx) error {
		open, err := tx.OpenLobbyForUser(ctx, hostID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: already in lobby %s", models.ErrPrecondition, open.Code)
		}
		code, err := m.uniqueCode(ctx, tx)
		if err != nil {
			return err
		}
		l.ID = uuid.New()
		l.Code = code
		return tx.InsertLobby(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"lobby_id": l.ID,
		"host_id":  hostID,
		"code":     l.Code,
		"private":  l.IsPrivate,
	}).Info("lobby created")
	return l, nil
}

// uniqueCode draws codes until one is unused.
func (m *Manager) uniqueCode(ctx context.Context, tx store.Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := m.NewCode()
		if err != nil {
			return "", err
		}
		taken, err := tx.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("could not find a free lobby code")
}

// Join seats userID as the invitee of the lobby with the given code. The host
// joining their own lobby, and the invitee rejoining, return the lobby unchanged.
func (m *Manager) Join(ctx context.Context, userID uuid.UUID, code, password string) (*models.Lobby, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	var (
		out    models.Lobby
		joined bool
	)
	err = store.RunTx(ctx, m.store, func(tx store.Tx) error {
		joined = false
		l, err := tx.LobbyByCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if l.HostID == userID || l.IsInvitee(userID) {
			out = *l
			return nil
		}
		switch {
		case l.Status != models.LobbyWaiting:
			return fmt.Errorf("%w: lobby is %s", models.ErrPrecondition, l.Status)
		case l.InviteeID != nil:
			return fmt.Errorf("%w: lobby already has an invitee", models.ErrPrecondition)
		}
		other, err := tx.OpenLobbyForUser(ctx, userID)
		if err != nil {
			return err
		}
		if other != nil {
			return fmt.Errorf("%w: already in lobby %s", models.ErrPrecondition, other.Code)
		}
		if l.IsPrivate && !checkPassword(password, l.Password) {
			return fmt.Errorf("%w: wrong lobby password", models.ErrForbidden)
		}

		invitee := userID
		l.InviteeID = &invitee
		l.Status = models.LobbyActive
		l.CanStartGame = false
		if err := tx.UpdateLobby(ctx, l); err != nil {
			return err
		}
		out = *l
		joined = true
		return nil
	})
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"code":    code,
			"user_id": userID,
		}).WithError(err).Debug("join rejected")
		return nil, err
	}

	if joined {
		m.emitUpdated(ctx, &out, userID)
		m.logger.WithFields(logrus.Fields{
			"lobby_id":   out.ID,
			"invitee_id": userID,
		}).Info("invitee joined lobby")
	}
	return &out, nil
}

func checkPassword(password string, hash *string) bool {
	if hash == nil {
		return true
	}
	ok, err := auth.ComparePasswordAndHash(password, *hash)
	return err == nil && ok
}

// Leave removes userID from the lobby. The host leaving closes the lobby; the
// invitee leaving reopens it for someone else.
func (m *Manager) Leave(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Lobby, error) {
	var out models.Lobby
	err := store.RunTx(ctx, m.store, func(tx store.Tx) error {
		l, err := m.participantLobby(ctx, tx, lobbyID, userID)
		if err != nil {
			return err
		}
		if !l.Status.Open() {
			return fmt.Errorf("%w: lobby is %s", models.ErrPrecondition, l.Status)
		}
		if l.HostID == userID {
			l.Status = models.LobbyClosed
		} else {
			l.InviteeID = nil
			l.Status = models.LobbyWaiting
		}
		l.CanStartGame = false
		if err := tx.UpdateLobby(ctx, l); err != nil {
			return err
		}
		out = *l
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emitUpdated(ctx, &out, userID)
	m.logger.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"user_id":  userID,
		"status":   out.Status,
	}).Info("left lobby")
	return &out, nil
}

// ToggleReady flips the invitee's ready flag and returns the new value.
func (m *Manager) ToggleReady(ctx context.Context, lobbyID, userID uuid.UUID) (bool, error) {
	var ready bool
	err := store.RunTx(ctx, m.store, func(tx store.Tx) error {
		l, err := m.participantLobby(ctx, tx, lobbyID, userID)
		if err != nil {
			return err
		}
		if !l.IsInvitee(userID) {
			return fmt.Errorf("%w: only the invitee can ready up", models.ErrPrecondition)
		}
		if l.Status != models.LobbyActive {
			return fmt.Errorf("%w: lobby is %s", models.ErrPrecondition, l.Status)
		}
		l.CanStartGame = !l.CanStartGame
		ready = l.CanStartGame
		return tx.UpdateLobby(ctx, l)
	})
	if err != nil {
		return false, err
	}

	broadcast.Emit(ctx, m.pub, m.logger, broadcast.LobbyRoom(lobbyID), broadcast.EventInviteeReadyUpdated, userID,
		broadcast.InviteeReadyUpdated{LobbyID: lobbyID, InviteeReady: ready})
	m.logger.WithFields(logrus.Fields{
		"lobby_id": lobbyID,
		"ready":    ready,
	}).Debug("invitee ready toggled")
	return ready, nil
}

// StartGame creates the game for a ready lobby. Host plays X and moves first.
func (m *Manager) StartGame(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Game, error) {
	var g models.Game
	err := store.RunTx(ctx, m.store, func(tx store.Tx) error {
		l, err := m.participantLobby(ctx, tx, lobbyID, userID)
		if err != nil {
			return err
		}
		switch {
		case l.HostID != userID:
			return fmt.Errorf("%w: only the host can start the game", models.ErrPrecondition)
		case l.Status != models.LobbyActive:
			return fmt.Errorf("%w: lobby is %s", models.ErrPrecondition, l.Status)
		case !l.CanStartGame:
			return fmt.Errorf("%w: invitee is not ready", models.ErrPrecondition)
		}

		g = models.Game{
			ID:        uuid.New(),
			PlayerXID: l.HostID,
			PlayerOID: *l.InviteeID,
			LobbyID:   l.ID,
			Turn:      models.SymbolX,
			Status:    models.GameInProgress,
		}
		if err := tx.InsertGame(ctx, &g); err != nil {
			return err
		}
		l.Status = models.LobbyFull
		return tx.UpdateLobby(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	broadcast.Emit(ctx, m.pub, m.logger, broadcast.LobbyRoom(lobbyID), broadcast.EventGameStarted, userID,
		broadcast.GameStarted{GameID: g.ID, PlayerXID: g.PlayerXID, PlayerOID: g.PlayerOID})
	if m.games != nil {
		m.games.Begin(ctx, g)
	}
	return &g, nil
}

// Current returns the caller's open lobby, or nil when they have none.
func (m *Manager) Current(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	return m.store.OpenLobbyForUser(ctx, userID)
}

// Get returns a lobby the caller takes part in.
func (m *Manager) Get(ctx context.Context, lobbyID, userID uuid.UUID) (*models.Lobby, error) {
	l, err := m.store.Lobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a member of this lobby", models.ErrForbidden)
	}
	return l, nil
}

// Authorize allows the host and the invitee into the lobby room.
func (m *Manager) Authorize(ctx context.Context, lobbyID, userID uuid.UUID) error {
	_, err := m.Get(ctx, lobbyID, userID)
	return err
}

func (m *Manager) participantLobby(ctx context.Context, tx store.Tx, lobbyID, userID uuid.UUID) (*models.Lobby, error) {
	l, err := tx.LobbyForUpdate(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not a member of this lobby", models.ErrForbidden)
	}
	return l, nil
}

func (m *Manager) emitUpdated(ctx context.Context, l *models.Lobby, sender uuid.UUID) {
	broadcast.Emit(ctx, m.pub, m.logger, broadcast.LobbyRoom(l.ID), broadcast.EventLobbyUpdated, sender,
		broadcast.LobbyUpdated{LobbyID: l.ID, Status: l.Status, InviteeID: l.InviteeID})
}
