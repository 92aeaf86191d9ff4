// Package store defines the transactional persistence boundary used by the lobby
// and game managers. The Postgres implementation lives in internal/database; the
// in-memory implementation here backs the tests.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/models"
)

// ErrConflict is returned when a transaction lost a race (serialization failure,
// deadlock, lock timeout, or a unique key taken concurrently). Nothing was written.
var ErrConflict = errors.New("store: transaction conflict")

// Tx is the view of the store inside a transaction. The *ForUpdate reads hold the
// row until commit, so two transactions touching the same lobby or game serialize.
// Lookups that find nothing return models.ErrNotFound.
type Tx interface {
	LobbyForUpdate(ctx context.Context, id uuid.UUID) (*models.Lobby, error)
	LobbyByCodeForUpdate(ctx context.Context, code string) (*models.Lobby, error)
	// OpenLobbyForUser returns the newest waiting or active lobby the user hosts or
	// occupies, or nil when there is none.
	OpenLobbyForUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	InsertLobby(ctx context.Context, l *models.Lobby) error
	UpdateLobby(ctx context.Context, l *models.Lobby) error

	GameForUpdate(ctx context.Context, id uuid.UUID) (*models.Game, error)
	InsertGame(ctx context.Context, g *models.Game) error
	UpdateGame(ctx context.Context, g *models.Game) error
	InsertMove(ctx context.Context, m *models.Move) error
}

// Store is the persistence boundary. InTx commits when fn returns nil and rolls
// back otherwise, returning fn's error unchanged.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Lobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error)
	OpenLobbyForUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error)
	Game(ctx context.Context, id uuid.UUID) (*models.Game, error)
	Moves(ctx context.Context, gameID uuid.UUID) ([]models.Move, error)
	// ActiveGames lists games still in progress, used to re-arm turn clocks on boot.
	ActiveGames(ctx context.Context) ([]models.Game, error)
}

// RunTx runs fn in a transaction and retries once when the store reports a
// conflict. A second conflict is reported as a failed precondition.
func RunTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.InTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: concurrent update, try again", models.ErrPrecondition)
}
