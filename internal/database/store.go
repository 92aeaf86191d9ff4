package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/jason-s-yu/tictactoe/internal/store"
)

// lockTimeout bounds how long a transaction waits on a row lock before giving up
// with 55P03, which surfaces as store.ErrConflict.
const lockTimeout = "2s"

// conflictCodes are the SQLSTATEs that mean "lost a race, nothing written".
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation
}

// mapError turns driver errors into store and model sentinels. Errors that did not
// come from Postgres are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s (%s)", store.ErrConflict, pgErr.Message, pgErr.Code)
	}
	return err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a connected pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
			return err
		}
		return fn(&pgTx{q: tx})
	})
	return mapError(err)
}

func (s *Store) Lobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	return scanLobby(s.pool.QueryRow(ctx, lobbySelect+` WHERE id = $1`, id))
}

func (s *Store) OpenLobbyForUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	return openLobby(ctx, s.pool, userID, "")
}

func (s *Store) Game(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	return scanGame(s.pool.QueryRow(ctx, gameSelect+` WHERE id = $1`, id))
}

func (s *Store) Moves(ctx context.Context, gameID uuid.UUID) ([]models.Move, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, game_id, player_id, position, symbol, auto, created_at
		FROM moves
		WHERE game_id = $1
		ORDER BY id`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Move
	for rows.Next() {
		var m models.Move
		if err := rows.Scan(&m.ID, &m.GameID, &m.PlayerID, &m.Position, &m.Symbol, &m.Auto, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ActiveGames(ctx context.Context) ([]models.Game, error) {
	rows, err := s.pool.Query(ctx, gameSelect+` WHERE status = 'in_progress' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

type pgTx struct {
	q querier
}

const lobbySelect = `
	SELECT id, name, host_id, invitee_id, is_private, password, code, status,
	       can_start_game, created_at, updated_at
	FROM lobbies`

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	var l models.Lobby
	err := row.Scan(
		&l.ID, &l.Name, &l.HostID, &l.InviteeID, &l.IsPrivate, &l.Password, &l.Code, &l.Status,
		&l.CanStartGame, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &l, nil
}

// openLobby returns nil, nil when the user has no waiting or active lobby.
func openLobby(ctx context.Context, q querier, userID uuid.UUID, suffix string) (*models.Lobby, error) {
	l, err := scanLobby(q.QueryRow(ctx, lobbySelect+`
		WHERE status IN ('waiting', 'active') AND (host_id = $1 OR invitee_id = $1)
		ORDER BY created_at DESC
		LIMIT 1`+suffix, userID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return l, err
}

func (tx *pgTx) LobbyForUpdate(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	return scanLobby(tx.q.QueryRow(ctx, lobbySelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (tx *pgTx) LobbyByCodeForUpdate(ctx context.Context, code string) (*models.Lobby, error) {
	return scanLobby(tx.q.QueryRow(ctx, lobbySelect+` WHERE code = $1 FOR UPDATE`, code))
}

func (tx *pgTx) OpenLobbyForUser(ctx context.Context, userID uuid.UUID) (*models.Lobby, error) {
	return openLobby(ctx, tx.q, userID, " FOR UPDATE")
}

func (tx *pgTx) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := tx.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lobbies WHERE code = $1)`, code).Scan(&exists)
	return exists, mapError(err)
}

func (tx *pgTx) InsertLobby(ctx context.Context, l *models.Lobby) error {
	err := tx.q.QueryRow(ctx, `
		INSERT INTO lobbies (id, name, host_id, invitee_id, is_private, password, code, status, can_start_game)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		l.ID, l.Name, l.HostID, l.InviteeID, l.IsPrivate, l.Password, l.Code, l.Status, l.CanStartGame,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	return mapError(err)
}

func (tx *pgTx) UpdateLobby(ctx context.Context, l *models.Lobby) error {
	err := tx.q.QueryRow(ctx, `
		UPDATE lobbies
		SET invitee_id = $2, status = $3, can_start_game = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		l.ID, l.InviteeID, l.Status, l.CanStartGame,
	).Scan(&l.UpdatedAt)
	return mapError(err)
}

const gameSelect = `
	SELECT id, player_x_id, player_o_id, lobby_id, board, turn, status, winner_id,
	       move_count, created_at, updated_at
	FROM games`

func scanGame(row pgx.Row) (*models.Game, error) {
	var (
		g     models.Game
		board []byte
	)
	err := row.Scan(
		&g.ID, &g.PlayerXID, &g.PlayerOID, &g.LobbyID, &board, &g.Turn, &g.Status, &g.WinnerID,
		&g.MoveCount, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if err := json.Unmarshal(board, &g.Board); err != nil {
		return nil, fmt.Errorf("decode board of game %s: %w", g.ID, err)
	}
	return &g, nil
}

func (tx *pgTx) GameForUpdate(ctx context.Context, id uuid.UUID) (*models.Game, error) {
	return scanGame(tx.q.QueryRow(ctx, gameSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (tx *pgTx) InsertGame(ctx context.Context, g *models.Game) error {
	board, err := json.Marshal(g.Board)
	if err != nil {
		return err
	}
	err = tx.q.QueryRow(ctx, `
		INSERT INTO games (id, player_x_id, player_o_id, lobby_id, board, turn, status, winner_id, move_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		g.ID, g.PlayerXID, g.PlayerOID, g.LobbyID, board, g.Turn, g.Status, g.WinnerID, g.MoveCount,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	return mapError(err)
}

func (tx *pgTx) UpdateGame(ctx context.Context, g *models.Game) error {
	board, err := json.Marshal(g.Board)
	if err != nil {
		return err
	}
	err = tx.q.QueryRow(ctx, `
		UPDATE games
		SET board = $2, turn = $3, status = $4, winner_id = $5, move_count = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		g.ID, board, g.Turn, g.Status, g.WinnerID, g.MoveCount,
	).Scan(&g.UpdatedAt)
	return mapError(err)
}

func (tx *pgTx) InsertMove(ctx context.Context, m *models.Move) error {
	err := tx.q.QueryRow(ctx, `
		INSERT INTO moves (game_id, player_id, position, symbol, auto)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		m.GameID, m.PlayerID, m.Position, m.Symbol, m.Auto,
	).Scan(&m.ID, &m.CreatedAt)
	return mapError(err)
}
