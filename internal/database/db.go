package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool against dsn and pings it once.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

// schema is applied statement by statement on boot. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         uuid PRIMARY KEY,
		email      text NOT NULL UNIQUE,
		password   text NOT NULL,
		username   text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS lobbies (
		id             uuid PRIMARY KEY,
		name           text NOT NULL,
		host_id        uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		invitee_id     uuid REFERENCES users(id) ON DELETE SET NULL,
		is_private     boolean NOT NULL DEFAULT false,
		password       text,
		code           text NOT NULL UNIQUE,
		status         text NOT NULL CHECK (status IN ('waiting', 'active', 'full', 'closed')),
		can_start_game boolean NOT NULL DEFAULT false,
		created_at     timestamptz NOT NULL DEFAULT now(),
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS lobbies_one_open_per_host
		ON lobbies (host_id) WHERE status IN ('waiting', 'active')`,
	`CREATE INDEX IF NOT EXISTS lobbies_invitee ON lobbies (invitee_id) WHERE invitee_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS games (
		id          uuid PRIMARY KEY,
		player_x_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		player_o_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		lobby_id    uuid NOT NULL REFERENCES lobbies(id) ON DELETE CASCADE,
		board       jsonb NOT NULL,
		turn        text NOT NULL CHECK (turn IN ('', 'X', 'O')),
		status      text NOT NULL CHECK (status IN ('in_progress', 'draw', 'X_won', 'O_won', 'abandoned')),
		winner_id   uuid REFERENCES users(id) ON DELETE SET NULL,
		move_count  integer NOT NULL DEFAULT 0 CHECK (move_count BETWEEN 0 AND 9),
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS games_in_progress ON games (created_at) WHERE status = 'in_progress'`,
	`CREATE TABLE IF NOT EXISTS moves (
		id         bigserial PRIMARY KEY,
		game_id    uuid NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		player_id  uuid NOT NULL,
		position   smallint NOT NULL CHECK (position BETWEEN 0 AND 8),
		symbol     text NOT NULL CHECK (symbol IN ('X', 'O')),
		auto       boolean NOT NULL DEFAULT false,
		created_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (game_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS game_actions (
		id             bigserial PRIMARY KEY,
		game_id        uuid NOT NULL,
		action_index   integer NOT NULL,
		actor_user_id  uuid NOT NULL,
		action_type    text NOT NULL,
		action_payload jsonb NOT NULL DEFAULT '{}',
		created_at     timestamptz NOT NULL DEFAULT now(),
		UNIQUE (game_id, action_index, action_type)
	)`,
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
