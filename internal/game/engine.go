// Package game holds the authoritative tic-tac-toe rules: move validation, winner
// detection, abandonment, and the server-side turn clock.
package game

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/cache"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/jason-s-yu/tictactoe/internal/store"
	"github.com/sirupsen/logrus"
)

// ActionLogger receives a record of every accepted action for the historian.
type ActionLogger interface {
	Push(ctx context.Context, record cache.ActionRecord) error
}

// MoveResult is the state after an accepted move.
type MoveResult struct {
	Game models.Game `json:"game"`
	Move models.Move `json:"move"`
	// Outcome is set when the move finished the game.
	Outcome *models.Outcome `json:"outcome"`
}

// GameState is a participant's resync view of a game.
type GameState struct {
	Game models.Game `json:"game"`
	// Winner is recomputed from the board for finished games; it is not stored.
	Winner       *models.Outcome `json:"winner"`
	TurnDeadline *time.Time      `json:"turn_deadline"`
}

// Engine applies moves against the store and publishes the results to the game room.
type Engine struct {
	store  store.Store
	pub    broadcast.Publisher
	clock  *TurnClock
	logger logrus.FieldLogger

	// Actions, when set, receives one record per accepted action.
	Actions ActionLogger
	// Intn picks the auto-move cell; it must return a uniform value in [0, n).
	Intn func(n int) int
}

// NewEngine wires an engine. turnTimeout <= 0 disables the turn clock.
func NewEngine(s store.Store, pub broadcast.Publisher, logger logrus.FieldLogger, turnTimeout time.Duration) *Engine {
	e := &Engine{
		store:  s,
		pub:    pub,
		logger: logger,
		Intn:   rand.Intn,
	}
	e.clock = NewTurnClock(turnTimeout, e.expire)
	return e
}

// Clock exposes the turn clock, mainly for deadlines and shutdown.
func (e *Engine) Clock() *TurnClock { return e.clock }

// Begin is called once a game row has been committed. It arms the turn clock for X.
func (e *Engine) Begin(ctx context.Context, g models.Game) {
	e.clock.Arm(g.ID, g.MoveCount)
	e.logAction(g.ID, 0, uuid.Nil, "game_start", map[string]any{
		"player_x_id": g.PlayerXID,
		"player_o_id": g.PlayerOID,
		"lobby_id":    g.LobbyID,
	})
	e.logger.WithFields(logrus.Fields{
		"game_id":  g.ID,
		"lobby_id": g.LobbyID,
	}).Info("game started")
}

// Restore re-arms the turn clock for every game still in progress, e.g. after a restart.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	games, err := e.store.ActiveGames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active games: %w", err)
	}
	for _, g := range games {
		e.clock.Arm(g.ID, g.MoveCount)
	}
	return len(games), nil
}

// Shutdown stops every pending turn countdown.
func (e *Engine) Shutdown() { e.clock.StopAll() }

// ApplyMove places the caller's symbol at (row, col).
func (e *Engine) ApplyMove(ctx context.Context, gameID, userID uuid.UUID, row, col int) (*MoveResult, error) {
	if row < 0 || row > 2 || col < 0 || col > 2 {
		return nil, fmt.Errorf("%w: cell (%d, %d) is off the board", models.ErrValidation, row, col)
	}

	var res *MoveResult
	err := store.RunTx(ctx, e.store, func(tx store.Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		sym := g.SymbolFor(userID)
		if sym == models.SymbolNone {
			return fmt.Errorf("%w: not a player of this game", models.ErrForbidden)
		}
		switch {
		case g.Status != models.GameInProgress:
			return fmt.Errorf("%w: game is %s", models.ErrPrecondition, g.Status)
		case g.Turn != sym:
			return fmt.Errorf("%w: not your turn", models.ErrPrecondition)
		case g.Board[row][col] != models.SymbolNone:
			return fmt.Errorf("%w: cell (%d, %d) is taken", models.ErrPrecondition, row, col)
		}
		res, err = place(ctx, tx, g, userID, models.Position(row, col), false)
		return err
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"game_id": gameID,
			"user_id": userID,
			"row":     row,
			"col":     col,
		}).WithError(err).Debug("move rejected")
		return nil, err
	}

	e.afterMove(ctx, res, userID)
	return res, nil
}

// AutoMove plays a uniformly random free cell for whoever is to move, provided the
// game is still at expectedMoveCount. The turn clock is its only caller.
func (e *Engine) AutoMove(ctx context.Context, gameID uuid.UUID, expectedMoveCount int) (*MoveResult, error) {
	var res *MoveResult
	err := store.RunTx(ctx, e.store, func(tx store.Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		if g.Status != models.GameInProgress || g.MoveCount != expectedMoveCount || g.Turn == models.SymbolNone {
			return fmt.Errorf("%w: stale turn timer", models.ErrPrecondition)
		}
		free := g.Board.EmptyPositions()
		if len(free) == 0 {
			return fmt.Errorf("%w: board is full", models.ErrPrecondition)
		}
		pos := free[e.Intn(len(free))]
		res, err = place(ctx, tx, g, g.PlayerFor(g.Turn), pos, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	// nobody is excluded: the timed-out player learns about the move too
	e.afterMove(ctx, res, uuid.Nil)
	return res, nil
}

// place writes the move for the player whose turn it is. Caller holds the game row.
func place(ctx context.Context, tx store.Tx, g *models.Game, playerID uuid.UUID, pos int, auto bool) (*MoveResult, error) {
	sym := g.Turn
	row, col := models.Cell(pos)
	g.Board[row][col] = sym
	g.MoveCount++

	outcome := DetectWinner(g.Board)
	if outcome != nil {
		g.Status = outcome.Status()
		g.Turn = models.SymbolNone
		if outcome.Symbol != nil {
			winner := g.PlayerFor(*outcome.Symbol)
			g.WinnerID = &winner
		}
	} else {
		g.Turn = sym.Opponent()
	}

	if err := tx.UpdateGame(ctx, g); err != nil {
		return nil, err
	}
	mv := models.Move{
		GameID:   g.ID,
		PlayerID: playerID,
		Position: pos,
		Symbol:   sym,
		Auto:     auto,
	}
	if err := tx.InsertMove(ctx, &mv); err != nil {
		return nil, err
	}
	return &MoveResult{Game: *g, Move: mv, Outcome: outcome}, nil
}

func (e *Engine) afterMove(ctx context.Context, res *MoveResult, sender uuid.UUID) {
	g := res.Game
	fields := logrus.Fields{
		"game_id":    g.ID,
		"player_id":  res.Move.PlayerID,
		"symbol":     res.Move.Symbol,
		"position":   res.Move.Position,
		"auto":       res.Move.Auto,
		"move_count": g.MoveCount,
	}
	e.logger.WithFields(fields).Info("move played")

	room := broadcast.GameRoom(g.ID)
	broadcast.Emit(ctx, e.pub, e.logger, room, broadcast.EventMovePlayed, sender, broadcast.MovePlayed{
		GameID:    g.ID,
		Board:     g.Board,
		Turn:      g.Turn,
		Status:    g.Status,
		Position:  res.Move.Position,
		Symbol:    res.Move.Symbol,
		Auto:      res.Move.Auto,
		MoveCount: g.MoveCount,
		Winner:    res.Outcome,
	})

	e.logAction(g.ID, g.MoveCount, res.Move.PlayerID, "move", map[string]any{
		"position": res.Move.Position,
		"symbol":   res.Move.Symbol,
		"auto":     res.Move.Auto,
	})

	if res.Outcome == nil {
		e.clock.Arm(g.ID, g.MoveCount)
		return
	}

	e.clock.Stop(g.ID)
	broadcast.Emit(ctx, e.pub, e.logger, room, broadcast.EventGameWon, uuid.Nil, broadcast.GameWon{
		GameID: g.ID,
		Status: g.Status,
		Winner: *res.Outcome,
	})
	e.logAction(g.ID, g.MoveCount+1, uuid.Nil, "game_end", map[string]any{"status": g.Status})
	e.logger.WithFields(logrus.Fields{
		"game_id": g.ID,
		"status":  g.Status,
	}).Info("game finished")
}

// expire is the turn clock callback.
func (e *Engine) expire(gameID uuid.UUID, moveCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.AutoMove(ctx, gameID, moveCount); err != nil {
		e.logger.WithFields(logrus.Fields{
			"game_id":    gameID,
			"move_count": moveCount,
		}).WithError(err).Debug("turn timer expired without a move")
	}
}

// Abandon ends an in-progress game without a winner.
func (e *Engine) Abandon(ctx context.Context, gameID, userID uuid.UUID) (*models.Game, error) {
	var out models.Game
	err := store.RunTx(ctx, e.store, func(tx store.Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		if g.SymbolFor(userID) == models.SymbolNone {
			return fmt.Errorf("%w: not a player of this game", models.ErrForbidden)
		}
		if g.Status.Terminal() {
			return fmt.Errorf("%w: game is already %s", models.ErrPrecondition, g.Status)
		}
		g.Status = models.GameAbandoned
		g.Turn = models.SymbolNone
		g.WinnerID = nil
		if err := tx.UpdateGame(ctx, g); err != nil {
			return err
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.clock.Stop(gameID)
	broadcast.Emit(ctx, e.pub, e.logger, broadcast.GameRoom(gameID), broadcast.EventGameAbandoned, userID,
		broadcast.GameAbandoned{GameID: gameID, By: userID})
	e.logAction(gameID, out.MoveCount+1, userID, "game_abandon", nil)
	e.logger.WithFields(logrus.Fields{
		"game_id": gameID,
		"user_id": userID,
	}).Info("game abandoned")
	return &out, nil
}

// FinalizeOutcome makes sure a finished board carries its terminal status. Calling
// it again, or on a game that already ended, returns the stored game unchanged.
func (e *Engine) FinalizeOutcome(ctx context.Context, gameID, userID uuid.UUID) (*models.Game, error) {
	var out models.Game
	err := store.RunTx(ctx, e.store, func(tx store.Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		if g.SymbolFor(userID) == models.SymbolNone {
			return fmt.Errorf("%w: not a player of this game", models.ErrForbidden)
		}
		if g.Status.Terminal() {
			out = *g
			return nil
		}
		outcome := DetectWinner(g.Board)
		if outcome == nil {
			return fmt.Errorf("%w: game is not over", models.ErrPrecondition)
		}
		g.Status = outcome.Status()
		g.Turn = models.SymbolNone
		if outcome.Symbol != nil {
			winner := g.PlayerFor(*outcome.Symbol)
			g.WinnerID = &winner
		}
		if err := tx.UpdateGame(ctx, g); err != nil {
			return err
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.clock.Stop(gameID)
	return &out, nil
}

// State returns the participant view used for reconnects.
func (e *Engine) State(ctx context.Context, gameID, userID uuid.UUID) (*GameState, error) {
	g, err := e.participantGame(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	st := &GameState{Game: *g}
	if g.Status.Terminal() && g.Status != models.GameAbandoned {
		st.Winner = DetectWinner(g.Board)
	}
	if d, ok := e.clock.Deadline(gameID); ok && g.Status == models.GameInProgress {
		st.TurnDeadline = &d
	}
	return st, nil
}

// Moves returns the ordered move log of a game.
func (e *Engine) Moves(ctx context.Context, gameID, userID uuid.UUID) ([]models.Move, error) {
	if _, err := e.participantGame(ctx, gameID, userID); err != nil {
		return nil, err
	}
	return e.store.Moves(ctx, gameID)
}

// Authorize allows only the two players into the game room.
func (e *Engine) Authorize(ctx context.Context, gameID, userID uuid.UUID) error {
	_, err := e.participantGame(ctx, gameID, userID)
	return err
}

func (e *Engine) participantGame(ctx context.Context, gameID, userID uuid.UUID) (*models.Game, error) {
	g, err := e.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.SymbolFor(userID) == models.SymbolNone {
		return nil, fmt.Errorf("%w: not a player of this game", models.ErrForbidden)
	}
	return g, nil
}

// logAction pushes a record to the historian queue without blocking the caller.
func (e *Engine) logAction(gameID uuid.UUID, index int, actor uuid.UUID, actionType string, payload map[string]any) {
	if e.Actions == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	record := cache.ActionRecord{
		GameID:        gameID,
		ActionIndex:   index,
		ActorUserID:   actor,
		ActionType:    actionType,
		ActionPayload: payload,
		Timestamp:     time.Now().UnixMilli(),
	}
	go func(rec cache.ActionRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Actions.Push(ctx, rec); err != nil {
			e.logger.WithFields(logrus.Fields{
				"game_id": rec.GameID,
				"action":  rec.ActionType,
			}).WithError(err).Warn("failed to queue game action")
		}
	}(record)
}
