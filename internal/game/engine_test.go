package game

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/cache"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/jason-s-yu/tictactoe/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcaster collects envelopes instead of sending them anywhere.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcast.Envelope
}

func (mb *mockBroadcaster) Publish(_ context.Context, env broadcast.Envelope) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.events = append(mb.events, env)
	return nil
}

func (mb *mockBroadcaster) all() []broadcast.Envelope {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]broadcast.Envelope, len(mb.events))
	copy(out, mb.events)
	return out
}

func (mb *mockBroadcaster) ofType(typ broadcast.EventType) []broadcast.Envelope {
	var out []broadcast.Envelope
	for _, env := range mb.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// mockActions records queued historian actions.
type mockActions struct {
	mu      sync.Mutex
	records []cache.ActionRecord
}

func (ma *mockActions) Push(_ context.Context, rec cache.ActionRecord) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.records = append(ma.records, rec)
	return nil
}

func (ma *mockActions) types() []string {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	var out []string
	for _, r := range ma.records {
		out = append(out, r.ActionType)
	}
	return out
}

type testGame struct {
	engine *Engine
	store  *store.Memory
	mb     *mockBroadcaster
	game   models.Game
	x, o   uuid.UUID
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setupTestGame stores a fresh game between two new players. The turn clock is
// off unless a timeout is given.
func setupTestGame(t *testing.T, timeout time.Duration) *testGame {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	mb := &mockBroadcaster{}
	e := NewEngine(st, mb, quietLogger(), timeout)
	t.Cleanup(e.Shutdown)

	g := models.Game{
		ID:        uuid.New(),
		PlayerXID: uuid.New(),
		PlayerOID: uuid.New(),
		LobbyID:   uuid.New(),
		Turn:      models.SymbolX,
		Status:    models.GameInProgress,
	}
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertGame(ctx, &g) }))
	return &testGame{engine: e, store: st, mb: mb, game: g, x: g.PlayerXID, o: g.PlayerOID}
}

// play applies positions alternately starting with X.
func (tg *testGame) play(t *testing.T, positions ...int) *MoveResult {
	t.Helper()
	var res *MoveResult
	for i, p := range positions {
		player := tg.x
		if i%2 == 1 {
			player = tg.o
		}
		r, c := models.Cell(p)
		var err error
		res, err = tg.engine.ApplyMove(context.Background(), tg.game.ID, player, r, c)
		require.NoError(t, err, "move %d at %d", i, p)
	}
	return res
}

func (tg *testGame) reload(t *testing.T) *models.Game {
	t.Helper()
	g, err := tg.store.Game(context.Background(), tg.game.ID)
	require.NoError(t, err)
	return g
}

func TestApplyMoveKeepsCountsBalanced(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()

	seq := []int{4, 0, 8, 2, 1, 7, 3, 5}
	for i, p := range seq {
		player, sym := tg.x, models.SymbolX
		if i%2 == 1 {
			player, sym = tg.o, models.SymbolO
		}
		r, c := models.Cell(p)
		res, err := tg.engine.ApplyMove(ctx, tg.game.ID, player, r, c)
		require.NoError(t, err)
		assert.Equal(t, sym, res.Move.Symbol)

		x, o := res.Game.Board.Count()
		assert.LessOrEqual(t, x-o, 1)
		assert.GreaterOrEqual(t, x-o, 0)
		assert.Equal(t, i+1, x+o)
		assert.Equal(t, i+1, res.Game.MoveCount)
	}

	moves, err := tg.engine.Moves(ctx, tg.game.ID, tg.o)
	require.NoError(t, err)
	require.Len(t, moves, len(seq))
	for i, mv := range moves {
		assert.Equal(t, seq[i], mv.Position)
		assert.False(t, mv.Auto)
	}
	assert.Len(t, tg.mb.ofType(broadcast.EventMovePlayed), len(seq))
}

func TestApplyMoveRejections(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()
	tg.play(t, 4)
	before := tg.reload(t)
	eventsBefore := len(tg.mb.all())

	tests := []struct {
		name   string
		gameID uuid.UUID
		user   uuid.UUID
		row    int
		col    int
		want   error
	}{
		{"not your turn", tg.game.ID, tg.x, 0, 0, models.ErrPrecondition},
		{"occupied", tg.game.ID, tg.o, 1, 1, models.ErrPrecondition},
		{"row off board", tg.game.ID, tg.o, 3, 0, models.ErrValidation},
		{"negative col", tg.game.ID, tg.o, 0, -1, models.ErrValidation},
		{"stranger", tg.game.ID, uuid.New(), 0, 0, models.ErrForbidden},
		{"unknown game", uuid.New(), tg.o, 0, 0, models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tg.engine.ApplyMove(ctx, tt.gameID, tt.user, tt.row, tt.col)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}

	after := tg.reload(t)
	assert.Equal(t, before.Board, after.Board)
	assert.Equal(t, before.MoveCount, after.MoveCount)
	moves, err := tg.store.Moves(ctx, tg.game.ID)
	require.NoError(t, err)
	assert.Len(t, moves, 1)
	assert.Len(t, tg.mb.all(), eventsBefore)
}

func TestColumnWinEndsGame(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()

	res := tg.play(t, 0, 1, 3, 4, 6)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.LineCol, res.Outcome.Type)
	assert.Equal(t, 0, *res.Outcome.Index)
	assert.Equal(t, models.GameXWon, res.Game.Status)
	assert.Equal(t, models.SymbolNone, res.Game.Turn)
	require.NotNil(t, res.Game.WinnerID)
	assert.Equal(t, tg.x, *res.Game.WinnerID)

	won := tg.mb.ofType(broadcast.EventGameWon)
	require.Len(t, won, 1)
	var payload broadcast.GameWon
	require.NoError(t, json.Unmarshal(won[0].Payload, &payload))
	assert.Equal(t, models.SymbolX, *payload.Winner.Symbol)
	assert.Equal(t, broadcast.GameRoom(tg.game.ID), won[0].Room)

	_, err := tg.engine.ApplyMove(ctx, tg.game.ID, tg.o, 2, 2)
	assert.ErrorIs(t, err, models.ErrPrecondition)

	st, err := tg.engine.State(ctx, tg.game.ID, tg.o)
	require.NoError(t, err)
	require.NotNil(t, st.Winner)
	assert.Equal(t, models.LineCol, st.Winner.Type)
	assert.Nil(t, st.TurnDeadline)
}

func TestMovePlayedNamesTheMover(t *testing.T) {
	tg := setupTestGame(t, 0)
	tg.play(t, 4)

	played := tg.mb.ofType(broadcast.EventMovePlayed)
	require.Len(t, played, 1)
	assert.Equal(t, tg.x, played[0].SenderID)

	var payload broadcast.MovePlayed
	require.NoError(t, json.Unmarshal(played[0].Payload, &payload))
	assert.Equal(t, models.SymbolO, payload.Turn)
	assert.Equal(t, 4, payload.Position)
	assert.Equal(t, 1, payload.MoveCount)
	assert.Nil(t, payload.Winner)
}

func TestDrawGameRejectsMoves(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()

	res := tg.play(t, 0, 1, 2, 4, 3, 5, 7, 6, 8)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.LineDraw, res.Outcome.Type)
	assert.Equal(t, models.GameDraw, res.Game.Status)
	assert.Nil(t, res.Game.WinnerID)

	for _, user := range []uuid.UUID{tg.x, tg.o} {
		_, err := tg.engine.ApplyMove(ctx, tg.game.ID, user, 0, 0)
		assert.ErrorIs(t, err, models.ErrPrecondition)
	}
}

func TestFinalizeOutcomeIsIdempotent(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()
	tg.play(t, 0, 1, 3, 4, 6)

	first, err := tg.engine.FinalizeOutcome(ctx, tg.game.ID, tg.x)
	require.NoError(t, err)
	second, err := tg.engine.FinalizeOutcome(ctx, tg.game.ID, tg.o)
	require.NoError(t, err)
	assert.Equal(t, models.GameXWon, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.WinnerID, second.WinnerID)
}

func TestFinalizeOutcomeRepairsUnfinishedStatus(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()

	// a finished board persisted without its terminal status
	require.NoError(t, tg.store.InTx(ctx, func(tx store.Tx) error {
		g, err := tx.GameForUpdate(ctx, tg.game.ID)
		if err != nil {
			return err
		}
		g.Board = board("OOO", "XX.", "X..")
		g.MoveCount = 6
		g.Turn = models.SymbolX
		return tx.UpdateGame(ctx, g)
	}))

	g, err := tg.engine.FinalizeOutcome(ctx, tg.game.ID, tg.x)
	require.NoError(t, err)
	assert.Equal(t, models.GameOWon, g.Status)
	assert.Equal(t, models.SymbolNone, g.Turn)
	require.NotNil(t, g.WinnerID)
	assert.Equal(t, tg.o, *g.WinnerID)

	again, err := tg.engine.FinalizeOutcome(ctx, tg.game.ID, tg.x)
	require.NoError(t, err)
	assert.Equal(t, g.Status, again.Status)
}

func TestFinalizeOutcomeOnOpenBoard(t *testing.T) {
	tg := setupTestGame(t, 0)
	tg.play(t, 4)

	_, err := tg.engine.FinalizeOutcome(context.Background(), tg.game.ID, tg.x)
	assert.ErrorIs(t, err, models.ErrPrecondition)
	_, err = tg.engine.FinalizeOutcome(context.Background(), tg.game.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestAbandon(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()
	tg.play(t, 4)

	_, err := tg.engine.Abandon(ctx, tg.game.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrForbidden)

	g, err := tg.engine.Abandon(ctx, tg.game.ID, tg.o)
	require.NoError(t, err)
	assert.Equal(t, models.GameAbandoned, g.Status)
	assert.Equal(t, models.SymbolNone, g.Turn)
	assert.Nil(t, g.WinnerID)

	abandoned := tg.mb.ofType(broadcast.EventGameAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, tg.o, abandoned[0].SenderID)

	_, err = tg.engine.ApplyMove(ctx, tg.game.ID, tg.o, 0, 0)
	assert.ErrorIs(t, err, models.ErrPrecondition)
	_, err = tg.engine.Abandon(ctx, tg.game.ID, tg.x)
	assert.ErrorIs(t, err, models.ErrPrecondition)

	// abandoned games keep their status when finalized
	fin, err := tg.engine.FinalizeOutcome(ctx, tg.game.ID, tg.x)
	require.NoError(t, err)
	assert.Equal(t, models.GameAbandoned, fin.Status)
}

func TestConcurrentMovesOnSameCell(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tg.engine.ApplyMove(ctx, tg.game.ID, tg.x, 1, 1)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, models.ErrPrecondition)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, tg.reload(t).MoveCount)
}

func TestAutoMovePlaysForStalledPlayer(t *testing.T) {
	tg := setupTestGame(t, 20*time.Millisecond)
	actions := &mockActions{}
	tg.engine.Actions = actions
	tg.engine.Intn = func(int) int { return 0 }

	tg.engine.Begin(context.Background(), tg.game)

	require.Eventually(t, func() bool {
		g, err := tg.store.Game(context.Background(), tg.game.ID)
		return err == nil && g.MoveCount >= 2
	}, 2*time.Second, 5*time.Millisecond)
	tg.engine.Shutdown()

	moves, err := tg.store.Moves(context.Background(), tg.game.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(moves), 2)
	// the first free cell each time: X takes 0, then O takes 1
	assert.Equal(t, 0, moves[0].Position)
	assert.Equal(t, models.SymbolX, moves[0].Symbol)
	assert.Equal(t, tg.x, moves[0].PlayerID)
	assert.True(t, moves[0].Auto)
	assert.Equal(t, 1, moves[1].Position)
	assert.Equal(t, models.SymbolO, moves[1].Symbol)

	played := tg.mb.ofType(broadcast.EventMovePlayed)
	require.NotEmpty(t, played)
	assert.Equal(t, uuid.Nil, played[0].SenderID)

	assert.Eventually(t, func() bool {
		types := actions.types()
		return len(types) >= 2 && contains(types, "game_start") && contains(types, "move")
	}, time.Second, 5*time.Millisecond)
}

func TestAutoMoveIgnoresStaleTimer(t *testing.T) {
	tg := setupTestGame(t, 0)
	ctx := context.Background()
	tg.play(t, 4)

	_, err := tg.engine.AutoMove(ctx, tg.game.ID, 0)
	assert.ErrorIs(t, err, models.ErrPrecondition)
	assert.Equal(t, 1, tg.reload(t).MoveCount)

	res, err := tg.engine.AutoMove(ctx, tg.game.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SymbolO, res.Move.Symbol)
	assert.True(t, res.Move.Auto)
	assert.NotEqual(t, 4, res.Move.Position)
}

func TestAcceptedMoveResetsDeadline(t *testing.T) {
	tg := setupTestGame(t, time.Hour)
	ctx := context.Background()
	tg.engine.Begin(ctx, tg.game)

	first, ok := tg.engine.Clock().Deadline(tg.game.ID)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	tg.play(t, 4)
	st, err := tg.engine.State(ctx, tg.game.ID, tg.x)
	require.NoError(t, err)
	require.NotNil(t, st.TurnDeadline)
	assert.True(t, st.TurnDeadline.After(first))

	for _, mv := range []struct {
		user uuid.UUID
		pos  int
	}{{tg.o, 0}, {tg.x, 3}, {tg.o, 1}, {tg.x, 5}} {
		r, c := models.Cell(mv.pos)
		_, err := tg.engine.ApplyMove(ctx, tg.game.ID, mv.user, r, c)
		require.NoError(t, err)
	}
	assert.Equal(t, models.GameXWon, tg.reload(t).Status)
	_, ok = tg.engine.Clock().Deadline(tg.game.ID)
	assert.False(t, ok)
}

func TestRestoreRearmsActiveGames(t *testing.T) {
	tg := setupTestGame(t, time.Hour)
	n, err := tg.engine.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := tg.engine.Clock().Deadline(tg.game.ID)
	assert.True(t, ok)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
