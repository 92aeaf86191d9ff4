package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/models"
)

// Memory is an in-process Store. One mutex serializes every transaction, which is
// strictly stronger than per-row locks. Writes are staged and only become visible
// when the transaction function returns nil. Move ids behave like a sequence: a
// rolled back insert still consumes its id.
type Memory struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]models.Lobby
	games   map[uuid.UUID]models.Game
	moves   map[uuid.UUID][]models.Move
	nextID  int64

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		lobbies: make(map[uuid.UUID]models.Lobby),
		games:   make(map[uuid.UUID]models.Game),
		moves:   make(map[uuid.UUID][]models.Move),
		now:     time.Now,
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:       m,
		lobbies: make(map[uuid.UUID]models.Lobby),
		games:   make(map[uuid.UUID]models.Game),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, l := range tx.lobbies {
		m.lobbies[id] = l
	}
	for id, g := range tx.games {
		m.games[id] = g
	}
	for _, mv := range tx.moves {
		m.moves[mv.GameID] = append(m.moves[mv.GameID], mv)
	}
	return nil
}

func (m *Memory) Lobby(_ context.Context, id uuid.UUID) (*models.Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &l, nil
}

func (m *Memory) OpenLobbyForUser(_ context.Context, userID uuid.UUID) (*models.Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return openLobbyFor(m.lobbies, nil, userID), nil
}

func (m *Memory) Game(_ context.Context, id uuid.UUID) (*models.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &g, nil
}

func (m *Memory) Moves(_ context.Context, gameID uuid.UUID) ([]models.Move, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Move, len(m.moves[gameID]))
	copy(out, m.moves[gameID])
	return out, nil
}

func (m *Memory) ActiveGames(_ context.Context) ([]models.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Game
	for _, g := range m.games {
		if g.Status == models.GameInProgress {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// memTx stages writes on top of the committed maps. The store mutex is held for
// the whole lifetime of a memTx.
type memTx struct {
	m       *Memory
	lobbies map[uuid.UUID]models.Lobby
	games   map[uuid.UUID]models.Game
	moves   []models.Move
}

func (tx *memTx) lobby(id uuid.UUID) (models.Lobby, bool) {
	if l, ok := tx.lobbies[id]; ok {
		return l, true
	}
	l, ok := tx.m.lobbies[id]
	return l, ok
}

func (tx *memTx) LobbyForUpdate(_ context.Context, id uuid.UUID) (*models.Lobby, error) {
	l, ok := tx.lobby(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return &l, nil
}

func (tx *memTx) LobbyByCodeForUpdate(ctx context.Context, code string) (*models.Lobby, error) {
	for id := range tx.lobbies {
		if tx.lobbies[id].Code == code {
			return tx.LobbyForUpdate(ctx, id)
		}
	}
	for id, l := range tx.m.lobbies {
		if l.Code == code {
			return tx.LobbyForUpdate(ctx, id)
		}
	}
	return nil, models.ErrNotFound
}

func (tx *memTx) OpenLobbyForUser(_ context.Context, userID uuid.UUID) (*models.Lobby, error) {
	return openLobbyFor(tx.m.lobbies, tx.lobbies, userID), nil
}

func (tx *memTx) CodeExists(_ context.Context, code string) (bool, error) {
	for _, l := range tx.lobbies {
		if l.Code == code {
			return true, nil
		}
	}
	for _, l := range tx.m.lobbies {
		if l.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) InsertLobby(ctx context.Context, l *models.Lobby) error {
	if _, ok := tx.lobby(l.ID); ok {
		return ErrConflict
	}
	if taken, _ := tx.CodeExists(ctx, l.Code); taken {
		return ErrConflict
	}
	now := tx.m.now()
	l.CreatedAt, l.UpdatedAt = now, now
	tx.lobbies[l.ID] = *l
	return nil
}

func (tx *memTx) UpdateLobby(_ context.Context, l *models.Lobby) error {
	if _, ok := tx.lobby(l.ID); !ok {
		return models.ErrNotFound
	}
	l.UpdatedAt = tx.m.now()
	tx.lobbies[l.ID] = *l
	return nil
}

func (tx *memTx) game(id uuid.UUID) (models.Game, bool) {
	if g, ok := tx.games[id]; ok {
		return g, true
	}
	g, ok := tx.m.games[id]
	return g, ok
}

func (tx *memTx) GameForUpdate(_ context.Context, id uuid.UUID) (*models.Game, error) {
	g, ok := tx.game(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return &g, nil
}

func (tx *memTx) InsertGame(_ context.Context, g *models.Game) error {
	if _, ok := tx.game(g.ID); ok {
		return ErrConflict
	}
	now := tx.m.now()
	g.CreatedAt, g.UpdatedAt = now, now
	tx.games[g.ID] = *g
	return nil
}

func (tx *memTx) UpdateGame(_ context.Context, g *models.Game) error {
	if _, ok := tx.game(g.ID); !ok {
		return models.ErrNotFound
	}
	g.UpdatedAt = tx.m.now()
	tx.games[g.ID] = *g
	return nil
}

func (tx *memTx) InsertMove(_ context.Context, mv *models.Move) error {
	if _, ok := tx.game(mv.GameID); !ok {
		return models.ErrNotFound
	}
	tx.m.nextID++
	mv.ID = tx.m.nextID
	mv.CreatedAt = tx.m.now()
	tx.moves = append(tx.moves, *mv)
	return nil
}

func openLobbyFor(committed, staged map[uuid.UUID]models.Lobby, userID uuid.UUID) *models.Lobby {
	var best *models.Lobby
	consider := func(l models.Lobby) {
		if !l.Status.Open() || !l.HasParticipant(userID) {
			return
		}
		if best == nil || l.CreatedAt.After(best.CreatedAt) {
			c := l
			best = &c
		}
	}
	for id, l := range committed {
		if s, ok := staged[id]; ok {
			l = s
		}
		consider(l)
	}
	for id, l := range staged {
		if _, ok := committed[id]; !ok {
			consider(l)
		}
	}
	return best
}
