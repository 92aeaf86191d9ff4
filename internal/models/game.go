// internal/models/game.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Symbol is a mark on the board. The zero value is an empty cell, and as a turn
// value it means nobody is to move.
type Symbol string

const (
	SymbolNone Symbol = ""
	SymbolX    Symbol = "X"
	SymbolO    Symbol = "O"
)

// Opponent returns the other player's symbol. SymbolNone maps to itself.
func (s Symbol) Opponent() Symbol {
	switch s {
	case SymbolX:
		return SymbolO
	case SymbolO:
		return SymbolX
	}
	return SymbolNone
}

// Valid reports whether s is one of the known symbols, including none.
func (s Symbol) Valid() bool {
	switch s {
	case SymbolNone, SymbolX, SymbolO:
		return true
	}
	return false
}

// GameStatus is the lifecycle state of a game row.
type GameStatus string

const (
	GameInProgress GameStatus = "in_progress"
	GameDraw       GameStatus = "draw"
	GameXWon       GameStatus = "X_won"
	GameOWon       GameStatus = "O_won"
	GameAbandoned  GameStatus = "abandoned"
)

// Valid reports whether s is one of the known game states.
func (s GameStatus) Valid() bool {
	switch s {
	case GameInProgress, GameDraw, GameXWon, GameOWon, GameAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further moves can be applied.
func (s GameStatus) Terminal() bool {
	switch s {
	case GameDraw, GameXWon, GameOWon, GameAbandoned:
		return true
	}
	return false
}

// WonStatus maps a winning symbol to its terminal status.
func WonStatus(s Symbol) GameStatus {
	switch s {
	case SymbolX:
		return GameXWon
	case SymbolO:
		return GameOWon
	}
	return GameDraw
}

// Board is the 3x3 grid, indexed [row][col].
type Board [3][3]Symbol

// Position converts a row and column into the 0..8 cell index stored on moves.
func Position(row, col int) int { return row*3 + col }

// Cell returns the row and column for a 0..8 cell index.
func Cell(position int) (row, col int) { return position / 3, position % 3 }

// Count returns how many X and O marks are on the board.
func (b Board) Count() (x, o int) {
	for _, row := range b {
		for _, s := range row {
			switch s {
			case SymbolX:
				x++
			case SymbolO:
				o++
			}
		}
	}
	return x, o
}

// Full reports whether every cell is marked.
func (b Board) Full() bool {
	x, o := b.Count()
	return x+o == 9
}

// EmptyPositions returns the cell indexes that are still free, in ascending order.
func (b Board) EmptyPositions() []int {
	var free []int
	for p := 0; p < 9; p++ {
		r, c := Cell(p)
		if b[r][c] == SymbolNone {
			free = append(free, p)
		}
	}
	return free
}

// Game represents a row in the games table.
type Game struct {
	ID        uuid.UUID  `json:"id"`
	PlayerXID uuid.UUID  `json:"player_x_id"`
	PlayerOID uuid.UUID  `json:"player_o_id"`
	LobbyID   uuid.UUID  `json:"lobby_id"`
	Board     Board      `json:"board"`
	Turn      Symbol     `json:"turn"`
	Status    GameStatus `json:"status"`
	WinnerID  *uuid.UUID `json:"winner_id"`
	// MoveCount equals the number of accepted moves. It doubles as the row version
	// the turn clock uses to detect stale expirations.
	MoveCount int       `json:"move_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SymbolFor returns the symbol userID plays, or SymbolNone for a non-participant.
func (g *Game) SymbolFor(userID uuid.UUID) Symbol {
	switch userID {
	case g.PlayerXID:
		return SymbolX
	case g.PlayerOID:
		return SymbolO
	}
	return SymbolNone
}

// PlayerFor returns the user id playing symbol s.
func (g *Game) PlayerFor(s Symbol) uuid.UUID {
	if s == SymbolO {
		return g.PlayerOID
	}
	return g.PlayerXID
}

// Move is one accepted placement. Moves are append-only.
type Move struct {
	ID        int64     `json:"id"`
	GameID    uuid.UUID `json:"game_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	Position  int       `json:"position"`
	Symbol    Symbol    `json:"symbol"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`
}

// LineType names the shape of a finished game.
type LineType string

const (
	LineRow  LineType = "row"
	LineCol  LineType = "col"
	LineDiag LineType = "diag"
	LineDraw LineType = "draw"
)

// Outcome describes how a board finished. Symbol and Index are nil for a draw.
// Diagonal index 0 is the main diagonal and 1 the anti-diagonal.
type Outcome struct {
	Symbol *Symbol  `json:"symbol"`
	Type   LineType `json:"type"`
	Index  *int     `json:"index"`
}

// Status returns the terminal game status for the outcome.
func (o *Outcome) Status() GameStatus {
	if o.Symbol == nil {
		return GameDraw
	}
	return WonStatus(*o.Symbol)
}
