package game

import "github.com/jason-s-yu/tictactoe/internal/models"

// DetectWinner inspects a board and reports how it finished, or nil while it is
// still open. Lines are checked in a fixed order (rows 0..2, columns 0..2, the
// main diagonal, then the anti-diagonal) and the first complete line wins. A full
// board without a line is a draw.
func DetectWinner(b models.Board) *models.Outcome {
	for r := 0; r < 3; r++ {
		if s := b[r][0]; s != models.SymbolNone && s == b[r][1] && s == b[r][2] {
			return line(s, models.LineRow, r)
		}
	}
	for c := 0; c < 3; c++ {
		if s := b[0][c]; s != models.SymbolNone && s == b[1][c] && s == b[2][c] {
			return line(s, models.LineCol, c)
		}
	}
	if s := b[1][1]; s != models.SymbolNone {
		if s == b[0][0] && s == b[2][2] {
			return line(s, models.LineDiag, 0)
		}
		if s == b[0][2] && s == b[2][0] {
			return line(s, models.LineDiag, 1)
		}
	}
	if b.Full() {
		return &models.Outcome{Type: models.LineDraw}
	}
	return nil
}

func line(s models.Symbol, t models.LineType, index int) *models.Outcome {
	return &models.Outcome{Symbol: &s, Type: t, Index: &index}
}
