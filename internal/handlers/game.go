// internal/handlers/game.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/tictactoe/internal/game"
	"github.com/sirupsen/logrus"
)

type moveRequest struct {
	Row *int `json:"row"`
	Col *int `json:"col"`
}

// GetGameHandler returns the board, turn, outcome and turn deadline.
func GetGameHandler(games *game.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		state, err := games.State(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func ListMovesHandler(games *game.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		moves, err := games.Moves(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, moves)
	}
}

// PlayMoveHandler places the caller's symbol at {"row", "col"}.
func PlayMoveHandler(games *game.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		var req moveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}
		if req.Row == nil || req.Col == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "row and col are required"})
			return
		}
		res, err := games.ApplyMove(r.Context(), id, caller(r), *req.Row, *req.Col)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, res)
	}
}

func AbandonGameHandler(games *game.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		g, err := games.Abandon(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, g)
	}
}

// FinalizeGameHandler re-derives the outcome of a finished board and repairs the
// stored status if it disagrees.
func FinalizeGameHandler(games *game.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		g, err := games.FinalizeOutcome(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, g)
	}
}
