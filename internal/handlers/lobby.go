// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/tictactoe/internal/lobby"
	"github.com/sirupsen/logrus"
)

type joinLobbyRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

type readyResponse struct {
	InviteeReady bool `json:"invitee_ready"`
}

// CreateLobbyHandler opens a lobby hosted by the caller.
func CreateLobbyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lobby.CreateParams
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}
		l, err := lobbies.Create(r.Context(), caller(r), req)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, l)
	}
}

// JoinLobbyHandler seats the caller as invitee of the lobby with the given code.
func JoinLobbyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinLobbyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}
		l, err := lobbies.Join(r.Context(), caller(r), req.Code, req.Password)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, l)
	}
}

// CurrentLobbyHandler returns the caller's open lobby, or null.
func CurrentLobbyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := lobbies.Current(r.Context(), caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// GetLobbyHandler returns a lobby the caller takes part in.
func GetLobbyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		l, err := lobbies.Get(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

func LeaveLobbyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		l, err := lobbies.Leave(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, l)
	}
}

func ToggleReadyHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		ready, err := lobbies.ToggleReady(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, readyResponse{InviteeReady: ready})
	}
}

// StartGameHandler lets the host start the game once the invitee is ready.
func StartGameHandler(lobbies *lobby.Manager, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		g, err := lobbies.StartGame(r.Context(), id, caller(r))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeApplied(w, g)
	}
}
