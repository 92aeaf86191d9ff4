package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/middleware"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error string `json:"error"`
}

// applied wraps the result of a mutating request. Applied is false when the
// request was well formed but the lobby or game was not in a state that allows it.
type applied struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeApplied(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, applied{Applied: true, Data: data})
}

// writeError maps a domain error onto a response. Forbidden and not found share a
// body so callers cannot probe for ids they do not belong to.
func writeError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, models.ErrPrecondition):
		logger.WithField("path", r.URL.Path).WithError(err).Debug("request not applied")
		writeJSON(w, http.StatusOK, applied{Applied: false, Reason: err.Error()})
	default:
		logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request payload", models.ErrValidation)
	}
	return nil
}

// idParam parses the {id} route parameter. Malformed ids look the same as unknown ones.
func idParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, models.ErrNotFound
	}
	return id, nil
}

// caller returns the user id RequireAuth stored on the request.
func caller(r *http.Request) uuid.UUID {
	id, _ := middleware.UserID(r.Context())
	return id
}
