// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogMiddleware logs every request with its status, duration, request id and,
// when authenticated, the caller's user id.
func LogMiddleware(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			// the auth middleware runs deeper in the chain, so it records the
			// user into this holder rather than into a context we never see
			holder := &userHolder{}
			next.ServeHTTP(ww, r.WithContext(withUserHolder(r.Context(), holder)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   status,
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				fields["request_id"] = id
			}
			if holder.id != uuid.Nil {
				fields["user_id"] = holder.id
			}

			entry := logger.WithFields(fields)
			switch {
			case status >= http.StatusInternalServerError:
				entry.Error("HTTP Request")
			case status >= http.StatusBadRequest:
				entry.Warn("HTTP Request")
			default:
				entry.Info("HTTP Request")
			}
		})
	}
}

// LogWebSocketConnect logs a message when a WebSocket client connects.
func LogWebSocketConnect(logger logrus.FieldLogger, r *http.Request, userID uuid.UUID) {
	logger.WithFields(logrus.Fields{
		"remote":  r.RemoteAddr,
		"path":    r.URL.Path,
		"user_id": userID,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a message when a WebSocket client disconnects.
func LogWebSocketDisconnect(logger logrus.FieldLogger, r *http.Request, userID uuid.UUID, err error) {
	fields := logrus.Fields{
		"remote":  r.RemoteAddr,
		"path":    r.URL.Path,
		"user_id": userID,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
