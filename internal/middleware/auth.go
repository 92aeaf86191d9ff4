package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/tictactoe/internal/auth"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	userHolderKey
)

type userHolder struct {
	id uuid.UUID
}

func withUserHolder(ctx context.Context, h *userHolder) context.Context {
	return context.WithValue(ctx, userHolderKey, h)
}

// TokenFromRequest returns the session token from the auth cookie, falling back
// to an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(auth.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Authenticate resolves the caller's user id from the request's token.
func Authenticate(r *http.Request) (uuid.UUID, bool) {
	token := TokenFromRequest(r)
	if token == "" {
		return uuid.Nil, false
	}
	id, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// RequireAuth rejects requests without a valid session with 401 and stores the
// user id in the context of the rest.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := Authenticate(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h, ok := r.Context().Value(userHolderKey).(*userHolder); ok {
			h.id = id
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the authenticated user id stored by RequireAuth.
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
