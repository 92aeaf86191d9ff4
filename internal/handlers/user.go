package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/jason-s-yu/tictactoe/internal/auth"
	"github.com/jason-s-yu/tictactoe/internal/database"
	"github.com/jason-s-yu/tictactoe/internal/models"
	"github.com/sirupsen/logrus"
)

// UserStore creates and authenticates accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	AuthenticateUser(ctx context.Context, email, password string) (*models.User, error)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// CreateUserHandler registers an account.
func CreateUserHandler(users UserStore, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}

		user := models.User{
			Email:    req.Email,
			Password: req.Password,
			Username: req.Username,
		}
		if err := users.CreateUser(r.Context(), &user); err != nil {
			writeError(w, r, logger, err)
			return
		}
		user.Password = ""

		logger.WithField("user_id", user.ID).Info("user created")
		writeJSON(w, http.StatusCreated, user)
	}
}

// LoginHandler checks the credentials and returns a session token, also set as
// the auth cookie.
//
// Request payload:
//
//	{
//	  "email": "someone@example.com",
//	  "password": "password"
//	}
//
// Response payload:
//
//	{
//	  "token": "{jwt}",
//	  "user": {...}
//	}
func LoginHandler(users UserStore, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, logger, err)
			return
		}

		user, err := users.AuthenticateUser(r.Context(), req.Email, req.Password)
		if errors.Is(err, database.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication failed"})
			return
		}
		if err != nil {
			writeError(w, r, logger, err)
			return
		}

		token, err := auth.CreateJWT(user.ID)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}

		cookie := &http.Cookie{
			Name:     auth.CookieName,
			Value:    token,
			HttpOnly: true,
			Path:     "/",
			SameSite: http.SameSiteLaxMode,
		}
		if ttl := auth.TokenTTL(); ttl > 0 {
			cookie.MaxAge = int(ttl.Seconds())
		}
		http.SetCookie(w, cookie)

		user.Password = ""
		writeJSON(w, http.StatusOK, loginResponse{Token: token, User: *user})
	}
}
