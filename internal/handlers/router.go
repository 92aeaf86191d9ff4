package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/game"
	"github.com/jason-s-yu/tictactoe/internal/lobby"
	"github.com/jason-s-yu/tictactoe/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Deps are the services the HTTP and WebSocket surface is built on.
type Deps struct {
	Logger         logrus.FieldLogger
	Users          UserStore
	Lobbies        *lobby.Manager
	Games          *game.Engine
	Hub            broadcast.Hub
	AllowedOrigins []string
}

// NewRouter mounts every route.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LogMiddleware(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/user/create", CreateUserHandler(d.Users, d.Logger))
	r.Post("/user/login", LoginHandler(d.Users, d.Logger))

	r.Get("/ws", RoomsWSHandler(d.Logger, d.Hub, d.Lobbies, d.Games, originHosts(d.AllowedOrigins)))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth)

		r.Route("/lobby", func(r chi.Router) {
			r.Post("/create", CreateLobbyHandler(d.Lobbies, d.Logger))
			r.Post("/join", JoinLobbyHandler(d.Lobbies, d.Logger))
			r.Get("/current", CurrentLobbyHandler(d.Lobbies, d.Logger))
			r.Get("/{id}", GetLobbyHandler(d.Lobbies, d.Logger))
			r.Post("/{id}/leave", LeaveLobbyHandler(d.Lobbies, d.Logger))
			r.Post("/{id}/ready", ToggleReadyHandler(d.Lobbies, d.Logger))
			r.Post("/{id}/start", StartGameHandler(d.Lobbies, d.Logger))
		})

		r.Route("/game/{id}", func(r chi.Router) {
			r.Get("/", GetGameHandler(d.Games, d.Logger))
			r.Get("/moves", ListMovesHandler(d.Games, d.Logger))
			r.Post("/move", PlayMoveHandler(d.Games, d.Logger))
			r.Post("/abandon", AbandonGameHandler(d.Games, d.Logger))
			r.Post("/finalize", FinalizeGameHandler(d.Games, d.Logger))
		})
	})
	return r
}

// originHosts turns CORS origins into the host patterns the WebSocket origin
// check matches against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}
