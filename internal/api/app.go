package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/receipts"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"go.uber.org/zap"
)

type AppDeps struct {
	Repo       database.ChatRepository
	Gateway    *server.Gateway
	Presence   *presence.Tracker
	Receipts   *receipts.Reconciler
	Principals auth.PrincipalResolver
	// Stats serves runtime counters at /debug/vars when set.
	Stats http.Handler
}

// App is the HTTP surface of the chat relay: websocket endpoints plus the
// small query API around them.
type App struct {
	log            *zap.Logger
	repo           database.ChatRepository
	gw             *server.Gateway
	presence       *presence.Tracker
	receipts       *receipts.Reconciler
	principals     auth.PrincipalResolver
	allowedOrigins []string
	notifyToken    string
	upgrader       websocket.Upgrader
	handler        http.Handler
	srv            *http.Server
}

func NewApp(deps AppDeps, cfg *config.Config, logger *zap.Logger) *App {
	a := &App{
		log:            logger.Named("api"),
		repo:           deps.Repo,
		gw:             deps.Gateway,
		presence:       deps.Presence,
		receipts:       deps.Receipts,
		principals:     deps.Principals,
		allowedOrigins: cfg.AllowedOrigins,
		notifyToken:    cfg.NotifyToken,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.healthz)
	if deps.Stats != nil {
		r.Method(http.MethodGet, "/debug/vars", deps.Stats)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Get("/ws/chat/{roomID}", a.serveRoomWs)
		r.Get("/ws/direct/{userID}", a.serveDirectWs)
		r.Get("/ws/notifications", a.serveNotificationsWs)

		r.Get("/api/rooms/{roomID}/messages", a.getMessages)
		r.Get("/api/rooms/{roomID}/unread", a.getUnreadCount)
		r.Post("/api/rooms/{roomID}/convert", a.convertToGroup)
		r.Get("/api/presence", a.getPresence)
	})

	r.Post("/api/notify", a.notify)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", notifyTokenHeader}),
		handlers.AllowCredentials(),
	)(r)

	a.handler = a.errorHandler(h)
	a.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a
}

func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(a.allowedOrigins, origin)
}

func (a *App) Start() error {
	a.log.Info("starting server", zap.String("addr", a.srv.Addr))
	return a.srv.ListenAndServe()
}

// Shutdown stops accepting requests. Hijacked websocket connections are
// not tracked by the HTTP server and are closed by the gateway.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down HTTP server")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
