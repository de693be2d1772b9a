package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/clk-66/accord/internal/auth"
	"github.com/clk-66/accord/internal/channels"
	"github.com/clk-66/accord/internal/config"
	"github.com/clk-66/accord/internal/db"
	"github.com/clk-66/accord/internal/gateway"
	"github.com/clk-66/accord/internal/hub"
	"github.com/clk-66/accord/internal/media"
	mw "github.com/clk-66/accord/internal/middleware"
	"github.com/clk-66/accord/internal/session"
	"github.com/clk-66/accord/internal/users"
	"github.com/clk-66/accord/internal/voice"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if cfg.JWTSecret == "" {
		return errors.New("ACCORD_JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	channelStore := channels.NewStore(database)
	userStore := users.NewStore(database)

	// Nobody is live in voice before the first connection arrives.
	rosters, err := channelStore.ClearRosters(ctx)
	if err != nil {
		return err
	}
	pointers, err := userStore.ClearVoice(ctx)
	if err != nil {
		return err
	}
	slog.Info("cleared stale voice state", "roster_entries", rosters, "voice_pointers", pointers)

	sessions := session.NewDirectory()
	wsHub := hub.NewHub(cfg.Domain, sessions)
	presence := voice.NewRegistry()
	coord := voice.NewCoordinator(sessions, channelStore, userStore, presence, wsHub)

	var mediaClient gateway.MediaClient
	if cfg.MediaURL != "" {
		mediaClient = media.NewClient(cfg.MediaURL)
	} else {
		slog.Warn("ACCORD_MEDIA_URL is not set; voice membership works without media sessions")
	}
	gw := gateway.New(coord, wsHub, channelStore, sessions, mediaClient)
	wsHub.SetHandler(gw)

	authHandler := auth.NewHandler(auth.NewService(database, cfg.JWTSecret, cfg.AccessTokenTTL))
	usersHandler := users.NewHandler(userStore)
	channelsHandler := channels.NewHandler(channelStore, wsHub, sessions, presence)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true}) //nolint:errcheck
	})

	r.Post("/auth/register", authHandler.Register)
	r.Post("/auth/login", authHandler.Login)

	// Browsers cannot set headers on a WebSocket upgrade, so the access token
	// travels as ?token=.
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.ValidateAccessToken(r.URL.Query().Get("token"), cfg.JWTSecret)
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		wsHub.ServeWS(w, r, claims.UserID)
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(cfg.JWTSecret))

		r.Get("/users/@me", usersHandler.Me)

		r.Post("/guilds", channelsHandler.CreateGuild)
		r.Get("/guilds/@me", channelsHandler.ListMyGuilds)
		r.Route("/guilds/{id}", func(r chi.Router) {
			r.Post("/members", channelsHandler.JoinGuild)
			r.Get("/channels", channelsHandler.ListChannels)
			r.Post("/channels", channelsHandler.CreateChannel)
		})

		r.Get("/channels/{id}", channelsHandler.GetChannel)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run returns once every connection has detached, so media leaves
		// started by disconnects are already tracked when Close waits.
		err := wsHub.Run(gctx)
		gw.Close()
		return err
	})
	g.Go(func() error {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
