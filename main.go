package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hirespot/chat/internal/auth"
	"github.com/hirespot/chat/internal/config"
	"github.com/hirespot/chat/internal/handlers"
	"github.com/hirespot/chat/internal/middleware"
	"github.com/hirespot/chat/internal/store/sqlstore"
	"github.com/hirespot/chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Fatal().Err(err).Msg("load config")
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flag.Parse()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	store, err := sqlstore.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	hub := ws.NewHub(store, logger)
	go hub.Run()

	verifier := auth.NewVerifier([]byte(cfg.TokenSecret))
	chatHandler := &handlers.ChatHandler{Store: store, Hub: hub}
	tokenHandler := &handlers.TokenHandler{Secret: []byte(cfg.TokenSecret), TokenTTL: cfg.TokenTTL}

	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	// Credential refresh accepts expired tokens and stays outside the auth
	// middleware.
	r.HandleFunc("/token/refresh", tokenHandler.Refresh).Methods("POST")

	protected := r.NewRoute().Subrouter()
	protected.Use(middleware.Auth(verifier))

	// REST collaborators
	protected.HandleFunc("/conversations", chatHandler.GetConversations).Methods("GET")
	protected.HandleFunc("/conversations/{id}/messages", chatHandler.GetMessages).Methods("GET")
	protected.HandleFunc("/conversations/{id}/read", chatHandler.MarkRead).Methods("POST")

	// Realtime transport
	protected.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r, middleware.UserIDFrom(r.Context()))
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("chat server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("serve http")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown http server")
	}
}

func requestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
