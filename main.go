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
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"trainsync-relay/auth"
	"trainsync-relay/config"
	"trainsync-relay/directory"
	"trainsync-relay/domain"
	"trainsync-relay/hub"
	"trainsync-relay/protocol"
	ws "trainsync-relay/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		slog.Error("verifier error", "error", err)
		os.Exit(1)
	}

	registry := hub.New()
	var opts []protocol.Option

	var mongoDir *directory.Mongo
	var redisClient *redis.Client
	if cfg.MongoURI != "" {
		mongoDir, err = directory.Connect(context.Background(), cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			slog.Error("directory error", "error", err)
			os.Exit(1)
		}
		var dir domain.Directory = mongoDir
		if cfg.RedisURL != "" {
			redisClient, err = directory.ConnectRedis(context.Background(), cfg.RedisURL)
			if err != nil {
				slog.Warn("directory cache disabled", "error", err)
			} else {
				dir = directory.NewCached(mongoDir, redisClient, cfg.CacheTTL)
			}
		}
		opts = append(opts, protocol.WithDirectory(dir, cfg.LookupTimeout))
	} else {
		slog.Warn("MONGO_URI not set, presence announcements carry identity only")
	}

	handler := protocol.NewHandler(registry, verifier, opts...)

	router := mux.NewRouter()
	router.HandleFunc("/ws", ws.Handler(handler, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
	}))
	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", statsHandler(registry)).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(router),
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if mongoDir != nil {
		if err := mongoDir.Close(ctx); err != nil {
			slog.Error("mongo disconnect error", "error", err)
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(registry domain.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		admins, users := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"admins": admins, "users": users})
	}
}
