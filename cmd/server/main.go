package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"boardchat/internal/chat"
	"boardchat/internal/config"
	"boardchat/internal/db"
	"boardchat/internal/middleware"
	"boardchat/internal/user"
)

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	// 2. Connect to Postgres (Platform Layer)
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis (presence mirror + room metadata)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	// 4. User feature (identity source for sessions)
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Chat core: store gateway, presence mirror, hub registry
	store := chat.NewPostgresStore(database.Conn)
	presence := chat.NewRedisPresence(redisClient, cfg.PresenceTTL)
	registry := chat.NewRegistry(cfg, store, presence)
	chatHandler := chat.NewHandler(registry, store, presence, cfg)

	authMiddleware := middleware.NewAuthMiddleware(userService)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Public
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := database.Conn.PingContext(req.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		} else if err := redisClient.Ping(req.Context()).Err(); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":             status,
			"service":            "boardchat",
			"timestamp":          time.Now().UTC(),
			"active_connections": registry.Sessions(),
			"active_rooms":       registry.Rooms(),
		})
	})

	// Protected (JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/api/users/search", userHandler.SearchUsers)

		// Live protocol
		r.Get("/ws/{dashboardID}", chatHandler.ServeWs)

		// REST surface — send/edit/delete share the live dispatch path
		r.Route("/api/rooms/{dashboardID}", func(r chi.Router) {
			r.Get("/", chatHandler.GetRoom)
			r.Get("/users", chatHandler.GetUsers)
			r.Get("/messages", chatHandler.GetHistory)
			r.Post("/messages", chatHandler.SendMessage)
		})
		r.Put("/api/messages/{messageID}", chatHandler.EditMessage)
		r.Delete("/api/messages/{messageID}", chatHandler.DeleteMessage)
	})

	log.Printf("🚀 Server starting on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal(err)
	}
}
