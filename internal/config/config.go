package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the service reads at startup. Values come from
// the environment (optionally seeded from a .env file); anything not set
// falls back to the defaults below.
type Config struct {
	Addr      string
	DBDSN     string
	RedisAddr string
	RedisPass string
	JWTSecret string

	// Chat settings
	MaxMessageLength   int // runes, not bytes
	MaxSessionsPerRoom int
	HistoryLimit       int
	HistoryMaxLimit    int

	// Session plumbing
	SendQueueSize      int
	ProtocolErrorLimit int
	StoreTimeout       time.Duration
	PresenceTTL        time.Duration

	// WebSocket transport
	WriteWait    time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	MaxFrameSize int64
}

func defaults() *Config {
	return &Config{
		Addr:               ":8080",
		RedisAddr:          "localhost:6379",
		MaxMessageLength:   1000,
		MaxSessionsPerRoom: 100,
		HistoryLimit:       50,
		HistoryMaxLimit:    100,
		SendQueueSize:      256,
		ProtocolErrorLimit: 5,
		StoreTimeout:       5 * time.Second,
		PresenceTTL:        time.Hour,
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		MaxFrameSize:       16384,
	}
}

// Load reads configuration from the environment. DB_DSN and JWT_SECRET are
// required; everything else has a sensible default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := defaults()

	cfg.DBDSN = os.Getenv("DB_DSN")
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN environment variable is not set")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is not set")
	}

	if addr := os.Getenv("ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	cfg.RedisPass = os.Getenv("REDIS_PASSWORD")

	cfg.MaxMessageLength = envInt("MAX_MESSAGE_LENGTH", cfg.MaxMessageLength)
	cfg.MaxSessionsPerRoom = envInt("MAX_SESSIONS_PER_ROOM", cfg.MaxSessionsPerRoom)
	cfg.HistoryLimit = envInt("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.HistoryMaxLimit = envInt("HISTORY_MAX_LIMIT", cfg.HistoryMaxLimit)
	cfg.SendQueueSize = envInt("SEND_QUEUE_SIZE", cfg.SendQueueSize)
	cfg.ProtocolErrorLimit = envInt("PROTOCOL_ERROR_LIMIT", cfg.ProtocolErrorLimit)
	cfg.StoreTimeout = envSeconds("STORE_TIMEOUT_SECONDS", cfg.StoreTimeout)
	cfg.PresenceTTL = envSeconds("PRESENCE_TTL_SECONDS", cfg.PresenceTTL)
	cfg.PongWait = envSeconds("WS_PONG_WAIT_SECONDS", cfg.PongWait)
	if size := envInt("MAX_FRAME_SIZE", int(cfg.MaxFrameSize)); size > 0 {
		cfg.MaxFrameSize = int64(size)
	}
	// A max-length message can arrive as 12 wire bytes per rune (surrogate
	// pairs escaped as \uXXXX\uXXXX). The read limit must admit any content
	// the validator accepts, so it is floored at that worst case plus
	// envelope overhead.
	if floor := int64(12*cfg.MaxMessageLength + 512); cfg.MaxFrameSize < floor {
		cfg.MaxFrameSize = floor
	}

	// Pings must fire before the peer's read deadline expires.
	cfg.PingPeriod = (cfg.PongWait * 9) / 10

	return cfg, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
