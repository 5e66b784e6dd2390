package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr            string
	DatabaseDSN     string // empty disables result persistence
	IdentifyTimeout time.Duration
	Debug           bool
}

// Load reads .env if present, then the environment, with defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:            getenv("ADDR", ":8080"),
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		IdentifyTimeout: time.Duration(getint("IDENTIFY_TIMEOUT_SEC", 30)) * time.Second,
		Debug:           os.Getenv("DEBUG") == "true",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
