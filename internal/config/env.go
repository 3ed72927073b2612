package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// applyEnv overlays GATEGUARD_* variables on top of the file values.
func applyEnv(cfg *Root) error {
	// a missing .env file is the normal case
	_ = godotenv.Load()

	if v, ok := lookupEnv("GATEGUARD_SERVER_ADDR"); ok {
		cfg.Server.Addr = v
	}
	if v, ok := lookupEnv("GATEGUARD_LOG_LEVEL"); ok {
		cfg.Observability.LogLevel = v
	}
	if v, ok := lookupEnv("GATEGUARD_STORE_BACKEND"); ok {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v, ok := lookupEnv("GATEGUARD_STORE_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEGUARD_STORE_TIMEOUT_MS: %w", err)
		}
		cfg.Store.TimeoutMS = n
	}
	if v, ok := lookupEnv("GATEGUARD_REDIS_ADDR"); ok {
		cfg.Store.Redis.Addr = v
	}
	if v, ok := lookupEnv("GATEGUARD_REDIS_PASSWORD"); ok {
		cfg.Store.Redis.Password = v
	}
	if v, ok := lookupEnv("GATEGUARD_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEGUARD_REDIS_DB: %w", err)
		}
		cfg.Store.Redis.DB = n
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}
