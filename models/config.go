package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the environment-driven settings for a sync run.
type Config struct {
	APIURL         string
	APIKey         string
	APIToken       string
	DatabaseURL    string
	LogFile        string
	PageSize       int // global page size override, 0 keeps per-entity sizes
	BatchSize      int
	LookbackDays   int
	RequestTimeout time.Duration
}

// LoadConfig reads configuration from the environment, loading a local .env
// file first when one exists. API_URL, API_KEY and API_TOKEN are required;
// everything else has a default.
func LoadConfig() (Config, error) {
	// .env is optional; deployments may export the variables directly
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("database_url", "sqlite3://fieldsync.db")
	v.SetDefault("batch_size", 100)
	v.SetDefault("lookback_days", 30)
	v.SetDefault("request_timeout_seconds", 30)

	cfg := Config{
		APIURL:         strings.TrimRight(v.GetString("api_url"), "/"),
		APIKey:         v.GetString("api_key"),
		APIToken:       v.GetString("api_token"),
		DatabaseURL:    v.GetString("database_url"),
		LogFile:        v.GetString("log_file"),
		PageSize:       v.GetInt("page_size"),
		BatchSize:      v.GetInt("batch_size"),
		LookbackDays:   v.GetInt("lookback_days"),
		RequestTimeout: time.Duration(v.GetInt("request_timeout_seconds")) * time.Second,
	}

	var missing []string
	if cfg.APIURL == "" {
		missing = append(missing, "API_URL")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "API_KEY")
	}
	if cfg.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}
