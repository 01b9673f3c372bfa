package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"` // "" disables the health server

	Env    string `toml:"env"`    // "dev" | "prod"
	Region string `toml:"region"` // deployment label, logged at startup

	// Store
	Store          string `toml:"store"`   // "memory" | "sqlite" | "dynamo"
	DBPath         string `toml:"db_path"` // e.g. "./data/xiot.db"
	DynamoTable    string `toml:"dynamo_table"`
	AWSRegion      string `toml:"aws_region"`      // "" uses the SDK default chain
	DynamoEndpoint string `toml:"dynamo_endpoint"` // local DynamoDB, tests

	// Shared secret devices pass as ?auth=. Empty disables the check.
	AuthSecret string `toml:"auth_secret"`

	// Retention sweep
	RetentionDays int    `toml:"retention_days"` // 0 = keep forever
	SweepBatch    int    `toml:"sweep_batch"`
	SweepSchedule string `toml:"sweep_schedule"`

	// Heartbeat monitor
	CheckSchedule      string `toml:"check_schedule"`
	PingWindowSeconds  int    `toml:"ping_window_seconds"`
	MonitorConcurrency int    `toml:"monitor_concurrency"`
	PushoverEndpoint   string `toml:"pushover_endpoint"`

	// Devices seeded into a fresh dev database.
	SeedModules []string `toml:"seed_modules"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		Env:                "dev",
		Region:             "europe-west1",
		Store:              "sqlite",
		DBPath:             "./data/xiot.db",
		DynamoTable:        "xiot-records",
		RetentionDays:      31,
		SweepBatch:         2000,
		SweepSchedule:      "0 9 * * 1",
		CheckSchedule:      "*/5 * * * *",
		PingWindowSeconds:  305,
		MonitorConcurrency: 8,
		PushoverEndpoint:   "https://api.pushover.net/1/messages.json",
	}
}

// FromEnv returns the defaults overridden by XIOT_* environment variables.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg
}

// Load reads a TOML file over the defaults, then applies the environment
// on top. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undec)
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("XIOT_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getenvDefault("XIOT_GRPC_ADDR", cfg.GRPCAddr)
	cfg.Env = getenvDefault("XIOT_ENV", cfg.Env)
	cfg.Region = getenvDefault("XIOT_REGION", cfg.Region)

	cfg.Store = getenvDefault("XIOT_STORE", cfg.Store)
	cfg.DBPath = getenvDefault("XIOT_DB_PATH", cfg.DBPath)
	cfg.DynamoTable = getenvDefault("XIOT_DYNAMO_TABLE", cfg.DynamoTable)
	cfg.AWSRegion = getenvDefault("XIOT_AWS_REGION", cfg.AWSRegion)
	cfg.DynamoEndpoint = getenvDefault("XIOT_DYNAMO_ENDPOINT", cfg.DynamoEndpoint)

	cfg.AuthSecret = getenvDefault("XIOT_AUTH_SECRET", cfg.AuthSecret)

	cfg.RetentionDays = getenvInt("XIOT_RETENTION_DAYS", cfg.RetentionDays)
	cfg.SweepBatch = getenvInt("XIOT_SWEEP_BATCH", cfg.SweepBatch)
	cfg.SweepSchedule = getenvDefault("XIOT_SWEEP_SCHEDULE", cfg.SweepSchedule)

	cfg.CheckSchedule = getenvDefault("XIOT_CHECK_SCHEDULE", cfg.CheckSchedule)
	cfg.PingWindowSeconds = getenvInt("XIOT_PING_WINDOW_SECONDS", cfg.PingWindowSeconds)
	cfg.MonitorConcurrency = getenvInt("XIOT_MONITOR_CONCURRENCY", cfg.MonitorConcurrency)
	cfg.PushoverEndpoint = getenvDefault("XIOT_PUSHOVER_ENDPOINT", cfg.PushoverEndpoint)

	if seeds := splitCSV(os.Getenv("XIOT_SEED_MODULES")); seeds != nil {
		cfg.SeedModules = seeds
	}
}

func normalize(cfg *Config) {
	cfg.Env = strings.ToLower(cfg.Env)
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}

	cfg.Store = strings.ToLower(cfg.Store)
	switch cfg.Store {
	case "memory", "sqlite", "dynamo":
	default:
		cfg.Store = "sqlite"
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
