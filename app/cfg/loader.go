package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBPath string `long:"db-path" env:"DB_PATH" default:"./data/regwatch.db" description:"Path to the SQLite database file"`

	// Registry polling configuration
	RegistryURL  string `long:"registry-url" env:"REGISTRY_URL" default:"https://registry.modelcontextprotocol.io/v0/servers" description:"Registry listing endpoint"`
	PollInterval int    `long:"poll-interval" env:"POLL_INTERVAL" default:"300" description:"Registry poll interval in seconds"`

	// Subscription configuration
	SubscriptionsDir string `long:"subscriptions-dir" env:"SUBSCRIPTIONS_DIR" default:"./subscriptions" description:"Directory containing subscription configuration files"`

	// Dispatch configuration
	WorkerCount   int `long:"worker-count" env:"WORKER_COUNT" default:"10" description:"Number of concurrent notification send workers"`
	MaxAttempts   int `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"Maximum delivery attempts per notification"`
	ShutdownGrace int `long:"shutdown-grace" env:"SHUTDOWN_GRACE" default:"5" description:"Grace period in seconds for in-flight sends on shutdown"`

	// Digest configuration
	DigestSchedule string `long:"digest-schedule" env:"DIGEST_SCHEDULE" default:"0 8 * * *" description:"Cron schedule for digest notifications"`

	// Cache configuration (optional)
	RedisAddr string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the snapshot hash cache (optional)"`

	// HTTP API configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://regwatch.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"RegWatch/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:           raw.DBPath,
		RegistryURL:      raw.RegistryURL,
		PollInterval:     raw.PollInterval,
		SubscriptionsDir: raw.SubscriptionsDir,
		WorkerCount:      raw.WorkerCount,
		MaxAttempts:      raw.MaxAttempts,
		ShutdownGrace:    raw.ShutdownGrace,
		DigestSchedule:   raw.DigestSchedule,
		RedisAddr:        raw.RedisAddr,
		Port:             raw.Port,
		BaseUrl:          raw.BaseUrl,
		APIAccessKey:     raw.APIAccessKey,
		UserAgent:        raw.UserAgent,
		Timezone:         raw.Timezone,
		Debug:            raw.Debug,
		Version:          GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// Set replaces the global configuration. Intended for tests.
func Set(c *Cfg) {
	globalCfg = c
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
