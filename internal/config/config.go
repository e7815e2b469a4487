package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the default TCP port the server listens on.
	DefaultPort = "3001"
	// DefaultNodeEnv is used when NODE_ENV is unset.
	DefaultNodeEnv = "development"
	// DefaultMaxPlayersPerGame bounds session roster size absent an override.
	DefaultMaxPlayersPerGame = 4
	// DefaultMinPlayersToStart is the minimum connected non-spectator roster
	// size required before a session may leave Waiting.
	DefaultMinPlayersToStart = 2
	// DefaultCountdownSeconds is the countdown duration before a race starts.
	DefaultCountdownSeconds = 3
	// DefaultMaxRaceTimeMinutes forces endRace once elapsed.
	DefaultMaxRaceTimeMinutes = 3
	// DefaultCleanupDelayMinutes delays session destruction after Finished.
	DefaultCleanupDelayMinutes = 3

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "typerace.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
	// DefaultReplayDumpDir is where operator-triggered replay exports land.
	DefaultReplayDumpDir = "replay-dumps"
	// DefaultBandwidthBytesPerSecond caps per-player progress_update
	// throughput absent an override.
	DefaultBandwidthBytesPerSecond = 64_000.0
)

// Config captures all runtime tunables for the typing-race server.
type Config struct {
	Port              string
	NodeEnv           string
	ClientURL         string
	MaxPlayersPerGame int
	MinPlayersToStart int
	CountdownSeconds  int
	MaxRaceTime       time.Duration
	CleanupDelay      time.Duration
	AdminAPIKey       string
	Logging           LoggingConfig

	// SelfHealingEnabled mirrors the reference behavior of auto-starting the
	// Controller's sampling loop in production.
	SelfHealingEnabled bool

	// ReplayDumpDir is the directory operator-triggered replay exports are
	// written to.
	ReplayDumpDir string
	// BandwidthBytesPerSecond caps progress_update throughput per player.
	BandwidthBytesPerSecond float64
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// IsProduction reports whether NODE_ENV selects the production profile.
func (c *Config) IsProduction() bool {
	return c != nil && c.NodeEnv == "production"
}

// Load reads server configuration from environment variables, applying sane
// defaults and accumulating every invalid override into a single error
// rather than failing on the first bad variable.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getString("PORT", DefaultPort),
		NodeEnv:           getString("NODE_ENV", DefaultNodeEnv),
		ClientURL:         strings.TrimSpace(os.Getenv("CLIENT_URL")),
		MaxPlayersPerGame: DefaultMaxPlayersPerGame,
		MinPlayersToStart: DefaultMinPlayersToStart,
		CountdownSeconds:  DefaultCountdownSeconds,
		MaxRaceTime:       DefaultMaxRaceTimeMinutes * time.Minute,
		CleanupDelay:      DefaultCleanupDelayMinutes * time.Minute,
		AdminAPIKey:             strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		ReplayDumpDir:           getString("REPLAY_DUMP_DIR", DefaultReplayDumpDir),
		BandwidthBytesPerSecond: DefaultBandwidthBytesPerSecond,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	switch cfg.NodeEnv {
	case "development", "production", "test":
	default:
		problems = append(problems, fmt.Sprintf("NODE_ENV must be one of development|production|test, got %q", cfg.NodeEnv))
	}

	if raw := strings.TrimSpace(os.Getenv("MAX_PLAYERS_PER_GAME")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 2 {
			problems = append(problems, fmt.Sprintf("MAX_PLAYERS_PER_GAME must be an integer >= 2, got %q", raw))
		} else {
			cfg.MaxPlayersPerGame = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MIN_PLAYERS_TO_START")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			problems = append(problems, fmt.Sprintf("MIN_PLAYERS_TO_START must be a positive integer, got %q", raw))
		} else {
			cfg.MinPlayersToStart = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COUNTDOWN_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("COUNTDOWN_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.CountdownSeconds = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MAX_RACE_TIME_MINUTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > 3 {
			problems = append(problems, fmt.Sprintf("MAX_RACE_TIME_MINUTES must be an integer between 1 and 3, got %q", raw))
		} else {
			cfg.MaxRaceTime = time.Duration(value) * time.Minute
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CLEANUP_DELAY_MINUTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 3 || value > 5 {
			problems = append(problems, fmt.Sprintf("CLEANUP_DELAY_MINUTES must be an integer between 3 and 5, got %q", raw))
		} else {
			cfg.CleanupDelay = time.Duration(value) * time.Minute
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BANDWIDTH_BYTES_PER_SECOND")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BANDWIDTH_BYTES_PER_SECOND must be a positive number, got %q", raw))
		} else {
			cfg.BandwidthBytesPerSecond = value
		}
	}

	//1.- Self-healing auto-starts in production per the reference behavior;
	// any other environment requires an explicit opt-in.
	cfg.SelfHealingEnabled = cfg.NodeEnv == "production"
	if raw := strings.TrimSpace(os.Getenv("SELF_HEALING_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SELF_HEALING_ENABLED must be a boolean value, got %q", raw))
		} else {
			cfg.SelfHealingEnabled = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
