package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "NODE_ENV", "CLIENT_URL", "MAX_PLAYERS_PER_GAME",
		"MIN_PLAYERS_TO_START", "COUNTDOWN_SECONDS", "MAX_RACE_TIME_MINUTES",
		"CLEANUP_DELAY_MINUTES", "LOG_LEVEL", "ADMIN_API_KEY",
		"LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS", "LOG_COMPRESS",
		"SELF_HEALING_ENABLED", "REPLAY_DUMP_DIR", "BANDWIDTH_BYTES_PER_SECOND",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Fatalf("expected default port %q, got %q", DefaultPort, cfg.Port)
	}
	if cfg.NodeEnv != DefaultNodeEnv {
		t.Fatalf("expected default env %q, got %q", DefaultNodeEnv, cfg.NodeEnv)
	}
	if cfg.MaxPlayersPerGame != DefaultMaxPlayersPerGame {
		t.Fatalf("expected default max players %d, got %d", DefaultMaxPlayersPerGame, cfg.MaxPlayersPerGame)
	}
	if cfg.MinPlayersToStart != DefaultMinPlayersToStart {
		t.Fatalf("expected default min players %d, got %d", DefaultMinPlayersToStart, cfg.MinPlayersToStart)
	}
	if cfg.CountdownSeconds != DefaultCountdownSeconds {
		t.Fatalf("expected default countdown %d, got %d", DefaultCountdownSeconds, cfg.CountdownSeconds)
	}
	if cfg.MaxRaceTime != DefaultMaxRaceTimeMinutes*time.Minute {
		t.Fatalf("unexpected max race time: %v", cfg.MaxRaceTime)
	}
	if cfg.CleanupDelay != DefaultCleanupDelayMinutes*time.Minute {
		t.Fatalf("unexpected cleanup delay: %v", cfg.CleanupDelay)
	}
	if cfg.SelfHealingEnabled {
		t.Fatalf("expected self-healing disabled outside production")
	}
	if cfg.ReplayDumpDir != DefaultReplayDumpDir {
		t.Fatalf("expected default replay dump dir %q, got %q", DefaultReplayDumpDir, cfg.ReplayDumpDir)
	}
	if cfg.BandwidthBytesPerSecond != DefaultBandwidthBytesPerSecond {
		t.Fatalf("expected default bandwidth %v, got %v", DefaultBandwidthBytesPerSecond, cfg.BandwidthBytesPerSecond)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("CLIENT_URL", "https://typerace.example")
	t.Setenv("MAX_PLAYERS_PER_GAME", "6")
	t.Setenv("MIN_PLAYERS_TO_START", "3")
	t.Setenv("COUNTDOWN_SECONDS", "5")
	t.Setenv("MAX_RACE_TIME_MINUTES", "2")
	t.Setenv("CLEANUP_DELAY_MINUTES", "4")
	t.Setenv("ADMIN_API_KEY", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Fatalf("unexpected port: %q", cfg.Port)
	}
	if cfg.ClientURL != "https://typerace.example" {
		t.Fatalf("unexpected client url: %q", cfg.ClientURL)
	}
	if cfg.MaxPlayersPerGame != 6 {
		t.Fatalf("expected overridden max players, got %d", cfg.MaxPlayersPerGame)
	}
	if cfg.MinPlayersToStart != 3 {
		t.Fatalf("expected overridden min players, got %d", cfg.MinPlayersToStart)
	}
	if cfg.CountdownSeconds != 5 {
		t.Fatalf("expected overridden countdown, got %d", cfg.CountdownSeconds)
	}
	if cfg.MaxRaceTime != 2*time.Minute {
		t.Fatalf("expected overridden race time, got %v", cfg.MaxRaceTime)
	}
	if cfg.CleanupDelay != 4*time.Minute {
		t.Fatalf("expected overridden cleanup delay, got %v", cfg.CleanupDelay)
	}
	if cfg.AdminAPIKey != "s3cret" {
		t.Fatalf("expected admin key to round-trip, got %q", cfg.AdminAPIKey)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production profile")
	}
	if !cfg.SelfHealingEnabled {
		t.Fatalf("expected self-healing to auto-start in production")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("NODE_ENV", "staging")
	t.Setenv("MAX_PLAYERS_PER_GAME", "1")
	t.Setenv("MAX_RACE_TIME_MINUTES", "9")
	t.Setenv("CLEANUP_DELAY_MINUTES", "1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"NODE_ENV",
		"MAX_PLAYERS_PER_GAME",
		"MAX_RACE_TIME_MINUTES",
		"CLEANUP_DELAY_MINUTES",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadSelfHealingOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SELF_HEALING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !cfg.SelfHealingEnabled {
		t.Fatalf("expected explicit override to enable self-healing")
	}
}
