package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("MaxQueueSize = %d, want %d", cfg.MaxQueueSize, DefaultMaxQueueSize)
	}
	if cfg.MaxDeadLetterSize != DefaultMaxDeadLetterSize {
		t.Errorf("MaxDeadLetterSize = %d, want %d", cfg.MaxDeadLetterSize, DefaultMaxDeadLetterSize)
	}
	if cfg.PersistenceDir != DefaultPersistenceDir {
		t.Errorf("PersistenceDir = %q, want %q", cfg.PersistenceDir, DefaultPersistenceDir)
	}
	if !cfg.EnablePersistence {
		t.Error("expected persistence enabled by default")
	}
	if cfg.PollInterval != time.Millisecond {
		t.Errorf("PollInterval = %v, want 1ms", cfg.PollInterval)
	}
	if cfg.RetryBackoff != 100*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 100ms", cfg.RetryBackoff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestNormalizedFillsZeroValues(t *testing.T) {
	cfg := Config{}.Normalized()

	if cfg.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("MaxQueueSize = %d, want default", cfg.MaxQueueSize)
	}
	if cfg.PersistenceDir != DefaultPersistenceDir {
		t.Errorf("PersistenceDir = %q, want default", cfg.PersistenceDir)
	}
	if cfg.ErrorBackoff != DefaultErrorBackoff {
		t.Errorf("ErrorBackoff = %v, want default", cfg.ErrorBackoff)
	}
	if cfg.EnablePersistence {
		t.Error("Normalized must not flip booleans")
	}
}

func TestNormalizedKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		MaxQueueSize:      2,
		MaxDeadLetterSize: 1,
		PersistenceDir:    "elsewhere",
		PollInterval:      5 * time.Millisecond,
	}.Normalized()

	if cfg.MaxQueueSize != 2 || cfg.MaxDeadLetterSize != 1 {
		t.Errorf("capacities changed: %d/%d", cfg.MaxQueueSize, cfg.MaxDeadLetterSize)
	}
	if cfg.PersistenceDir != "elsewhere" {
		t.Errorf("PersistenceDir = %q, want elsewhere", cfg.PersistenceDir)
	}
	if cfg.PollInterval != 5*time.Millisecond {
		t.Errorf("PollInterval = %v, want 5ms", cfg.PollInterval)
	}
}

func TestConfigValidate_Capacities(t *testing.T) {
	t.Run("negative queue size", func(t *testing.T) {
		cfg := Config{MaxQueueSize: -1}
		assertErrorContains(t, cfg.Validate(), "queue: max size cannot be negative")
	})

	t.Run("negative dead letter size", func(t *testing.T) {
		cfg := Config{MaxDeadLetterSize: -1}
		assertErrorContains(t, cfg.Validate(), "dead letter: max size cannot be negative")
	})
}

func TestConfigValidate_Intervals(t *testing.T) {
	t.Run("negative poll interval", func(t *testing.T) {
		cfg := Config{PollInterval: -time.Millisecond}
		assertErrorContains(t, cfg.Validate(), "dispatch: poll interval cannot be negative")
	})

	t.Run("negative error backoff", func(t *testing.T) {
		cfg := Config{ErrorBackoff: -time.Second}
		assertErrorContains(t, cfg.Validate(), "dispatch: error backoff cannot be negative")
	})

	t.Run("negative retry backoff", func(t *testing.T) {
		cfg := Config{RetryBackoff: -time.Second}
		assertErrorContains(t, cfg.Validate(), "retry: backoff cannot be negative")
	})

	t.Run("negative delivery timeout", func(t *testing.T) {
		cfg := Config{DeliveryTimeout: -time.Second}
		assertErrorContains(t, cfg.Validate(), "delivery: timeout cannot be negative")
	})

	t.Run("valid intervals", func(t *testing.T) {
		cfg := Config{
			PollInterval:    time.Millisecond,
			ErrorBackoff:    100 * time.Millisecond,
			RetryBackoff:    100 * time.Millisecond,
			DeliveryTimeout: time.Second,
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestConfigValidate_Persistence(t *testing.T) {
	t.Run("enabled without directory", func(t *testing.T) {
		cfg := Config{EnablePersistence: true}
		assertErrorContains(t, cfg.Validate(), "persistence: directory is required")
	})

	t.Run("disabled without directory", func(t *testing.T) {
		cfg := Config{}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestConfigValidate_Ports(t *testing.T) {
	t.Run("invalid metrics port high", func(t *testing.T) {
		cfg := Config{MetricsPort: 70000}
		assertErrorContains(t, cfg.Validate(), "metrics: invalid port")
	})

	t.Run("invalid metrics port negative", func(t *testing.T) {
		cfg := Config{MetricsPort: -1}
		assertErrorContains(t, cfg.Validate(), "metrics: invalid port")
	})

	t.Run("valid port", func(t *testing.T) {
		cfg := Config{MetricsPort: 9090}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestConfigValidateJoinsAllErrors(t *testing.T) {
	cfg := Config{MaxQueueSize: -1, MetricsPort: -2, RetryBackoff: -time.Second}
	err := cfg.Validate()
	assertErrorContains(t, err, "queue: max size cannot be negative")
	assertErrorContains(t, err, "metrics: invalid port")
	assertErrorContains(t, err, "retry: backoff cannot be negative")
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.toml")
	body := `
max_queue_size = 64
persistence_dir = "state"
poll_interval = "2ms"
retry_backoff = "50ms"
metrics_enabled = false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.MaxQueueSize != 64 {
		t.Errorf("MaxQueueSize = %d, want 64", cfg.MaxQueueSize)
	}
	if cfg.PersistenceDir != "state" {
		t.Errorf("PersistenceDir = %q, want state", cfg.PersistenceDir)
	}
	if cfg.PollInterval != 2*time.Millisecond {
		t.Errorf("PollInterval = %v, want 2ms", cfg.PollInterval)
	}
	if cfg.RetryBackoff != 50*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 50ms", cfg.RetryBackoff)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxDeadLetterSize != DefaultMaxDeadLetterSize {
		t.Errorf("MaxDeadLetterSize = %d, want default", cfg.MaxDeadLetterSize)
	}
	if !cfg.EnablePersistence {
		t.Error("expected persistence to stay enabled")
	}
	if cfg.MetricsEnabled {
		t.Error("expected metrics_enabled=false to apply")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.toml")
	if err := os.WriteFile(path, []byte("max_queue_size = -5\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := Load(path)
	assertErrorContains(t, err, "queue: max size cannot be negative")
}

func TestConfigString(t *testing.T) {
	cfg := Default()
	str := cfg.String()

	if !strings.Contains(str, "MaxQueueSize:10000") {
		t.Errorf("expected capacity in string, got %q", str)
	}
	if !strings.Contains(str, DefaultPersistenceDir) {
		t.Errorf("expected persistence dir in string, got %q", str)
	}
}

func TestValidateConfigNil(t *testing.T) {
	err := ValidateConfig(nil)
	if err == nil {
		t.Error("expected error for nil config")
	}
	if !strings.Contains(err.Error(), "nil") {
		t.Errorf("expected error message to mention nil, got %q", err.Error())
	}
}

func TestValidateConfigValid(t *testing.T) {
	cfg := Default()
	if err := ValidateConfig(&cfg); err != nil {
		t.Errorf("unexpected error for valid config: %v", err)
	}
}

// assertErrorContains is a test helper that checks if an error contains a substring.
func assertErrorContains(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error containing %q, got nil", want)
		return
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("expected error containing %q, got %q", want, err.Error())
	}
}
