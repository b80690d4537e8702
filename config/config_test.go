package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chronoq/chronoq/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronoqd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.Listen)
	}
	if cfg.Store.Backend != config.BackendMemory {
		t.Errorf("store backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Scheduler.LeaseTTL.Std() != 30*time.Second {
		t.Errorf("lease ttl = %v, want 30s", cfg.Scheduler.LeaseTTL.Std())
	}
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeConfig(t, `
listen: ":9090"
store:
  backend: redis
  redis:
    addr: "localhost:6379"
    db: 2
transport:
  backend: redis
  redis:
    addr: "localhost:6379"
  visibility_timeout: 45s
scheduler:
  concurrency: 8
  lease_ttl: 90s
  bucket_width: 30m
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("listen = %q, want :9090", cfg.Listen)
	}
	if cfg.Store.Redis.DB != 2 {
		t.Errorf("redis db = %d, want 2", cfg.Store.Redis.DB)
	}
	if cfg.Transport.VisibilityTimeout.Std() != 45*time.Second {
		t.Errorf("visibility timeout = %v, want 45s", cfg.Transport.VisibilityTimeout.Std())
	}
	if cfg.Scheduler.LeaseTTL.Std() != 90*time.Second {
		t.Errorf("lease ttl = %v, want 90s", cfg.Scheduler.LeaseTTL.Std())
	}
	if cfg.Scheduler.BucketWidth.Std() != 30*time.Minute {
		t.Errorf("bucket width = %v, want 30m", cfg.Scheduler.BucketWidth.Std())
	}
	// Untouched fields keep defaults.
	if cfg.Scheduler.PollInterval.Std() != time.Second {
		t.Errorf("poll interval = %v, want default 1s", cfg.Scheduler.PollInterval.Std())
	}
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "listne: \":8080\"\n", "field listne not found"},
		{"bad duration", "scheduler:\n  lease_ttl: soon\n", "invalid duration"},
		{"unknown store backend", "store:\n  backend: dynamo\n", "unknown store backend"},
		{"redis store without addr", "store:\n  backend: redis\n", "store.redis.addr required"},
		{"postgres store without dsn", "store:\n  backend: postgres\n", "store.postgres.dsn required"},
		{"zero concurrency", "scheduler:\n  concurrency: 0\n", "concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
