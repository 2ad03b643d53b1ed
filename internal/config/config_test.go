package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewConfig verifies default values.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	if !cfg.Haptics {
		t.Error("expected haptics enabled by default")
	}
	if cfg.FormatVersion != DefaultFormatVersion {
		t.Errorf("format version: got %q, expected %q", cfg.FormatVersion, DefaultFormatVersion)
	}
	if cfg.ConsentTimeout != DefaultConsentTimeout {
		t.Errorf("consent timeout: got %v, expected %v", cfg.ConsentTimeout, DefaultConsentTimeout)
	}
	if cfg.OutputDir == "" {
		t.Error("expected non-empty default output dir")
	}
}

// TestConfigValidate tests option-combination validation.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("defaults are valid", func(t *testing.T) {
		t.Parallel()

		if err := NewConfig().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("control socket without zip", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.ControlSocket = "/run/sysdump.sock"

		if err := cfg.Validate(); !errors.Is(err, ErrControlSocketNeedsZip) {
			t.Errorf("got %v, expected ErrControlSocketNeedsZip", err)
		}
	})

	t.Run("progress without broadcast", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.ProgressUpdates = true

		if err := cfg.Validate(); !errors.Is(err, ErrProgressNeedsBroadcast) {
			t.Errorf("got %v, expected ErrProgressNeedsBroadcast", err)
		}
	})

	t.Run("remote mode needs zip, date and broadcast", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.RemoteMode = true
		cfg.Zip = true
		cfg.Broadcast = true
		// AddDate missing

		if err := cfg.Validate(); !errors.Is(err, ErrRemoteModeCombination) {
			t.Errorf("got %v, expected ErrRemoteModeCombination", err)
		}
	})

	t.Run("remote mode excludes progress updates", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.RemoteMode = true
		cfg.Zip = true
		cfg.AddDate = true
		cfg.Broadcast = true
		cfg.ProgressUpdates = true

		if err := cfg.Validate(); !errors.Is(err, ErrRemoteModeCombination) {
			t.Errorf("got %v, expected ErrRemoteModeCombination", err)
		}
	})

	t.Run("valid remote mode", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.RemoteMode = true
		cfg.Zip = true
		cfg.AddDate = true
		cfg.Broadcast = true

		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("forward without zip", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.ForwardPath = "/tmp/out.zip"

		if err := cfg.Validate(); !errors.Is(err, ErrForwardNeedsZip) {
			t.Errorf("got %v, expected ErrForwardNeedsZip", err)
		}
	})

	t.Run("socket streaming excludes file options", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.StreamSocket = "/run/out.sock"
		cfg.Zip = true

		if err := cfg.Validate(); !errors.Is(err, ErrSocketModeExclusive) {
			t.Errorf("got %v, expected ErrSocketModeExclusive", err)
		}
	})

	t.Run("non-positive consent timeout", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.ConsentTimeout = 0

		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConsentTimeout) {
			t.Errorf("got %v, expected ErrInvalidConsentTimeout", err)
		}
	})
}

// TestLoadTaskTable tests the YAML task-table loader.
func TestLoadTaskTable(t *testing.T) {
	t.Parallel()

	t.Run("empty path returns default table", func(t *testing.T) {
		t.Parallel()

		table, err := LoadTaskTable("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(table.Critical) == 0 || len(table.Normal) == 0 {
			t.Error("expected non-empty default task table")
		}
	})

	t.Run("loads custom table", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
critical:
  - title: UPTIME
    command: [uptime]
    timeout: 2s
    always_run: true
normal:
  - title: MEMINFO
    file: /proc/meminfo
capture_dirs:
  - /var/log/myapp
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		table, err := LoadTaskTable(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(table.Critical) != 1 || table.Critical[0].Title != "UPTIME" {
			t.Errorf("unexpected critical tasks: %+v", table.Critical)
		}
		if table.Critical[0].Timeout != 2*time.Second {
			t.Errorf("timeout: got %v, expected 2s", table.Critical[0].Timeout)
		}
		if len(table.Normal) != 1 || table.Normal[0].File != "/proc/meminfo" {
			t.Errorf("unexpected normal tasks: %+v", table.Normal)
		}
		if len(table.CaptureDirs) != 1 {
			t.Errorf("unexpected capture dirs: %v", table.CaptureDirs)
		}
	})

	t.Run("rejects task with both command and file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
normal:
  - title: BAD
    command: [uptime]
    file: /proc/meminfo
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := LoadTaskTable(path); !errors.Is(err, ErrAmbiguousTask) {
			t.Errorf("got %v, expected ErrAmbiguousTask", err)
		}
	})

	t.Run("missing file is an error", func(t *testing.T) {
		t.Parallel()

		if _, err := LoadTaskTable(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing task file")
		}
	})

	t.Run("loads service dumps", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
services:
  - name: netd
    command: [netd-dump]
    priority: critical
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		table, err := LoadTaskTable(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(table.Services) != 1 || table.Services[0].Name != "netd" {
			t.Errorf("unexpected services: %+v", table.Services)
		}
	})

	t.Run("rejects service with unknown priority", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
services:
  - name: netd
    command: [netd-dump]
    priority: urgent
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := LoadTaskTable(path); !errors.Is(err, ErrInvalidService) {
			t.Errorf("got %v, expected ErrInvalidService", err)
		}
	})

	t.Run("rejects service without a command", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
services:
  - name: netd
`
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := LoadTaskTable(path); !errors.Is(err, ErrInvalidService) {
			t.Errorf("got %v, expected ErrInvalidService", err)
		}
	})

	t.Run("default table tasks are unambiguous", func(t *testing.T) {
		t.Parallel()

		if err := DefaultTaskTable().validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// TestServiceSpecEntryName tests priority-suffixed archive entry names.
func TestServiceSpecEntryName(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		spec ServiceSpec
		want string
	}{
		"normal":             {ServiceSpec{Name: "netd"}, "proto/netd.proto"},
		"critical":           {ServiceSpec{Name: "netd", Priority: "critical"}, "proto/netd_CRITICAL.proto"},
		"high":               {ServiceSpec{Name: "connmgr", Priority: "high"}, "proto/connmgr_HIGH.proto"},
		"case insensitivity": {ServiceSpec{Name: "netd", Priority: "CRITICAL"}, "proto/netd_CRITICAL.proto"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := tc.spec.EntryName(); got != tc.want {
				t.Errorf("EntryName(): got %q, expected %q", got, tc.want)
			}
		})
	}
}
