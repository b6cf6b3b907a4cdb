package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "/tmp/meshpulse.db", "busy_timeout": "5s"},
		"controller": {"base_url": "http://ctrl:8080", "rate_per_sec": 10},
		"scheduler": {"timezone": "UTC", "timeout_slack": "2m"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/tmp/meshpulse.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Controller.BaseURL != "http://ctrl:8080" || cfg.Controller.RatePerSec != 10 {
		t.Fatalf("controller = %+v", cfg.Controller)
	}
	if cfg.Scheduler.Timezone != "UTC" || cfg.Scheduler.TimeoutSlack != "2m" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestParseYAMLEquivalent(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  path: /tmp/meshpulse.db
controller:
  base_url: http://ctrl:8080
  timeout: 10s
scheduler:
  scan_start_delay: 15s
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Controller.Timeout != "10s" {
		t.Fatalf("controller = %+v", cfg.Controller)
	}
	if cfg.Scheduler.ScanStartDelay != "15s" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"loging": {"level": "info"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging":{}}{"logging":{}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"storage": {"path": "a.db"}}`)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	want := &Config{}
	m.publish(want)
	select {
	case got := <-ch:
		if got != want {
			t.Fatal("subscriber received a different config")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "spaces", raw: "  ", want: 0},
		{name: "seconds", raw: "30s", want: 30 * time.Second},
		{name: "compound", raw: "1m30s", want: 90 * time.Second},
		{name: "bare number is seconds", raw: "45", want: 45 * time.Second},
		{name: "negative", raw: "-5s", wantErr: true},
		{name: "negative bare", raw: "-5", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Duration("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Duration(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if got, err := DurationOr("f", "", 5*time.Second); err != nil || got != 5*time.Second {
		t.Fatalf("empty = (%v, %v), want 5s", got, err)
	}
	if got, err := DurationOr("f", "2s", 5*time.Second); err != nil || got != 2*time.Second {
		t.Fatalf("set = (%v, %v), want 2s", got, err)
	}
}
