package policy

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/relaywork/internal/domain"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvNATSURL, "")
	t.Setenv(EnvNamespace, "")
	t.Setenv(EnvConfigPath, "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Namespace != "agent-registry" {
		t.Errorf("expected namespace agent-registry, got %q", cfg.Namespace)
	}
	if cfg.HeartbeatIntervalSeconds != 60 {
		t.Errorf("expected heartbeat interval 60s, got %d", cfg.HeartbeatIntervalSeconds)
	}
	if cfg.WorkQueue.MaxDeliveryAttempts != 3 || cfg.WorkQueue.AckTimeoutMs != 30000 {
		t.Errorf("unexpected work queue defaults %+v", cfg.WorkQueue)
	}
	if !cfg.Coordinator.Enabled || cfg.Coordinator.RetryPriority != 7 {
		t.Errorf("unexpected coordinator defaults %+v", cfg.Coordinator)
	}
	if len(cfg.EnabledTools) != 1 || cfg.EnabledTools[0] != "*" {
		t.Errorf("expected enabled_tools [*], got %v", cfg.EnabledTools)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestIsToolEnabled(t *testing.T) {
	tests := []struct {
		name         string
		enabledTools []string
		toolName     string
		want         bool
	}{
		{
			name:         "wildcard enables all",
			enabledTools: []string{"*"},
			toolName:     "any_tool",
			want:         true,
		},
		{
			name:         "specific tool enabled",
			enabledTools: []string{"register_agent", "send_message"},
			toolName:     "send_message",
			want:         true,
		},
		{
			name:         "tool not in list",
			enabledTools: []string{"register_agent"},
			toolName:     "broadcast",
			want:         false,
		},
		{
			name:         "empty list",
			enabledTools: []string{},
			toolName:     "any_tool",
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := New(&Config{EnabledTools: tt.enabledTools})
			if got := pol.IsToolEnabled(tt.toolName); got != tt.want {
				t.Errorf("IsToolEnabled(%q) = %v, want %v", tt.toolName, got, tt.want)
			}
		})
	}
}

func TestLoadConfig_MergesOverDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
nats_url: nats://broker.internal:4222
enabled_tools:
  - register_agent
  - discover_agents
work_queue:
  max_delivery_attempts: 5
coordinator:
  auto_retry: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	pol := New(cfg)

	if pol.NATSURL() != "nats://broker.internal:4222" {
		t.Errorf("expected configured broker, got %s", pol.NATSURL())
	}
	if len(cfg.EnabledTools) != 2 {
		t.Errorf("expected 2 enabled tools, got %d", len(cfg.EnabledTools))
	}
	if pol.MaxDeliveryAttempts() != 5 {
		t.Errorf("expected 5 delivery attempts, got %d", pol.MaxDeliveryAttempts())
	}
	// untouched nested fields keep their defaults
	if pol.AckTimeout() != 30*time.Second {
		t.Errorf("expected default ack timeout, got %v", pol.AckTimeout())
	}
	c := pol.Coordinator()
	if c.AutoRetry || !c.Enabled || c.MaxAttempts != 3 {
		t.Errorf("unexpected coordinator config %+v", c)
	}
	if pol.DeadLetterTTL() != 7*24*time.Hour || pol.DedupWindow() != time.Hour {
		t.Errorf("unexpected dead letter durations %v %v", pol.DeadLetterTTL(), pol.DedupWindow())
	}
	if got := pol.Channels(); len(got) != 3 {
		t.Errorf("expected default channels, got %v", got)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvNATSURL, "tls://secure:4222")
	t.Setenv(EnvNamespace, "team-registry")
	path := writeConfig(t, "nats_url: nats://ignored:4222\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NATSURL != "tls://secure:4222" || cfg.Namespace != "team-registry" {
		t.Errorf("env overrides not applied: %s %s", cfg.NATSURL, cfg.Namespace)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"bad broker", "nats_url: http://example.com\n"},
		{"zero heartbeat", "heartbeat_interval_seconds: 0\n"},
		{"retry priority out of range", "coordinator:\n  retry_priority: 11\n"},
		{"empty namespace", "namespace: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("LoadConfig() error = %v, want validation error", err)
			}
		})
	}

	if _, err := LoadConfig(writeConfig(t, "nats_url: [unterminated\n")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Namespace != "agent-registry" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/relaywork.yaml")
	if got := ConfigPath(); got != "/etc/relaywork.yaml" {
		t.Errorf("ConfigPath() = %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ConfigPath(); filepath.Base(got) != "config.yaml" {
		t.Errorf("ConfigPath() = %s", got)
	}
}

func TestApply_OnlyReloadableFields(t *testing.T) {
	pol := New(DefaultConfig())

	next := DefaultConfig()
	next.NATSURL = "nats://other:4222"
	next.EnabledTools = []string{"broadcast"}
	next.HeartbeatIntervalSeconds = 5
	next.Coordinator.Enabled = false
	next.Coordinator.AssignmentTimeoutMs = 1000
	pol.Apply(next)

	if pol.NATSURL() != "nats://127.0.0.1:4222" {
		t.Errorf("broker address must not reload, got %s", pol.NATSURL())
	}
	if pol.IsToolEnabled("register_agent") || !pol.IsToolEnabled("broadcast") {
		t.Error("enabled tools not reloaded")
	}
	if pol.HeartbeatInterval() != 5*time.Second {
		t.Errorf("heartbeat interval = %v", pol.HeartbeatInterval())
	}
	c := pol.Coordinator()
	if !c.Enabled || c.AssignmentTimeoutMs != 1000 {
		t.Errorf("coordinator = %+v", c)
	}
}

func TestLogFile(t *testing.T) {
	pol := New(&Config{})
	if filepath.Base(pol.LogFile()) != "relaywork.log" {
		t.Errorf("default log file = %s", pol.LogFile())
	}
	pol = New(&Config{LogFile: "off"})
	if pol.LogFile() != "off" {
		t.Errorf("LogFile() = %s", pol.LogFile())
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "heartbeat_interval_seconds: 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, log.New(io.Discard, "", 0), func(c *Config) { got <- c })
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("heartbeat_interval_seconds: 10\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.HeartbeatIntervalSeconds != 10 {
			t.Errorf("reloaded interval = %d", cfg.HeartbeatIntervalSeconds)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
