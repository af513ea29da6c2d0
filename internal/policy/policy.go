// Package policy loads relaywork configuration and exposes it to the rest of the
// process through a lock-guarded accessor that supports hot reload.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/relaywork/internal/domain"
)

// Environment overrides.
const (
	EnvConfigPath = "RELAYWORK_CONFIG"
	EnvNATSURL    = "NATS_URL"
	EnvNamespace  = "RELAYWORK_NAMESPACE"
)

// GlobalStateDir returns the default config directory (~/.config/relaywork).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "relaywork")
}

// ConfigPath returns $RELAYWORK_CONFIG, or config.yaml in GlobalStateDir.
func ConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(GlobalStateDir(), "config.yaml")
}

// WorkQueueConfig tunes capability queues created by this process.
type WorkQueueConfig struct {
	AckTimeoutMs        int `yaml:"ack_timeout_ms"`
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`
}

// DeadLetterConfig tunes the shared dead letter stream.
type DeadLetterConfig struct {
	TTLMs         int64 `yaml:"ttl_ms"`
	DedupWindowMs int64 `yaml:"dedup_window_ms"`
}

// InboxConfig tunes per-agent inbox streams.
type InboxConfig struct {
	MaxAgeHours int `yaml:"max_age_hours"`
}

// ChannelsConfig lists the broadcast channels.
type ChannelsConfig struct {
	Names          []string `yaml:"names"`
	RetentionHours int      `yaml:"retention_hours"`
}

// CoordinatorConfig controls the optional assignment tracker.
type CoordinatorConfig struct {
	Enabled             bool `yaml:"enabled"`
	AssignmentTimeoutMs int  `yaml:"assignment_timeout_ms"`
	MaxAttempts         int  `yaml:"max_attempts"`
	AutoRetry           bool `yaml:"auto_retry"`
	RetryPriority       int  `yaml:"retry_priority"`
}

// Config holds relaywork configuration.
type Config struct {
	NATSURL       string   `yaml:"nats_url"`
	Namespace     string   `yaml:"namespace"`
	WorkspaceRoot string   `yaml:"workspace_root"`
	LogFile       string   `yaml:"log_file"`
	HTTPPort      int      `yaml:"http_port"`
	EnabledTools  []string `yaml:"enabled_tools"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	WorkQueue   WorkQueueConfig   `yaml:"work_queue"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NATSURL:                  "nats://127.0.0.1:4222",
		Namespace:                "agent-registry",
		EnabledTools:             []string{"*"},
		HeartbeatIntervalSeconds: 60,
		WorkQueue: WorkQueueConfig{
			AckTimeoutMs:        30000,
			MaxDeliveryAttempts: 3,
		},
		DeadLetter: DeadLetterConfig{
			TTLMs:         int64(7 * 24 * time.Hour / time.Millisecond),
			DedupWindowMs: int64(time.Hour / time.Millisecond),
		},
		Inbox: InboxConfig{MaxAgeHours: 168},
		Channels: ChannelsConfig{
			Names:          []string{"general", "work", "status"},
			RetentionHours: 168,
		},
		Coordinator: CoordinatorConfig{
			Enabled:             true,
			AssignmentTimeoutMs: 300000,
			MaxAttempts:         3,
			AutoRetry:           true,
			RetryPriority:       7,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig, then
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults (plus env) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cfg = DefaultConfig()
		ApplyEnv(cfg)
		return cfg, cfg.Validate()
	}
	return nil, err
}

// ApplyEnv overrides broker address and namespace from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		cfg.Namespace = v
	}
}

// Validate rejects values the broker or the coordinator cannot use.
func (c *Config) Validate() error {
	if !domain.ValidBrokerAddress(c.NATSURL) {
		return domain.Invalid("nats_url", "%q is not a broker endpoint", c.NATSURL)
	}
	if c.Namespace == "" {
		return domain.Invalid("namespace", "must not be empty")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return domain.Invalid("heartbeat_interval_seconds", "must be positive")
	}
	if c.WorkQueue.AckTimeoutMs <= 0 || c.WorkQueue.MaxDeliveryAttempts <= 0 {
		return domain.Invalid("work_queue", "ack_timeout_ms and max_delivery_attempts must be positive")
	}
	if c.Coordinator.RetryPriority < 1 || c.Coordinator.RetryPriority > 10 {
		return domain.Invalid("coordinator.retry_priority", "must be between 1 and 10")
	}
	if c.Coordinator.MaxAttempts <= 0 || c.Coordinator.AssignmentTimeoutMs <= 0 {
		return domain.Invalid("coordinator", "max_attempts and assignment_timeout_ms must be positive")
	}
	return nil
}

// Policy is the live configuration shared by every component.
type Policy struct {
	config *Config
	mu     sync.RWMutex
}

// New wraps cfg.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// Snapshot returns a copy of the current configuration.
func (p *Policy) Snapshot() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := *p.config
	c.EnabledTools = append([]string(nil), p.config.EnabledTools...)
	c.Channels.Names = append([]string(nil), p.config.Channels.Names...)
	return c
}

// Apply takes the reloadable fields from cfg: enabled tools, heartbeat interval and the
// coordinator's timeout and retry settings. Broker address, namespace and stream
// settings need a restart.
func (p *Policy) Apply(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.EnabledTools = append([]string(nil), cfg.EnabledTools...)
	p.config.HeartbeatIntervalSeconds = cfg.HeartbeatIntervalSeconds
	enabled := p.config.Coordinator.Enabled
	p.config.Coordinator = cfg.Coordinator
	p.config.Coordinator.Enabled = enabled
}

// NATSURL returns the broker endpoint.
func (p *Policy) NATSURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.NATSURL
}

// Namespace returns the registry bucket name.
func (p *Policy) Namespace() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Namespace
}

// WorkspaceRoot returns the directory the project id is derived from.
func (p *Policy) WorkspaceRoot() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.WorkspaceRoot
}

// SetWorkspaceRoot changes the workspace root at runtime.
func (p *Policy) SetWorkspaceRoot(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.WorkspaceRoot = root
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/relaywork/relaywork.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()

	if lf == "" {
		return filepath.Join(GlobalStateDir(), "relaywork.log")
	}
	return lf
}

// HTTPPort returns the HTTP listen port, 0 when HTTP is disabled.
func (p *Policy) HTTPPort() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.HTTPPort
}

// IsToolEnabled checks if a tool is enabled
func (p *Policy) IsToolEnabled(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// HeartbeatInterval returns the presence refresh period.
func (p *Policy) HeartbeatInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.HeartbeatIntervalSeconds) * time.Second
}

// AckTimeout is how long a delivered work item may stay unacked before redelivery.
func (p *Policy) AckTimeout() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.WorkQueue.AckTimeoutMs) * time.Millisecond
}

// MaxDeliveryAttempts bounds deliveries per work item.
func (p *Policy) MaxDeliveryAttempts() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.WorkQueue.MaxDeliveryAttempts
}

// DeadLetterTTL is the dead letter retention.
func (p *Policy) DeadLetterTTL() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.DeadLetter.TTLMs) * time.Millisecond
}

// DedupWindow is the dead letter publish dedup window.
func (p *Policy) DedupWindow() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.DeadLetter.DedupWindowMs) * time.Millisecond
}

// InboxMaxAge is the inbox retention.
func (p *Policy) InboxMaxAge() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.Inbox.MaxAgeHours) * time.Hour
}

// Channels returns the configured channel names.
func (p *Policy) Channels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.config.Channels.Names...)
}

// ChannelRetention is the broadcast channel retention.
func (p *Policy) ChannelRetention() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.config.Channels.RetentionHours) * time.Hour
}

// Coordinator returns the coordinator settings.
func (p *Policy) Coordinator() CoordinatorConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Coordinator
}
