// Package config loads the loom runtime's configuration from config.yaml.
// Bus settings are handed to bus.NewBus exactly once at startup; the bus is
// never hot-reloaded. Tool manifests are the one hot-reloadable surface,
// watched by Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/basket/loom/internal/otel"
)

// BusConfig carries the event bus's construction-time settings. Zero values
// fall back to the bus package's reference defaults.
type BusConfig struct {
	// GlobalLimit overrides the bus-wide outstanding-envelope budget.
	GlobalLimit int64 `yaml:"global_limit"`

	// MaxPayloadBytes overrides the byte-payload size limit.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// RealtimeCapacity, BatchedCapacity, BackgroundCapacity override the
	// reference per-QoS queue capacities.
	RealtimeCapacity   int `yaml:"realtime_capacity"`
	BatchedCapacity    int `yaml:"batched_capacity"`
	BackgroundCapacity int `yaml:"background_capacity"`
}

// AudioConfig configures the optional audio ingestion pipeline: a source
// reading PCM16LE frames, fed into a VAD that publishes audio.voiced/vad
// events, and a placeholder transcript stage consuming those to publish
// transcript.final. Disabled by default, since no microphone driver exists
// for this runtime, only a file replay or synthetic sine source.
type AudioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SourcePath string `yaml:"source_path"` // raw PCM16LE file; empty uses a synthetic sine source
	SampleRate int    `yaml:"sample_rate"`
	SessionID  string `yaml:"session_id"`
}

// GatewayConfig configures the HTTP dashboard: health, topology snapshots,
// the SSE event tap, and the websocket topology push.
type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Addr         string   `yaml:"addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// ToolsConfig configures the tool broker. ManifestDir holds one JSON
// manifest per tool (name + argument schema); the directory is watched and
// re-read when a manifest changes.
type ToolsConfig struct {
	ManifestDir string `yaml:"manifest_dir"`
}

// ScheduleConfig is one cron-driven publication: at each firing of
// CronExpr, the scheduler publishes Payload on Topic at Background QoS.
type ScheduleConfig struct {
	Name      string `yaml:"name"`
	CronExpr  string `yaml:"cron_expr"`
	Topic     string `yaml:"topic"`
	EventType string `yaml:"event_type"`
	Payload   string `yaml:"payload"`
}

// Config is the full runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Bus       BusConfig        `yaml:"bus,omitempty"`
	Audio     AudioConfig      `yaml:"audio,omitempty"`
	Gateway   GatewayConfig    `yaml:"gateway,omitempty"`
	Tools     ToolsConfig      `yaml:"tools,omitempty"`
	Otel      otel.Config      `yaml:"otel,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// Default returns the configuration used when no config.yaml exists.
func Default() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7780",
		},
	}
}

// Load reads config.yaml from homeDir, falling back to Default when the
// file does not exist. A present-but-unparsable file is an error rather
// than a silent fallback.
func Load(homeDir string) (Config, error) {
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Gateway.Enabled && c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required when the gateway is enabled")
	}
	for i, s := range c.Schedules {
		if s.CronExpr == "" {
			return fmt.Errorf("schedules[%d] (%s): cron_expr is required", i, s.Name)
		}
		if s.Topic == "" {
			return fmt.Errorf("schedules[%d] (%s): topic is required", i, s.Name)
		}
	}
	return nil
}

// HomeDir resolves the runtime data directory: $LOOM_HOME, or ~/.loom.
func HomeDir() (string, error) {
	if dir := os.Getenv("LOOM_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".loom"), nil
}
