package taskmesh

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level coordinator configuration.
type Config struct {
	// Registry configures device admission and liveness.
	Registry RegistryConfig `yaml:"registry"`

	// Dispatch configures device selection and command timeouts.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Gateway configures the protocol surface.
	Gateway GatewayConfig `yaml:"gateway"`

	// Retry is the retry policy applied to tasks that declare none.
	Retry RetryPolicy `yaml:"retry"`

	// Journal configures the optional message journal.
	Journal JournalConfig `yaml:"journal"`

	// WS configures the websocket transport.
	WS WSConfig `yaml:"websocket"`

	// SweepInterval is the cadence of the heartbeat liveness sweep.
	// Default: Registry.HeartbeatTimeout / 3
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Registry: DefaultRegistryConfig(),
		Dispatch: DefaultDispatchConfig(),
		Gateway:  DefaultGatewayConfig(),
		Retry:    DefaultRetryPolicy(),
		Journal:  JournalConfig{},
		WS:       DefaultWSConfig(),
	}
}

// LoadConfig reads a YAML configuration file, layering it over defaults so a
// partial file is valid.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Registry.MaxDevices < 0 {
		return fmt.Errorf("config: registry.max_devices must be >= 0, got %d", c.Registry.MaxDevices)
	}
	if c.Registry.HeartbeatTimeout < 0 {
		return fmt.Errorf("config: registry.heartbeat_timeout must be >= 0, got %v", c.Registry.HeartbeatTimeout)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("config: retry.base_delay %v exceeds retry.max_delay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.Gateway.Protocol != "" && c.Gateway.Protocol != ProtocolV1 && c.Gateway.Protocol != ProtocolV2 {
		return fmt.Errorf("config: gateway.protocol must be %q or %q, got %q", ProtocolV1, ProtocolV2, c.Gateway.Protocol)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("config: journal.path is required when the journal is enabled")
	}
	return nil
}
