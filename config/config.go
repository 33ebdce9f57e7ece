package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// AgentConfig is the full on-device configuration document. It is also the
// document synchronized with the remote service, which is why every field
// carries a JSON tag alongside its YAML tag.
type AgentConfig struct {
	// Device identity credentials sent on every remote call.
	DeviceID    string `yaml:"device_id" json:"device_id"`
	DeviceToken string `yaml:"device_token" json:"device_token"`

	// Version of the agent software, stamped at load time.
	Version string `yaml:"version" json:"version"`

	// DataDir holds the record database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// LogPath is the directory watched for log files.
	LogPath string `yaml:"log_path" json:"log_path"`

	// MachineConfigPath is the machine configuration document uploaded on
	// change and optionally rewritten from ping responses.
	MachineConfigPath string `yaml:"machine_config_path" json:"machine_config_path"`

	// UpdateMachineConfig enables write-through of machine configuration
	// documents carried in ping responses.
	UpdateMachineConfig bool `yaml:"update_machine_config" json:"update_machine_config"`

	// LastPingTimeMillis is the server clock reading from the most recent
	// acknowledged heartbeat.
	LastPingTimeMillis int64 `yaml:"last_ping_time_millis" json:"last_ping_time_millis"`

	Remote    RemoteConfig   `yaml:"remote" json:"remote"`
	Intervals IntervalConfig `yaml:"intervals" json:"intervals"`
	Dispatch  DispatchConfig `yaml:"dispatch" json:"dispatch"`
}

// RemoteConfig defines the remote service endpoint.
type RemoteConfig struct {
	Backend string `yaml:"backend" json:"backend"`   // client backend type, defaults to httpapi
	BaseURL string `yaml:"base_url" json:"base_url"` // e.g. https://api.example.com
	AppID   string `yaml:"app_id" json:"app_id"`
	AppKey  string `yaml:"app_key" json:"app_key"`
}

// Validate validates the remote endpoint configuration.
func (c *RemoteConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("remote base_url is required")
	}
	if c.AppID == "" {
		return fmt.Errorf("remote app_id is required")
	}
	return nil
}

// IntervalConfig defines the periodic task schedule. Values are duration
// strings parsed by the owning component.
type IntervalConfig struct {
	Upload     string `yaml:"upload" json:"upload"`           // delivery sweep period
	ConfigSync string `yaml:"config_sync" json:"config_sync"` // agent config download period
	Ping       string `yaml:"ping" json:"ping"`               // heartbeat period
}

// SetDefaults sets reasonable default values for the schedule.
func (c *IntervalConfig) SetDefaults() {
	if c.Upload == "" {
		c.Upload = "60s"
		fmt.Printf("Warning: intervals.upload not set, defaulting to %s\n", c.Upload)
	}
	if c.ConfigSync == "" {
		c.ConfigSync = "5m"
		fmt.Printf("Warning: intervals.config_sync not set, defaulting to %s\n", c.ConfigSync)
	}
	if c.Ping == "" {
		c.Ping = "60s"
		fmt.Printf("Warning: intervals.ping not set, defaulting to %s\n", c.Ping)
	}
}

// DispatchConfig defines request dispatcher behavior.
type DispatchConfig struct {
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"` // per-request deadline
	QueueDepth     int    `yaml:"queue_depth" json:"queue_depth"`         // bounded waiter queue
	ProbeHost      string `yaml:"probe_host" json:"probe_host"`           // connectivity check host
}

// SetDefaults sets reasonable default values for the dispatcher.
func (c *DispatchConfig) SetDefaults() {
	if c.RequestTimeout == "" {
		c.RequestTimeout = "15s"
		fmt.Printf("Warning: dispatch.request_timeout not set, defaulting to %s\n", c.RequestTimeout)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 16
		fmt.Printf("Warning: dispatch.queue_depth not set or invalid, defaulting to %d\n", c.QueueDepth)
	}
	if c.ProbeHost == "" {
		c.ProbeHost = "google.com"
	}
}

// SetDefaults sets defaults across all sections.
func (c *AgentConfig) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
		fmt.Printf("Warning: data_dir not set, defaulting to %s\n", c.DataDir)
	}
	c.Intervals.SetDefaults()
	c.Dispatch.SetDefaults()
}

// Validate validates the configuration.
func (c *AgentConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := c.Remote.Validate(); err != nil {
		return fmt.Errorf("remote configuration error: %w", err)
	}
	return nil
}

// Document renders the configuration as the structured document exchanged
// with the remote service.
func (c *AgentConfig) Document() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config document: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}
	return doc, nil
}

// loadFile reads and parses a YAML configuration file.
func loadFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return &cfg, nil
}

// saveFile writes the configuration back to disk.
func saveFile(path string, cfg *AgentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file '%s': %w", path, err)
	}
	return nil
}
