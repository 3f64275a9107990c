// Package config handles credgate.yaml parsing and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinRefreshInterval is the floor for the mapping refresh period. Operator
// values below it are raised, never honored.
const MinRefreshInterval = time.Minute

const defaultRefreshInterval = 5 * time.Minute

// Config is the daemon configuration, loaded once at startup and passed into
// components as an opaque object.
type Config struct {
	// ListenPort is the local port the proxy serves on. 0 picks an
	// OS-assigned port.
	ListenPort int `yaml:"listen_port,omitempty"`

	Mapper        MapperConfig        `yaml:"mapper"`
	Resolver      ResolverConfig      `yaml:"resolver,omitempty"`
	Impersonation ImpersonationConfig `yaml:"impersonation,omitempty"`
	STS           STSConfig           `yaml:"sts,omitempty"`

	// IMDSEndpoint overrides the upstream metadata service base URL.
	IMDSEndpoint string `yaml:"imds_endpoint,omitempty"`

	Audit AuditConfig `yaml:"audit,omitempty"`
	Log   LogConfig   `yaml:"log,omitempty"`
}

// MapperConfig selects and configures the role-mapping provider.
type MapperConfig struct {
	// Provider is a registered provider name: "directmap" or "policyunion".
	Provider string `yaml:"provider"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Key      string `yaml:"s3_key"`
	S3Region   string `yaml:"s3_region,omitempty"`
	S3Endpoint string `yaml:"s3_endpoint,omitempty"`

	// RoleArn is the fixed role assumed by the policyunion provider.
	RoleArn string `yaml:"role_arn,omitempty"`

	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes,omitempty"`
}

// ResolverConfig configures OS identity lookups.
type ResolverConfig struct {
	// Strategy is a registered lookup strategy: "native" or "command".
	Strategy string `yaml:"strategy,omitempty"`

	CommandTimeoutSeconds int `yaml:"command_timeout_seconds,omitempty"`
	GroupTTLMinutes       int `yaml:"group_ttl_minutes,omitempty"`
}

// ImpersonationConfig lists users allowed to vend credentials for others.
type ImpersonationConfig struct {
	AllowedUsers []string `yaml:"allowed_users,omitempty"`
}

// STSConfig configures the assume-role client.
type STSConfig struct {
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// AuditConfig configures the vend audit log.
type AuditConfig struct {
	// Path is the sqlite database path. Empty disables auditing.
	Path string `yaml:"path,omitempty"`
}

// LogConfig configures file logging.
type LogConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.Mapper.Provider == "" {
		return fmt.Errorf("mapper.provider is required")
	}
	if c.Mapper.S3Bucket == "" || c.Mapper.S3Key == "" {
		return fmt.Errorf("mapper.s3_bucket and mapper.s3_key are required")
	}
	if c.Mapper.Provider == "policyunion" && c.Mapper.RoleArn == "" {
		return fmt.Errorf("mapper.role_arn is required for the policyunion provider")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	return nil
}

// RefreshInterval returns the mapping refresh period with the floor applied.
func (c *Config) RefreshInterval() time.Duration {
	if c.Mapper.RefreshIntervalMinutes <= 0 {
		return defaultRefreshInterval
	}
	d := time.Duration(c.Mapper.RefreshIntervalMinutes) * time.Minute
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	return d
}

// CommandTimeout returns the subprocess lookup timeout.
func (c *Config) CommandTimeout() time.Duration {
	if c.Resolver.CommandTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Resolver.CommandTimeoutSeconds) * time.Second
}

// GroupTTL returns how long cached group memberships stay valid.
func (c *Config) GroupTTL() time.Duration {
	if c.Resolver.GroupTTLMinutes <= 0 {
		return 4 * time.Hour
	}
	return time.Duration(c.Resolver.GroupTTLMinutes) * time.Minute
}
