// Package config provides configuration structures and loading logic for
// the tlslink tools.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the CLI.
type Config struct {
	Endpoint    EndpointConfig    `yaml:"endpoint"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Authz       AuthzConfig       `yaml:"authz"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EndpointConfig describes the TCP endpoint and the peer identity checks.
type EndpointConfig struct {
	// ListenAddress is the server bind address.
	ListenAddress string `yaml:"listen_address"`
	// ConnectAddress is the client dial address.
	ConnectAddress string `yaml:"connect_address"`
	// Hostname is the identity expected in the peer certificate.
	Hostname string `yaml:"hostname"`
	// AuthzID is the authorization identity handed to the policy.
	AuthzID string `yaml:"authz_id"`
	// GracefulEOF accepts transport closure without TLS termination.
	GracefulEOF bool `yaml:"graceful_eof"`
}

// CredentialsConfig selects the credential variant and its material.
type CredentialsConfig struct {
	// Variant is one of "x509", "psk" or "anon".
	Variant string `yaml:"variant"`

	// Priority optionally overrides the cipher preference base.
	Priority string `yaml:"priority,omitempty"`

	// X.509 material.
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty"`
	// CAInline carries the trust anchors as literal PEM, for deployments
	// that inject configuration rather than files.
	CAInline string `yaml:"ca_inline,omitempty"`
	// CASHA256 optionally pins the CA bundle to a checksum.
	CASHA256 string `yaml:"ca_sha256,omitempty"`
	// SkipVerify disables peer certificate verification.
	SkipVerify bool `yaml:"skip_verify,omitempty"`
	// Watch reloads the certificate files on change.
	Watch bool `yaml:"watch,omitempty"`

	// Pre-shared key material.
	PSKFile     string `yaml:"psk_file,omitempty"`
	PSKIdentity string `yaml:"psk_identity,omitempty"`
}

// AuthzConfig configures the authorization policy.
type AuthzConfig struct {
	// Mode is "none", "rules" or "rego".
	Mode string `yaml:"mode"`

	// Rules for mode "rules".
	Rules        []RuleConfig `yaml:"rules,omitempty"`
	DefaultAllow bool         `yaml:"default_allow,omitempty"`

	// RegoFile for mode "rego".
	RegoFile   string `yaml:"rego_file,omitempty"`
	Entrypoint string `yaml:"entrypoint,omitempty"`
}

// RuleConfig is one static authorization rule.
type RuleConfig struct {
	Match  string `yaml:"match"`
	Allow  bool   `yaml:"allow"`
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// Load reads configuration from a file and applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Endpoint: EndpointConfig{
			ListenAddress:  ":9443",
			ConnectAddress: "localhost:9443",
		},
		Credentials: CredentialsConfig{
			Variant: "x509",
		},
		Authz: AuthzConfig{
			Mode: "none",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("TLSLINK_LISTEN_ADDR"); val != "" {
		cfg.Endpoint.ListenAddress = val
	}
	if val := os.Getenv("TLSLINK_CONNECT_ADDR"); val != "" {
		cfg.Endpoint.ConnectAddress = val
	}
	if val := os.Getenv("TLSLINK_HOSTNAME"); val != "" {
		cfg.Endpoint.Hostname = val
	}

	if val := os.Getenv("TLSLINK_CERT_FILE"); val != "" {
		cfg.Credentials.CertFile = val
	}
	if val := os.Getenv("TLSLINK_KEY_FILE"); val != "" {
		cfg.Credentials.KeyFile = val
	}
	if val := os.Getenv("TLSLINK_CA_FILE"); val != "" {
		cfg.Credentials.CAFile = val
	}
	if val := os.Getenv("TLSLINK_PSK_FILE"); val != "" {
		cfg.Credentials.PSKFile = val
	}

	if val := os.Getenv("TLSLINK_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}
	if val := os.Getenv("TLSLINK_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Credentials.Variant {
	case "x509":
		if c.Credentials.CAFile == "" && c.Credentials.CAInline == "" && !c.Credentials.SkipVerify {
			return fmt.Errorf("x509 credentials require ca_file or ca_inline unless skip_verify is set")
		}
		if c.Credentials.CAFile != "" && c.Credentials.CAInline != "" {
			return fmt.Errorf("ca_file and ca_inline are mutually exclusive")
		}
	case "psk":
		if c.Credentials.PSKFile == "" {
			return fmt.Errorf("psk credentials require psk_file")
		}
	case "anon":
	default:
		return fmt.Errorf("unknown credential variant %q", c.Credentials.Variant)
	}

	switch c.Authz.Mode {
	case "", "none":
	case "rules":
		if len(c.Authz.Rules) == 0 {
			return fmt.Errorf("authz mode %q requires at least one rule", c.Authz.Mode)
		}
	case "rego":
		if c.Authz.RegoFile == "" {
			return fmt.Errorf("authz mode %q requires rego_file", c.Authz.Mode)
		}
	default:
		return fmt.Errorf("unknown authz mode %q", c.Authz.Mode)
	}

	return nil
}
