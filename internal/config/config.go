// Package config loads goqttd's YAML configuration: storage root/bucket
// count, listener descriptors, and domain descriptors with their settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// ConnectTimeoutSeconds bounds how long a connection may sit in
	// AwaitingConnect before a CONNECT arrives.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// WorkerPoolSize bounds how many decoded packets are dispatched
	// concurrently across every connection in the process, via
	// internal/workerpool.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	Storage   StorageConfig    `yaml:"storage"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Domains   []DomainConfig   `yaml:"domains"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// MetricsConfig controls the optional prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    string `yaml:"port"`
}

// StorageConfig configures the root of the durable per-client storage tree.
type StorageConfig struct {
	Root        string `yaml:"root"`
	BucketCount int    `yaml:"bucket_count"` // power of two, default 4096
}

// ListenerConfig is one `(proto, bind_addr, port)` descriptor.
type ListenerConfig struct {
	Proto string `yaml:"proto"` // mqtt | mqtt-tls/tls/ssl/mqtt-ssl | mqtt-ws/ws | mqtt-wss/wss
	Bind  string `yaml:"bind"`
	Port  string `yaml:"port"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// PerServerName maps an SNI server name to an alternate cert/key pair.
	PerServerName map[string]TLSCertPair `yaml:"tls_sni"`
	VerifyClient  bool                   `yaml:"tls_verify_client"`
}

// TLSCertPair is a certificate/key file pair for one SNI server name.
type TLSCertPair struct {
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	ChainFile string `yaml:"chain_file"`
}

// DomainConfig is one `(name, storage_path, users_db_path, settings, is_active)`
// descriptor.
type DomainConfig struct {
	Name        string `yaml:"name"`
	StoragePath string `yaml:"storage_path"`
	AuthBackend string `yaml:"auth_backend"` // registered AuthBackend label, e.g. "sqlite" or "allow-all"
	UsersDBPath string `yaml:"users_db_path"`
	IsActive    bool   `yaml:"active"`

	Settings DomainSettings  `yaml:"settings"`
	ACLRules []ACLRuleConfig `yaml:"acl_rules"`
}

// ACLRuleConfig is one entry of a domain's on-publish/on-subscribe ACL
// pipeline, evaluated in file order by internal/auth's config-driven
// handler. Username "*" matches any user.
type ACLRuleConfig struct {
	Username string `yaml:"username"`
	Filter   string `yaml:"filter"`
	Action   string `yaml:"action"` // allow | deny | disconnect
	Publish  bool   `yaml:"publish"`
	Subscribe bool  `yaml:"subscribe"`
}

// DomainSettings is the per-domain limit and policy set.
type DomainSettings struct {
	RequireAuth           bool  `yaml:"require_auth"`
	RestrictIDs           bool  `yaml:"restrict_ids"`
	DropConnSameClientID  bool  `yaml:"drop_conn_same_client_id"`
	ConnLimit             int   `yaml:"conn_limit"`
	MessageSizeLimit      int   `yaml:"message_size_limit"`
	StorageMessagesLimit  int   `yaml:"storage_messages_limit"`
	StorageQuotaLimit     int64 `yaml:"storage_quota_limit"`
	DisableWildcardSupport bool `yaml:"disable_wildcard_support"`
	MonthMessageQuota     int64 `yaml:"month_message_quota"`
	DayMessageQuota       int64 `yaml:"day_message_quota"`
}

// Load reads and parses a YAML configuration file, applying defaults for
// anything not set.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Root == "" {
		c.Storage.Root = "./store"
	}
	if c.Storage.BucketCount <= 0 {
		c.Storage.BucketCount = 4096
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = 30
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 256
	}
	for i := range c.Domains {
		if c.Domains[i].Settings.ConnLimit <= 0 {
			c.Domains[i].Settings.ConnLimit = 1000
		}
		if c.Domains[i].Settings.MessageSizeLimit <= 0 {
			c.Domains[i].Settings.MessageSizeLimit = 10 * 1024 * 1024
		}
		if c.Domains[i].AuthBackend == "" {
			// Matches auth.AllowAllLabel; not imported here to avoid a
			// config<->auth import cycle (internal/auth/aclrules.go
			// already imports internal/config).
			c.Domains[i].AuthBackend = "allow-all"
		}
		if c.Domains[i].StoragePath == "" {
			c.Domains[i].StoragePath = c.Storage.Root + "/" + c.Domains[i].Name
		}
	}
}
