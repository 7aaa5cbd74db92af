// Package config loads and validates fabric configuration.
//
// Configuration comes from an optional YAML file plus environment-variable
// overrides (FABRIC_*). The YAML document is validated against an embedded
// JSON schema before any field is used, so typos in option names fail fast
// at startup rather than silently falling back to defaults.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/calyptra/agentfabric/common/environment"
)

//go:embed config.schema.json
var schemaJSON string

// StorageMode selects the storage back-end.
type StorageMode string

const (
	StorageFile   StorageMode = "file"
	StorageSQLite StorageMode = "sqlite"
	StorageAPI    StorageMode = "api"
)

// Config holds every recognised fabric option.
type Config struct {
	// Homeserver.
	HomeserverURL     string `yaml:"homeserver_url"`
	ServerName        string `yaml:"server_name"`
	AdminUsername     string `yaml:"admin_username"`
	AdminPassword     string `yaml:"admin_password"`
	RegistrationToken string `yaml:"registration_token"`
	PasswordSecret    string `yaml:"password_secret"`
	// AdminRoomAlias is the command-room alias localpart; "#admins" unless a
	// homeserver uses a different console room.
	AdminRoomAlias string `yaml:"admin_room_alias"`

	// Storage.
	StorageMode        StorageMode `yaml:"storage_mode"`
	StorageDir         string      `yaml:"storage_dir"`
	StorageAPIURL      string      `yaml:"storage_api_url"`
	StorageInternalKey string      `yaml:"storage_internal_key"`

	// Room topology / invitation policy.
	SpaceName  string `yaml:"space_name"`
	OwnerMXID  string `yaml:"owner_mxid"`
	BridgeMXID string `yaml:"bridge_mxid"`
	AdminMXID  string `yaml:"admin_mxid"`

	// Webhook surface.
	WebhookPort             int    `yaml:"webhook_port"`
	WebhookSecret           string `yaml:"webhook_secret"`
	WebhookSkipVerification bool   `yaml:"webhook_skip_verification"`
	AuditNonMatrix          bool   `yaml:"audit_non_matrix"`

	// Conversation tuning, in seconds on the wire.
	ConversationMaxAgeSec  int `yaml:"conversation_max_age_sec"`
	MonitorMaxWaitSec      int `yaml:"monitor_max_wait_sec"`
	MonitorPollIntervalSec int `yaml:"monitor_poll_interval_sec"`
	DedupTTLSec            int `yaml:"dedup_ttl_sec"`
	CleanupIntervalSec     int `yaml:"cleanup_interval_sec"`
	MonitorMaxConcurrent   int `yaml:"monitor_max_concurrent"`

	// Agent service.
	AgentServiceURL   string `yaml:"agent_service_url"`
	AgentServiceToken string `yaml:"agent_service_token"`
	OurWebhookURL     string `yaml:"our_webhook_url"`
	// AgentSyncIntervalSec is the period of the agent-room reconciliation
	// pass; 0 disables the periodic pass (the startup pass always runs).
	AgentSyncIntervalSec int `yaml:"agent_sync_interval_sec"`

	// Session proxy (MCP front). Disabled when ProxyListenAddr is empty.
	ProxyListenAddr  string `yaml:"proxy_listen_addr"`
	ProxyUpstreamURL string `yaml:"proxy_upstream_url"`
}

// Defaults mirrors the documented option defaults.
func Defaults() *Config {
	return &Config{
		AdminRoomAlias:         "#admins",
		StorageMode:            StorageFile,
		StorageDir:             "./data",
		SpaceName:              "Letta Agents",
		WebhookPort:            8080,
		ConversationMaxAgeSec:  300,
		MonitorMaxWaitSec:      60,
		MonitorPollIntervalSec: 2,
		DedupTTLSec:            3600,
		CleanupIntervalSec:     60,
		MonitorMaxConcurrent:   32,
		AgentSyncIntervalSec:   300,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then FABRIC_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := validateSchema(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateSchema checks the raw YAML document against the embedded schema.
// The document is round-tripped through JSON because the schema validator
// expects JSON-decoded values.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalise yaml: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(jsonData, &normalised); err != nil {
		return fmt.Errorf("normalise yaml: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(normalised); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv overlays FABRIC_* environment variables on the current values.
func (c *Config) applyEnv() {
	c.HomeserverURL = environment.StringOr("FABRIC_HOMESERVER_URL", c.HomeserverURL)
	c.ServerName = environment.StringOr("FABRIC_SERVER_NAME", c.ServerName)
	c.AdminUsername = environment.StringOr("FABRIC_ADMIN_USERNAME", c.AdminUsername)
	c.AdminPassword = environment.StringOr("FABRIC_ADMIN_PASSWORD", c.AdminPassword)
	c.RegistrationToken = environment.StringOr("FABRIC_REGISTRATION_TOKEN", c.RegistrationToken)
	c.PasswordSecret = environment.StringOr("FABRIC_PASSWORD_SECRET", c.PasswordSecret)
	c.AdminRoomAlias = environment.StringOr("FABRIC_ADMIN_ROOM_ALIAS", c.AdminRoomAlias)

	c.StorageMode = StorageMode(environment.StringOr("FABRIC_STORAGE_MODE", string(c.StorageMode)))
	c.StorageDir = environment.StringOr("FABRIC_STORAGE_DIR", c.StorageDir)
	c.StorageAPIURL = environment.StringOr("FABRIC_STORAGE_API_URL", c.StorageAPIURL)
	c.StorageInternalKey = environment.StringOr("FABRIC_STORAGE_INTERNAL_KEY", c.StorageInternalKey)

	c.SpaceName = environment.StringOr("FABRIC_SPACE_NAME", c.SpaceName)
	c.OwnerMXID = environment.StringOr("FABRIC_OWNER_MXID", c.OwnerMXID)
	c.BridgeMXID = environment.StringOr("FABRIC_BRIDGE_MXID", c.BridgeMXID)
	c.AdminMXID = environment.StringOr("FABRIC_ADMIN_MXID", c.AdminMXID)

	c.WebhookPort = environment.IntOr("FABRIC_WEBHOOK_PORT", c.WebhookPort)
	c.WebhookSecret = environment.StringOr("FABRIC_WEBHOOK_SECRET", c.WebhookSecret)
	c.WebhookSkipVerification = environment.BoolOr("FABRIC_WEBHOOK_SKIP_VERIFICATION", c.WebhookSkipVerification)
	c.AuditNonMatrix = environment.BoolOr("FABRIC_AUDIT_NON_MATRIX", c.AuditNonMatrix)

	c.ConversationMaxAgeSec = environment.IntOr("FABRIC_CONVERSATION_MAX_AGE_SEC", c.ConversationMaxAgeSec)
	c.MonitorMaxWaitSec = environment.IntOr("FABRIC_MONITOR_MAX_WAIT_SEC", c.MonitorMaxWaitSec)
	c.MonitorPollIntervalSec = environment.IntOr("FABRIC_MONITOR_POLL_INTERVAL_SEC", c.MonitorPollIntervalSec)
	c.DedupTTLSec = environment.IntOr("FABRIC_DEDUP_TTL_SEC", c.DedupTTLSec)
	c.CleanupIntervalSec = environment.IntOr("FABRIC_CLEANUP_INTERVAL_SEC", c.CleanupIntervalSec)
	c.MonitorMaxConcurrent = environment.IntOr("FABRIC_MONITOR_MAX_CONCURRENT", c.MonitorMaxConcurrent)

	c.AgentServiceURL = environment.StringOr("FABRIC_AGENT_SERVICE_URL", c.AgentServiceURL)
	c.AgentServiceToken = environment.StringOr("FABRIC_AGENT_SERVICE_TOKEN", c.AgentServiceToken)
	c.OurWebhookURL = environment.StringOr("FABRIC_OUR_WEBHOOK_URL", c.OurWebhookURL)
	c.AgentSyncIntervalSec = environment.IntOr("FABRIC_AGENT_SYNC_INTERVAL_SEC", c.AgentSyncIntervalSec)

	c.ProxyListenAddr = environment.StringOr("FABRIC_PROXY_LISTEN_ADDR", c.ProxyListenAddr)
	c.ProxyUpstreamURL = environment.StringOr("FABRIC_PROXY_UPSTREAM_URL", c.ProxyUpstreamURL)
}

// Validate checks the fatal misconfiguration cases.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("config: homeserver_url is required")
	}
	if c.ServerName == "" {
		return fmt.Errorf("config: server_name is required")
	}
	if c.PasswordSecret == "" {
		return fmt.Errorf("config: password_secret is required")
	}
	switch c.StorageMode {
	case StorageFile, StorageSQLite:
		if c.StorageDir == "" {
			return fmt.Errorf("config: storage_dir is required for storage_mode=%s", c.StorageMode)
		}
	case StorageAPI:
		if c.StorageAPIURL == "" {
			return fmt.Errorf("config: storage_api_url is required for storage_mode=api")
		}
	default:
		return fmt.Errorf("config: unknown storage_mode %q", c.StorageMode)
	}
	if c.ProxyListenAddr != "" && c.ProxyUpstreamURL == "" {
		return fmt.Errorf("config: proxy_upstream_url is required when proxy_listen_addr is set")
	}
	return nil
}

// Duration accessors for the *_sec knobs.

func (c *Config) ConversationMaxAge() time.Duration {
	return time.Duration(c.ConversationMaxAgeSec) * time.Second
}

func (c *Config) MonitorMaxWait() time.Duration {
	return time.Duration(c.MonitorMaxWaitSec) * time.Second
}

func (c *Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.MonitorPollIntervalSec) * time.Second
}

func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

func (c *Config) AgentSyncInterval() time.Duration {
	return time.Duration(c.AgentSyncIntervalSec) * time.Second
}
