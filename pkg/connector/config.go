// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aiku/wahook/pkg/connector/credstore"
	"github.com/aiku/wahook/pkg/connector/gateway"
	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/aiku/wahook/pkg/connector/retrycache"
	"github.com/aiku/wahook/pkg/connector/webhook"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultListenAddr = ":3000"
	DefaultAuthDir    = "auth_info"
)

// Config holds the bridge configuration.
type Config struct {
	// ListenAddr is where the HTTP API (status, health and the manual
	// webhook receiver) listens. Overridden by PORT.
	ListenAddr string `yaml:"listen_addr"`

	Gateway     GatewayConfig     `yaml:"gateway"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Replies     Replies           `yaml:"replies"`
	RetryCache  RetryCacheConfig  `yaml:"retry_cache"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`

	Logging zeroconfig.Config `yaml:"logging"`

	version protocol.Version `yaml:"-"`
}

type GatewayConfig struct {
	URL        string `yaml:"url"`
	VersionURL string `yaml:"version_url"`
	// Version is announced when VersionURL is unset or unreachable.
	Version        []int         `yaml:"version"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	// MaxRetries caps re-requests of a message that failed to decrypt.
	MaxRetries int `yaml:"max_retries"`
}

type CredentialsConfig struct {
	// Type is "file" (a directory) or "sqlite" (a database file).
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type WebhookConfig struct {
	// URL receives every inbound message. Empty disables relaying.
	// Overridden by WEBHOOK_URL.
	URL           string         `yaml:"url"`
	Format        webhook.Format `yaml:"format"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxConcurrent int64          `yaml:"max_concurrent"`
	Username      string         `yaml:"username"`
}

type RetryCacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity uint64        `yaml:"capacity"`
}

type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// ApplyEnv overrides config values from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("WEBHOOK_URL"); ok {
		c.Webhook.URL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
	if v, ok := lookup("AUTH_DIR"); ok && v != "" {
		c.Credentials.Path = v
	}
	if v, ok := lookup("GATEWAY_URL"); ok && v != "" {
		c.Gateway.URL = v
	}
}

// PostProcess fills defaults and derives internal values.
func (c *Config) PostProcess() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Credentials.Type == "" {
		c.Credentials.Type = credstore.TypeFile
	}
	if c.Credentials.Path == "" {
		c.Credentials.Path = DefaultAuthDir
	}
	if c.Gateway.ConnectTimeout <= 0 {
		c.Gateway.ConnectTimeout = gateway.DefaultConnectTimeout
	}
	if c.Gateway.SendTimeout <= 0 {
		c.Gateway.SendTimeout = DefaultSendTimeout
	}
	if c.Gateway.MaxRetries <= 0 {
		c.Gateway.MaxRetries = gateway.DefaultMaxRetries
	}
	if c.Webhook.Format == "" {
		c.Webhook.Format = webhook.FormatJSON
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = webhook.DefaultTimeout
	}
	if c.Webhook.MaxConcurrent <= 0 {
		c.Webhook.MaxConcurrent = DefaultMaxConcurrent
	}
	c.Replies = c.Replies.withDefaults()
	if c.RetryCache.TTL <= 0 {
		c.RetryCache.TTL = retrycache.DefaultTTL
	}
	if c.RetryCache.Capacity == 0 {
		c.RetryCache.Capacity = retrycache.DefaultCapacity
	}
	if c.Reconnect.MinDelay <= 0 {
		c.Reconnect.MinDelay = DefaultMinReconnectDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = DefaultMaxReconnectDelay
	}

	switch len(c.Gateway.Version) {
	case 0:
		c.version = gateway.DefaultVersion
	case 3:
		c.version = protocol.Version{c.Gateway.Version[0], c.Gateway.Version[1], c.Gateway.Version[2]}
	default:
		return fmt.Errorf("gateway.version must have 3 elements, got %d", len(c.Gateway.Version))
	}
	return nil
}

// Validate checks the fields PostProcess cannot default.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	switch c.Credentials.Type {
	case credstore.TypeFile, credstore.TypeSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown credentials.type %q", c.Credentials.Type))
	}
	switch webhook.Format(strings.ToLower(string(c.Webhook.Format))) {
	case webhook.FormatJSON, webhook.FormatMattermost:
	default:
		errs = append(errs, fmt.Errorf("unknown webhook.format %q", c.Webhook.Format))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.MinDelay {
		errs = append(errs, fmt.Errorf("reconnect.max_delay (%s) is below reconnect.min_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.MinDelay))
	}
	return errors.Join(errs...)
}

// ProtocolVersion returns the configured fallback protocol version.
func (c *Config) ProtocolVersion() protocol.Version {
	return c.version
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "listen_addr")

	helper.Copy(up.Str, "gateway", "url")
	helper.Copy(up.Str|up.Null, "gateway", "version_url")
	helper.Copy(up.List, "gateway", "version")
	helper.Copy(up.Str, "gateway", "connect_timeout")
	helper.Copy(up.Str, "gateway", "send_timeout")
	helper.Copy(up.Int, "gateway", "max_retries")

	helper.Copy(up.Str, "credentials", "type")
	helper.Copy(up.Str, "credentials", "path")

	helper.Copy(up.Str|up.Null, "webhook", "url")
	helper.Copy(up.Str, "webhook", "format")
	helper.Copy(up.Str, "webhook", "timeout")
	helper.Copy(up.Int, "webhook", "max_concurrent")
	helper.Copy(up.Str, "webhook", "username")

	helper.Copy(up.Str, "replies", "ping")
	helper.Copy(up.Str, "replies", "default")

	helper.Copy(up.Str, "retry_cache", "ttl")
	helper.Copy(up.Int, "retry_cache", "capacity")

	helper.Copy(up.Str, "reconnect", "min_delay")
	helper.Copy(up.Str, "reconnect", "max_delay")

	helper.Copy(up.Map, "logging")
}

// upgradeConfigData merges a user config onto the example config, so keys
// added in newer versions get their defaults.
func upgradeConfigData(data []byte) ([]byte, error) {
	var baseNode, cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfgNode.Kind == 0 {
		return []byte(ExampleConfig), nil
	}
	upgradeConfig(up.NewHelper(&baseNode, &cfgNode))
	out, err := yaml.Marshal(&baseNode)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upgraded config: %w", err)
	}
	return out, nil
}

// LoadConfig reads the config at path, writing the example config there
// first if the file does not exist. Environment overrides are applied
// before validation.
func LoadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create config directory: %w", err)
			}
		}
		if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		data = []byte(ExampleConfig)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	data, err = upgradeConfigData(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if lookup != nil {
		cfg.ApplyEnv(lookup)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
