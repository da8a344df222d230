// Package config holds the server configuration assembled from command-line
// flags and the optional JSON config file.
package config

import (
	"encoding/json"
	"net/url"
	"os"
	"sort"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/stellite/stellite/rewrite"
)

const (
	// maxPacketSize is the QUIC max packet size the send buffer is sized
	// against.
	maxPacketSize = 1452

	DefaultQuicPort           = 6121
	DefaultBindAddress        = "::"
	DefaultWorkerCount        = 1
	DefaultDispatchContinuity = 16
	DefaultSendBufferSize     = 30 * maxPacketSize
	DefaultRecvBufferSize     = 256 * 1024
	DefaultProxyTimeout       = 30 * time.Second

	MinDispatchContinuity = 1
	MaxDispatchContinuity = 32
)

// Flag names shared between the CLI surface and the JSON config file keys.
const (
	QuicPortFlag           = "quic_port"
	BindAddressFlag        = "bind_address"
	WorkerCountFlag        = "worker_count"
	DispatchContinuityFlag = "dispatch_continuity"
	SendBufferSizeFlag     = "send_buffer_size"
	RecvBufferSizeFlag     = "recv_buffer_size"
	ProxyPassFlag          = "proxy_pass"
	ProxyTimeoutFlag       = "proxy_timeout"
	KeyfileFlag            = "keyfile"
	CertfileFlag           = "certfile"
	ConfigFileFlag         = "config"
)

// ServerConfig is the complete configuration of the proxy server.
type ServerConfig struct {
	QuicPort           int    `json:"quic_port"`
	BindAddress        string `json:"bind_address"`
	WorkerCount        int    `json:"worker_count"`
	DispatchContinuity int    `json:"dispatch_continuity"`
	SendBufferSize     int    `json:"send_buffer_size"`
	RecvBufferSize     int    `json:"recv_buffer_size"`

	ProxyPass           string `json:"proxy_pass"`
	ProxyTimeoutSeconds int    `json:"proxy_timeout"`

	Keyfile  string `json:"keyfile"`
	Certfile string `json:"certfile"`

	// RewriteRules maps pattern to replacement template. Rules are applied
	// in lexicographic pattern order so reloads are deterministic.
	RewriteRules map[string]string `json:"rewrite"`
}

// NewDefaultConfig returns a ServerConfig with every tunable at its default.
func NewDefaultConfig() *ServerConfig {
	return &ServerConfig{
		QuicPort:            DefaultQuicPort,
		BindAddress:         DefaultBindAddress,
		WorkerCount:         DefaultWorkerCount,
		DispatchContinuity:  DefaultDispatchContinuity,
		SendBufferSize:      DefaultSendBufferSize,
		RecvBufferSize:      DefaultRecvBufferSize,
		ProxyTimeoutSeconds: int(DefaultProxyTimeout / time.Second),
	}
}

// FromContext assembles the configuration from CLI flags. When --config names
// a JSON file, the file's values override individual flags.
func FromContext(c *cli.Context) (*ServerConfig, error) {
	cfg := NewDefaultConfig()

	if c.IsSet(QuicPortFlag) {
		cfg.QuicPort = c.Int(QuicPortFlag)
	}
	if c.IsSet(BindAddressFlag) {
		cfg.BindAddress = c.String(BindAddressFlag)
	}
	if c.IsSet(WorkerCountFlag) {
		cfg.WorkerCount = c.Int(WorkerCountFlag)
	}
	if c.IsSet(DispatchContinuityFlag) {
		cfg.DispatchContinuity = c.Int(DispatchContinuityFlag)
	}
	if c.IsSet(SendBufferSizeFlag) {
		cfg.SendBufferSize = c.Int(SendBufferSizeFlag)
	}
	if c.IsSet(RecvBufferSizeFlag) {
		cfg.RecvBufferSize = c.Int(RecvBufferSizeFlag)
	}
	if c.IsSet(ProxyPassFlag) {
		cfg.ProxyPass = c.String(ProxyPassFlag)
	}
	if c.IsSet(ProxyTimeoutFlag) {
		cfg.ProxyTimeoutSeconds = c.Int(ProxyTimeoutFlag)
	}
	if c.IsSet(KeyfileFlag) {
		cfg.Keyfile = c.String(KeyfileFlag)
	}
	if c.IsSet(CertfileFlag) {
		cfg.Certfile = c.String(CertfileFlag)
	}

	if configPath := c.String(ConfigFileFlag); configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *ServerConfig) loadFile(path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrap(err, "cannot resolve config path")
	}
	raw, err := os.ReadFile(expanded)
	if err != nil {
		return errors.Wrapf(err, "cannot read config file %s", expanded)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return errors.Wrapf(err, "cannot parse config file %s", expanded)
	}
	return nil
}

// Validate checks ranges and required relations between settings.
func (cfg *ServerConfig) Validate() error {
	if cfg.QuicPort <= 0 || cfg.QuicPort > 65535 {
		return errors.Errorf("%s range is invalid: %d", QuicPortFlag, cfg.QuicPort)
	}
	if cfg.WorkerCount < 1 {
		return errors.Errorf("%s range is invalid: %d", WorkerCountFlag, cfg.WorkerCount)
	}
	if cfg.DispatchContinuity < MinDispatchContinuity || cfg.DispatchContinuity > MaxDispatchContinuity {
		return errors.Errorf("keep %s range [%d, %d]", DispatchContinuityFlag, MinDispatchContinuity, MaxDispatchContinuity)
	}
	if cfg.SendBufferSize <= 0 {
		return errors.Errorf("%s range is invalid: %d", SendBufferSizeFlag, cfg.SendBufferSize)
	}
	if cfg.RecvBufferSize <= 0 {
		return errors.Errorf("%s range is invalid: %d", RecvBufferSizeFlag, cfg.RecvBufferSize)
	}
	if cfg.ProxyTimeoutSeconds <= 0 {
		return errors.Errorf("%s range is invalid: %d", ProxyTimeoutFlag, cfg.ProxyTimeoutSeconds)
	}
	if cfg.ProxyPass != "" {
		u, err := url.Parse(cfg.ProxyPass)
		if err != nil {
			return errors.Wrapf(err, "%s is not a valid URL", ProxyPassFlag)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Errorf("%s scheme must be http or https: %s", ProxyPassFlag, cfg.ProxyPass)
		}
		if u.Host == "" {
			return errors.Errorf("%s has no host: %s", ProxyPassFlag, cfg.ProxyPass)
		}
	}
	if _, err := cfg.BuildRewriter(); err != nil {
		return err
	}
	return nil
}

// ProxyTimeout returns the per-request backend timeout.
func (cfg *ServerConfig) ProxyTimeout() time.Duration {
	return time.Duration(cfg.ProxyTimeoutSeconds) * time.Second
}

// BuildRewriter compiles the rewrite table. JSON objects carry no order, so
// patterns are installed in sorted order to keep first-match-wins stable
// across processes and reloads.
func (cfg *ServerConfig) BuildRewriter() (*rewrite.Rewriter, error) {
	r := rewrite.NewRewriter()
	patterns := make([]string, 0, len(cfg.RewriteRules))
	for pattern := range cfg.RewriteRules {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if err := r.AddRule(pattern, cfg.RewriteRules[pattern]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
