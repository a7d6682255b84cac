package config

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var _ IConfig = (*YamlConfig)(nil)

// YamlConfig implements IConfig with YAML file-based storage. When created
// with Watch, the file is re-read on change so long-lived servers pick up
// edits without a restart.
type YamlConfig struct {
	mu         sync.RWMutex
	configPath string
	logger     *zap.Logger
	watcher    *fsnotify.Watcher

	listenAddr           string
	serverName           string
	serverVersion        string
	logLevel             string
	instructions         string
	mcpPath              string
	corsEnabled          bool
	sseEnabled           bool
	postSSEEnabled       bool
	maxBodySize          int64
	sessionExpiryMinutes int

	sslEnabled      bool
	sslMode         string
	sslCertFile     string
	sslKeyFile      string
	sslAcmeDomains  []string
	sslAcmeEmail    string
	sslAcmeCacheDir string
}

// yamlConfig is the on-disk structure.
type yamlConfig struct {
	Server struct {
		Address              string `yaml:"address"`
		Name                 string `yaml:"name"`
		Version              string `yaml:"version"`
		LogLevel             string `yaml:"log_level"`
		Instructions         string `yaml:"instructions"`
		MCPPath              string `yaml:"mcp_path"`
		CORS                 *bool  `yaml:"cors"`
		SSE                  *bool  `yaml:"sse"`
		PostSSE              *bool  `yaml:"post_sse"`
		MaxBodySize          int64  `yaml:"max_body_size"`
		SessionExpiryMinutes int    `yaml:"session_expiry_minutes"`
		SSL                  struct {
			Enabled      bool     `yaml:"enabled"`
			Mode         string   `yaml:"mode"`
			CertFile     string   `yaml:"cert_file"`
			KeyFile      string   `yaml:"key_file"`
			AcmeDomains  []string `yaml:"acme_domains"`
			AcmeEmail    string   `yaml:"acme_email"`
			AcmeCacheDir string   `yaml:"acme_cache_dir"`
		} `yaml:"ssl"`
	} `yaml:"server"`
}

// NewYamlConfig loads the configuration file once.
func NewYamlConfig(configPath string, logger *zap.Logger) (*YamlConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := &YamlConfig{
		configPath: configPath,
		logger:     logger.Named("config"),
	}
	if err := cfg.reload(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewYamlConfigWithWatcher loads the file and watches it for changes.
func NewYamlConfigWithWatcher(configPath string, logger *zap.Logger) (*YamlConfig, error) {
	cfg, err := NewYamlConfig(configPath, logger)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	cfg.watcher = watcher
	go cfg.watch()
	return cfg, nil
}

func (c *YamlConfig) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := c.reload(); err != nil {
					c.logger.Error("Failed to reload config", zap.Error(err))
				} else {
					c.logger.Info("Config reloaded", zap.String("path", c.configPath))
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (c *YamlConfig) reload() error {
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", c.configPath, err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", c.configPath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.listenAddr = defaultString(raw.Server.Address, ":4000")
	c.serverName = defaultString(raw.Server.Name, "mcplane")
	c.serverVersion = defaultString(raw.Server.Version, "0.0.0")
	c.logLevel = defaultString(raw.Server.LogLevel, "info")
	c.instructions = raw.Server.Instructions
	c.mcpPath = defaultString(raw.Server.MCPPath, "/mcp")
	c.corsEnabled = defaultBool(raw.Server.CORS, true)
	c.sseEnabled = defaultBool(raw.Server.SSE, true)
	c.postSSEEnabled = defaultBool(raw.Server.PostSSE, true)
	c.maxBodySize = raw.Server.MaxBodySize
	if c.maxBodySize <= 0 {
		c.maxBodySize = 4 << 20
	}
	c.sessionExpiryMinutes = raw.Server.SessionExpiryMinutes
	if c.sessionExpiryMinutes <= 0 {
		c.sessionExpiryMinutes = 30
	}

	c.sslEnabled = raw.Server.SSL.Enabled
	c.sslMode = defaultString(raw.Server.SSL.Mode, "manual")
	c.sslCertFile = raw.Server.SSL.CertFile
	c.sslKeyFile = raw.Server.SSL.KeyFile
	c.sslAcmeDomains = raw.Server.SSL.AcmeDomains
	c.sslAcmeEmail = raw.Server.SSL.AcmeEmail
	c.sslAcmeCacheDir = defaultString(raw.Server.SSL.AcmeCacheDir, ".acme-cache")
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (c *YamlConfig) ListenAddr() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listenAddr, nil
}

func (c *YamlConfig) ServerName() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, nil
}

func (c *YamlConfig) ServerVersion() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion, nil
}

func (c *YamlConfig) LogLevel() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel, nil
}

func (c *YamlConfig) Instructions() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions, nil
}

func (c *YamlConfig) MCPPath() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mcpPath, nil
}

func (c *YamlConfig) CORSEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.corsEnabled, nil
}

func (c *YamlConfig) SSEEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sseEnabled, nil
}

func (c *YamlConfig) POSTSSEEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.postSSEEnabled, nil
}

func (c *YamlConfig) MaxBodySize() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBodySize, nil
}

func (c *YamlConfig) SessionExpiryMinutes() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionExpiryMinutes, nil
}

func (c *YamlConfig) SSLEnabled() (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslEnabled, nil
}

func (c *YamlConfig) SSLMode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslMode, nil
}

func (c *YamlConfig) SSLCertFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslCertFile, nil
}

func (c *YamlConfig) SSLKeyFile() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslKeyFile, nil
}

func (c *YamlConfig) SSLAcmeDomains() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeDomains, nil
}

func (c *YamlConfig) SSLAcmeEmail() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeEmail, nil
}

func (c *YamlConfig) SSLAcmeCacheDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sslAcmeCacheDir, nil
}

func (c *YamlConfig) Status(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverName == "" {
		return fmt.Errorf("config not loaded")
	}
	return nil
}

func (c *YamlConfig) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
