package config

import "context"

var _ IConfig = (*InternalConfig)(nil)

// InternalConfig is a static in-process configuration, used by tests and by
// embedders that assemble settings programmatically.
type InternalConfig struct {
	ListenAddrValue           string
	ServerNameValue           string
	ServerVersionValue        string
	LogLevelValue             string
	InstructionsValue         string
	MCPPathValue              string
	CORSEnabledValue          bool
	SSEEnabledValue           bool
	POSTSSEEnabledValue       bool
	MaxBodySizeValue          int64
	SessionExpiryMinutesValue int

	SSLEnabledValue      bool
	SSLModeValue         string
	SSLCertFileValue     string
	SSLKeyFileValue      string
	SSLAcmeDomainsValue  []string
	SSLAcmeEmailValue    string
	SSLAcmeCacheDirValue string
}

// NewInternalConfig returns a config with development defaults.
func NewInternalConfig() *InternalConfig {
	return &InternalConfig{
		ListenAddrValue:           ":4000",
		ServerNameValue:           "mcplane",
		ServerVersionValue:        "0.0.0",
		LogLevelValue:             "info",
		MCPPathValue:              "/mcp",
		CORSEnabledValue:          true,
		SSEEnabledValue:           true,
		POSTSSEEnabledValue:       true,
		MaxBodySizeValue:          4 << 20,
		SessionExpiryMinutesValue: 30,
		SSLModeValue:              "manual",
	}
}

func (c *InternalConfig) ListenAddr() (string, error)         { return c.ListenAddrValue, nil }
func (c *InternalConfig) ServerName() (string, error)         { return c.ServerNameValue, nil }
func (c *InternalConfig) ServerVersion() (string, error)      { return c.ServerVersionValue, nil }
func (c *InternalConfig) LogLevel() (string, error)           { return c.LogLevelValue, nil }
func (c *InternalConfig) Instructions() (string, error)       { return c.InstructionsValue, nil }
func (c *InternalConfig) MCPPath() (string, error)            { return c.MCPPathValue, nil }
func (c *InternalConfig) CORSEnabled() (bool, error)          { return c.CORSEnabledValue, nil }
func (c *InternalConfig) SSEEnabled() (bool, error)           { return c.SSEEnabledValue, nil }
func (c *InternalConfig) POSTSSEEnabled() (bool, error)       { return c.POSTSSEEnabledValue, nil }
func (c *InternalConfig) MaxBodySize() (int64, error)         { return c.MaxBodySizeValue, nil }
func (c *InternalConfig) SessionExpiryMinutes() (int, error)  { return c.SessionExpiryMinutesValue, nil }
func (c *InternalConfig) SSLEnabled() (bool, error)           { return c.SSLEnabledValue, nil }
func (c *InternalConfig) SSLMode() (string, error)            { return c.SSLModeValue, nil }
func (c *InternalConfig) SSLCertFile() (string, error)        { return c.SSLCertFileValue, nil }
func (c *InternalConfig) SSLKeyFile() (string, error)         { return c.SSLKeyFileValue, nil }
func (c *InternalConfig) SSLAcmeDomains() ([]string, error)   { return c.SSLAcmeDomainsValue, nil }
func (c *InternalConfig) SSLAcmeEmail() (string, error)       { return c.SSLAcmeEmailValue, nil }
func (c *InternalConfig) SSLAcmeCacheDir() (string, error)    { return c.SSLAcmeCacheDirValue, nil }
func (c *InternalConfig) Status(ctx context.Context) error    { return nil }
func (c *InternalConfig) Close() error                        { return nil }
