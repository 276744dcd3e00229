package httpclient

import (
	"fmt"
	"time"
)

// Config configures the HTTP client.
type Config struct {
	// Timeout is the overall request safety-net timeout. Callers that need
	// per-request deadlines (e.g. per-step timeouts) use context deadlines,
	// which must be shorter than this value to take effect.
	// Default: 20m. Must be > 0.
	Timeout time.Duration

	// UserAgent is the User-Agent header value.
	// Required. Must be non-empty.
	UserAgent string
}

// DefaultConfig returns a Config with sensible defaults. The long safety-net
// timeout accommodates worker steps that legitimately run for many minutes.
func DefaultConfig() Config {
	return Config{
		Timeout:   20 * time.Minute,
		UserAgent: "discovery-http-client/1.0",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required and must be non-empty")
	}
	return nil
}
