package client

import (
	"fmt"
	"net/url"
	"time"
)

// ScopeAIAssistant selects the assistant endpoint instead of a collaboration
// scope.
const ScopeAIAssistant = "ai-assistant"

// Config describes one connection. The previous design had parallel factory
// functions per connection variant; they were all the same constructor with
// different defaults, so a single config struct replaces them.
type Config struct {
	BaseURL  string
	Platform string
	TenantID string
	UserID   string

	// Scope is the collaboration namespace ("document", "workspace", …) or
	// ScopeAIAssistant. ScopeID identifies the resource within the scope and
	// is unused for the assistant endpoint.
	Scope   string
	ScopeID string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration

	// TypingClearAfter bounds how long a remote typing indicator stays lit
	// without a follow-up event.
	TypingClearAfter time.Duration

	// AIHistoryLimit caps the conversation history; oldest turns are evicted
	// first.
	AIHistoryLimit int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.TypingClearAfter <= 0 {
		cfg.TypingClearAfter = 3 * time.Second
	}
	if cfg.AIHistoryLimit <= 0 {
		cfg.AIHistoryLimit = 100
	}
	return cfg
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("config: BaseURL is required")
	case c.Platform == "":
		return fmt.Errorf("config: Platform is required")
	case c.TenantID == "":
		return fmt.Errorf("config: TenantID is required")
	case c.UserID == "":
		return fmt.Errorf("config: UserID is required")
	case c.Scope == "":
		return fmt.Errorf("config: Scope is required")
	case c.Scope != ScopeAIAssistant && c.ScopeID == "":
		return fmt.Errorf("config: ScopeID is required for scope %q", c.Scope)
	}
	return nil
}

// URL builds the endpoint for this configuration.
//
//	{base}/ws/ai-assistant/{platform}/{tenant_id}?user_id={user_id}
//	{base}/ws/collaboration/{platform}/{scope}/{scope_id}?tenant_id={tenant_id}&user_id={user_id}
func (c *Config) URL() string {
	if c.Scope == ScopeAIAssistant {
		return fmt.Sprintf("%s/ws/ai-assistant/%s/%s?user_id=%s",
			c.BaseURL,
			url.PathEscape(c.Platform),
			url.PathEscape(c.TenantID),
			url.QueryEscape(c.UserID))
	}
	return fmt.Sprintf("%s/ws/collaboration/%s/%s/%s?tenant_id=%s&user_id=%s",
		c.BaseURL,
		url.PathEscape(c.Platform),
		url.PathEscape(c.Scope),
		url.PathEscape(c.ScopeID),
		url.QueryEscape(c.TenantID),
		url.QueryEscape(c.UserID))
}
