package didauth

import (
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds the options the control plane needs at startup
type Config interface {
	GetTokenSecret() string
	GetInternalSecret() string
	GetAdminClaimCode() string
	GetInstanceSecret() string
	GetIssuer() string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetFreshnessWindow() time.Duration
	GetCallbackURL() string
	GetClaimCodeReusable() bool
}

const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultIssuer          = "didauth"
)

// ValidateConfig fails closed when any required secret is missing
func ValidateConfig(cfg Config) error {
	if cfg == nil {
		return newError(ErrMissingConfig, map[string]any{"reason": "config is nil"})
	}

	missing := []string{}
	if cfg.GetTokenSecret() == "" {
		missing = append(missing, "token_secret")
	}
	if cfg.GetInternalSecret() == "" {
		missing = append(missing, "internal_secret")
	}
	if cfg.GetInstanceSecret() == "" {
		missing = append(missing, "instance_secret")
	}

	if len(missing) > 0 {
		return newError(ErrMissingConfig, map[string]any{"missing": missing})
	}
	return nil
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] DIDAUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] DIDAUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] DIDAUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] DIDAUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
