// Defines rate limit tiers and routing rules.

package ratelimit

import (
	"net/http"
	"time"

	"github.com/maruel/fmdhost/internal/storage"
)

// Scope defines how rate limit keys are determined.
type Scope int

const (
	// ScopeIP uses client IP address as the rate limit key.
	ScopeIP Scope = iota
	// ScopeUser uses authenticated user ID as the rate limit key.
	ScopeUser
)

// Tier defines a rate limit tier with its limiter and scope.
type Tier struct {
	Name    string
	Limiter *Limiter
	Scope   Scope
}

// Limiters holds the rate limiters of each tier. A nil tier is unlimited.
type Limiters struct {
	Auth       *Tier
	Write      *Tier
	ReadAuth   *Tier // authenticated read
	ReadUnauth *Tier // unauthenticated read
}

// NewLimiters creates limiters from per-minute configuration values.
// Rates up to 60 per minute allow the whole minute as a burst; higher rates
// allow ten seconds worth, at least 60.
func NewLimiters(cfg *storage.RateLimits) *Limiters {
	return &Limiters{
		Auth:       newTier("auth", cfg.AuthRatePerMin, ScopeIP),
		Write:      newTier("write", cfg.WriteRatePerMin, ScopeUser),
		ReadAuth:   newTier("read", cfg.ReadAuthRatePerMin, ScopeUser),
		ReadUnauth: newTier("read", cfg.ReadUnauthRatePerMin, ScopeIP),
	}
}

func newTier(name string, perMin int, scope Scope) *Tier {
	if perMin <= 0 {
		return nil
	}
	burst := perMin
	if perMin > 60 {
		burst = max(perMin/6, 60)
	}
	return &Tier{Name: name, Limiter: NewLimiter(perMin, time.Minute, burst), Scope: scope}
}

// MatchUnauth returns the tier for unauthenticated requests.
// Returns nil for paths that should not be rate limited.
func (l *Limiters) MatchUnauth(method, path string) *Tier {
	if l == nil || path == "/api/health" {
		return nil
	}
	if isAuthEndpoint(method, path) {
		return l.Auth
	}
	if method == http.MethodGet {
		return l.ReadUnauth
	}
	return nil
}

// MatchAuth returns the tier for authenticated requests.
// Returns nil for paths that should not be rate limited.
func (l *Limiters) MatchAuth(method, path string) *Tier {
	if l == nil || path == "/api/health" {
		return nil
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return l.Write
	case http.MethodGet, http.MethodHead:
		return l.ReadAuth
	}
	return nil
}

// Close stops all limiter cleanup goroutines.
func (l *Limiters) Close() {
	if l == nil {
		return
	}
	for _, t := range []*Tier{l.Auth, l.Write, l.ReadAuth, l.ReadUnauth} {
		if t != nil {
			t.Limiter.Close()
		}
	}
}

// isAuthEndpoint checks if the path accepts credentials.
func isAuthEndpoint(method, path string) bool {
	return method == http.MethodPost && (path == "/api/v1/users/login" || path == "/api/v1/users/register")
}
