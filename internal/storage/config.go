// Package storage holds the server configuration stored in
// server_config.yaml.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the name of the configuration file in the data directory.
const ConfigFile = "server_config.yaml"

// ServerConfig stores all server-wide configuration.
// Loaded from server_config.yaml, created with defaults if missing.
type ServerConfig struct {
	// JWTSecret is the hex encoded secret used to sign tokens.
	// Auto-generated if empty on first load.
	JWTSecret string `yaml:"jwt_secret"`

	// JWTExpire is the token lifetime: a Go duration ("12h"), a number of
	// days ("30d") or a number of seconds.
	JWTExpire string `yaml:"jwt_expire"`

	// Quotas defines upload and account limits.
	Quotas Quotas `yaml:"quotas"`

	// RateLimits defines rate limiting configuration.
	RateLimits RateLimits `yaml:"rate_limits"`

	// CI configures the deployment trigger. An empty provider disables it.
	CI CIConfig `yaml:"ci"`

	// DBHistory records every mutating request as a git commit in the db
	// directory.
	DBHistory bool `yaml:"db_history"`

	// BlockedCountries lists ISO country codes refused at registration.
	// Requires a GeoIP database.
	BlockedCountries []string `yaml:"blocked_countries,omitempty"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// Quotas defines server-wide limits.
type Quotas struct {
	// MaxRequestBodyBytes limits JSON request bodies.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`

	// MaxArchiveBytes limits uploaded project zip files.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes"`

	// MaxImageBytes limits uploaded profile pictures.
	MaxImageBytes int64 `yaml:"max_image_bytes"`

	// MaxUsers limits registered users. 0 means unlimited.
	MaxUsers int `yaml:"max_users"`
}

// Validate checks that all quota values are usable.
func (q *Quotas) Validate() error {
	if q.MaxRequestBodyBytes < 0 {
		return errors.New("max_request_body_bytes must be non-negative")
	}
	if q.MaxArchiveBytes <= 0 {
		return errors.New("max_archive_bytes must be positive")
	}
	if q.MaxImageBytes <= 0 {
		return errors.New("max_image_bytes must be positive")
	}
	if q.MaxUsers < 0 {
		return errors.New("max_users must be non-negative")
	}
	return nil
}

// DefaultQuotas returns the default quotas.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxRequestBodyBytes: 1024 * 1024,      // 1 MiB
		MaxArchiveBytes:     50 * 1024 * 1024, // 50 MiB
		MaxImageBytes:       5 * 1024 * 1024,  // 5 MiB
		MaxUsers:            0,
	}
}

// RateLimits defines rate limiting configuration (requests per minute).
// 0 disables the tier.
type RateLimits struct {
	// AuthRatePerMin limits login and registration attempts per IP.
	AuthRatePerMin int `yaml:"auth_rate_per_min"`

	// WriteRatePerMin limits POST, PUT and DELETE per user.
	WriteRatePerMin int `yaml:"write_rate_per_min"`

	// ReadAuthRatePerMin limits authenticated reads per user.
	ReadAuthRatePerMin int `yaml:"read_auth_rate_per_min"`

	// ReadUnauthRatePerMin limits unauthenticated reads per IP.
	ReadUnauthRatePerMin int `yaml:"read_unauth_rate_per_min"`
}

// Validate checks that rate limit values are non-negative.
func (r *RateLimits) Validate() error {
	if r.AuthRatePerMin < 0 {
		return errors.New("auth_rate_per_min must be non-negative")
	}
	if r.WriteRatePerMin < 0 {
		return errors.New("write_rate_per_min must be non-negative")
	}
	if r.ReadAuthRatePerMin < 0 {
		return errors.New("read_auth_rate_per_min must be non-negative")
	}
	if r.ReadUnauthRatePerMin < 0 {
		return errors.New("read_unauth_rate_per_min must be non-negative")
	}
	return nil
}

// DefaultRateLimits returns the default rate limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		AuthRatePerMin:       10,
		WriteRatePerMin:      120,
		ReadAuthRatePerMin:   6000,
		ReadUnauthRatePerMin: 1200,
	}
}

// CIConfig configures the GitHub Actions workflow dispatched on deploy.
type CIConfig struct {
	// Provider is "github" or empty to disable deployments.
	Provider string `yaml:"provider"`
	// APIURL is the GitHub API base URL.
	APIURL string `yaml:"api_url,omitempty"`
	Owner  string `yaml:"owner,omitempty"`
	Repo   string `yaml:"repo,omitempty"`
	// Workflow is the workflow file name or id, e.g. "deploy.yml".
	Workflow string `yaml:"workflow,omitempty"`
	// Ref is the git ref the workflow runs on.
	Ref string `yaml:"ref,omitempty"`
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env,omitempty"`
}

// Enabled reports whether deployments are configured.
func (c *CIConfig) Enabled() bool {
	return c.Provider != ""
}

// Validate checks that an enabled CI configuration is complete.
func (c *CIConfig) Validate() error {
	switch c.Provider {
	case "":
		return nil
	case "github":
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if c.Owner == "" || c.Repo == "" || c.Workflow == "" {
		return errors.New("owner, repo and workflow are required")
	}
	return nil
}

// DefaultCIConfig returns a disabled CI configuration with GitHub defaults.
func DefaultCIConfig() CIConfig {
	return CIConfig{
		APIURL:   "https://api.github.com",
		Ref:      "main",
		TokenEnv: "GITHUB_TOKEN",
	}
}

// Validate checks that the configuration is valid.
func (c *ServerConfig) Validate() error {
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt_secret must be hex encoded: %w", err)
	}
	if len(key) < 32 {
		return errors.New("jwt_secret must be at least 32 bytes")
	}
	if _, err := ParseExpiry(c.JWTExpire); err != nil {
		return fmt.Errorf("jwt_expire: %w", err)
	}
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("quotas: %w", err)
	}
	if err := c.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	if err := c.CI.Validate(); err != nil {
		return fmt.Errorf("ci: %w", err)
	}
	return nil
}

// JWTKey returns the decoded signing key.
func (c *ServerConfig) JWTKey() []byte {
	key, _ := hex.DecodeString(c.JWTSecret)
	return key
}

// TokenTTL returns the token lifetime.
func (c *ServerConfig) TokenTTL() time.Duration {
	d, _ := ParseExpiry(c.JWTExpire)
	return d
}

// ApplyEnv overrides the JWT settings with JWT_SECRET and JWT_EXPIRE when
// set. A JWT_SECRET that is not hex is used as raw bytes.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) error {
	if s := getenv("JWT_SECRET"); s != "" {
		if _, err := hex.DecodeString(s); err != nil {
			s = hex.EncodeToString([]byte(s))
		}
		c.JWTSecret = s
	}
	if s := getenv("JWT_EXPIRE"); s != "" {
		c.JWTExpire = s
	}
	return c.Validate()
}

// ParseExpiry parses a token lifetime: "30d", "12h", "90m" or "3600".
func ParseExpiry(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// DefaultServerConfig returns a configuration with defaults and no secret.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		JWTExpire:  "30d",
		Quotas:     DefaultQuotas(),
		RateLimits: DefaultRateLimits(),
		CI:         DefaultCIConfig(),
	}
}

// LoadServerConfig loads configuration from dataDir/server_config.yaml.
// Creates the file with defaults if it doesn't exist.
// Auto-generates JWTSecret if empty.
func LoadServerConfig(dataDir string) (*ServerConfig, error) {
	path := filepath.Join(dataDir, ConfigFile)

	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", ConfigFile, err)
		}
	}

	modified := false
	if cfg.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.JWTSecret = hex.EncodeToString(key)
		modified = true
	}

	if modified || missing {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigFile, err)
	}
	return &cfg, nil
}

// Save saves configuration to dataDir/server_config.yaml.
func (c *ServerConfig) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, ConfigFile), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigFile, err)
	}
	return nil
}
