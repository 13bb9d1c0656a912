package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"iamgate/upstream"
)

// EnvPrefix is the prefix of every environment override, e.g. IAMGATE_KRATOS_PUBLIC_URL.
const EnvPrefix = "IAMGATE"

// Proxy defaults
const (
	DefaultProxyTimeout = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server ServerConfig `yaml:"server" envconfig:"SERVER"`
	Kratos KratosConfig `yaml:"kratos" envconfig:"KRATOS"`
	Hydra  HydraConfig  `yaml:"hydra" envconfig:"HYDRA"`
	OAuth  OAuthConfig  `yaml:"oauth" envconfig:"OAUTH"`
	Vault  VaultConfig  `yaml:"vault" envconfig:"VAULT"`
	Proxy  ProxyConfig  `yaml:"proxy" envconfig:"PROXY"`
}

// ServerConfig controls listener, TLS, cookie and UI concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" split_words:"true"`
	DevListenAddr   string    `yaml:"dev_listen_addr" split_words:"true"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" split_words:"true"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" split_words:"true"`
	DevMode         bool      `yaml:"dev_mode" split_words:"true"`
	CookieDomain    string    `yaml:"cookie_domain" split_words:"true"`
	CookieSecret    string    `yaml:"cookie_secret" split_words:"true"`
	SecretsPath     string    `yaml:"secrets_path" split_words:"true"`
	LandingPath     string    `yaml:"landing_path" split_words:"true"`
	UIDir           string    `yaml:"ui_dir" split_words:"true"`
	BypassLogin     bool      `yaml:"bypass_login" split_words:"true"`
	TLS             TLSConfig `yaml:"tls" envconfig:"TLS"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" split_words:"true"`
	Email      string   `yaml:"email" split_words:"true"`
	MinVersion string   `yaml:"min_version" split_words:"true"`
	HSTSMaxAge int      `yaml:"hsts_max_age" split_words:"true"`
}

// KratosConfig locates the identity store.
type KratosConfig struct {
	PublicURL string `yaml:"public_url" split_words:"true"`
	AdminURL  string `yaml:"admin_url" split_words:"true"`
	// APIKey may be plaintext or vault ciphertext.
	APIKey string `yaml:"api_key" split_words:"true"`
}

// HydraConfig locates the authorization server and tunes the login integration.
type HydraConfig struct {
	Enabled   bool   `yaml:"enabled" split_words:"true"`
	PublicURL string `yaml:"public_url" split_words:"true"`
	AdminURL  string `yaml:"admin_url" split_words:"true"`
	APIKey    string `yaml:"api_key" split_words:"true"`
	// Issuer defaults to PublicURL.
	Issuer          string `yaml:"issuer" split_words:"true"`
	VerifyIDToken   bool   `yaml:"verify_id_token" split_words:"true"`
	RememberConsent bool   `yaml:"remember_consent" split_words:"true"`
}

// OAuthConfig holds the confidential client iamgate uses against Hydra.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id" split_words:"true"`
	ClientSecret string `yaml:"client_secret" split_words:"true"`
}

// VaultConfig keys the credential vault. An empty secret falls back to the cookie secret.
type VaultConfig struct {
	Secret string `yaml:"secret" split_words:"true"`
}

// ProxyConfig tunes the same-origin reverse proxy.
type ProxyConfig struct {
	Mount              string       `yaml:"mount" split_words:"true"`
	Timeout            string       `yaml:"timeout" split_words:"true"`
	MaxBodyBytes       int64        `yaml:"max_body_bytes" split_words:"true"`
	InsecureSkipVerify bool         `yaml:"insecure_skip_verify" split_words:"true"`
	AllowURLOverride   bool         `yaml:"allow_url_override" split_words:"true"`
	Routes             []ProxyRoute `yaml:"routes" ignored:"true"`
}

// ProxyRoute adds an upstream beyond the four Ory services.
type ProxyRoute struct {
	Name            string `yaml:"name"`
	Target          string `yaml:"target"`
	APIKey          string `yaml:"api_key"`
	ManualRedirects bool   `yaml:"manual_redirects"`
	RelayCookies    bool   `yaml:"relay_cookies"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			LandingPath:     "/",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Kratos: KratosConfig{
			PublicURL: "http://127.0.0.1:4433",
			AdminURL:  "http://127.0.0.1:4434",
		},
		Hydra: HydraConfig{
			Enabled:         true,
			PublicURL:       "http://127.0.0.1:4444",
			AdminURL:        "http://127.0.0.1:4445",
			RememberConsent: true,
		},
		Proxy: ProxyConfig{
			Mount:        upstream.DefaultProxyMount,
			Timeout:      DefaultProxyTimeout.String(),
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides layers IAMGATE_* variables over the file values. Unset
// variables leave the file value alone.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// Endpoints returns the upstream locations in the form the registry expects.
func (c Config) Endpoints() upstream.Endpoints {
	return upstream.Endpoints{
		KratosPublic: c.Kratos.PublicURL,
		KratosAdmin:  c.Kratos.AdminURL,
		HydraPublic:  c.Hydra.PublicURL,
		HydraAdmin:   c.Hydra.AdminURL,
		ProxyMount:   c.Proxy.Mount,
	}
}

// CallbackURL is the redirect_uri registered for the OAuth client.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/login/callback"
}

// Issuer returns the expected ID token issuer.
func (c Config) Issuer() string {
	if c.Hydra.Issuer != "" {
		return c.Hydra.Issuer
	}
	return strings.TrimSuffix(c.Hydra.PublicURL, "/") + "/"
}

// AuthDisabled reports whether every request is treated as pre-authenticated.
func (c Config) AuthDisabled() bool {
	return c.Server.BypassLogin || !c.Hydra.Enabled
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if !c.Server.DevMode && c.Server.CookieSecret == "" {
		slog.Error("Missing required configuration for production mode", "field", "server.cookie_secret")
		return errors.New("server.cookie_secret must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if !strings.HasPrefix(c.Server.LandingPath, "/") || strings.HasPrefix(c.Server.LandingPath, "//") {
		slog.Error("Invalid configuration value", "field", "server.landing_path", "value", c.Server.LandingPath, "reason", "must be an absolute path")
		return fmt.Errorf("server.landing_path must be an absolute path, got: %s", c.Server.LandingPath)
	}

	// Cookie domain should be a suffix of the public URL host
	// e.g., public_url: admin.dev.example.com -> cookie_domain: .dev.example.com (valid)
	if c.Server.CookieDomain != "" {
		host := publicHost(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	upstreams := []struct{ field, value string }{
		{"kratos.public_url", c.Kratos.PublicURL},
		{"kratos.admin_url", c.Kratos.AdminURL},
	}
	if c.Hydra.Enabled {
		upstreams = append(upstreams,
			struct{ field, value string }{"hydra.public_url", c.Hydra.PublicURL},
			struct{ field, value string }{"hydra.admin_url", c.Hydra.AdminURL},
		)
	}
	for _, u := range upstreams {
		if u.value == "" {
			slog.Error("Missing required configuration", "field", u.field)
			return fmt.Errorf("%s is required", u.field)
		}
		if !isHTTPURL(u.value) {
			slog.Error("Invalid upstream URL", "field", u.field, "value", u.value, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", u.field, u.value)
		}
	}

	if c.Hydra.Enabled && !c.Server.BypassLogin {
		if c.OAuth.ClientID == "" {
			slog.Error("Missing required configuration", "field", "oauth.client_id", "reason", "required while hydra.enabled is true")
			return errors.New("oauth.client_id is required when hydra is enabled")
		}
		if c.OAuth.ClientSecret == "" {
			slog.Error("Missing required configuration", "field", "oauth.client_secret", "reason", "required while hydra.enabled is true")
			return errors.New("oauth.client_secret is required when hydra is enabled")
		}
	}

	if c.Server.BypassLogin && !c.Server.DevMode {
		slog.Warn("Login bypass enabled outside dev mode", "field", "server.bypass_login")
	}

	mount := c.Proxy.Mount
	if !strings.HasPrefix(mount, "/") || strings.TrimRight(mount, "/") == "" {
		slog.Error("Invalid proxy mount", "field", "proxy.mount", "value", mount, "reason", "must be a non-root absolute path")
		return fmt.Errorf("proxy.mount must be a non-root absolute path, got: %s", mount)
	}

	if c.Proxy.Timeout != "" {
		if _, err := time.ParseDuration(c.Proxy.Timeout); err != nil {
			slog.Error("Invalid proxy timeout", "timeout", c.Proxy.Timeout, "error", err)
			return fmt.Errorf("proxy.timeout: invalid duration '%s': %w", c.Proxy.Timeout, err)
		}
	}

	if c.Proxy.MaxBodyBytes < 0 {
		slog.Error("Invalid proxy body limit", "field", "proxy.max_body_bytes", "value", c.Proxy.MaxBodyBytes)
		return errors.New("proxy.max_body_bytes must not be negative")
	}

	seen := make(map[string]bool)
	for i, route := range c.Proxy.Routes {
		if route.Name == "" {
			slog.Error("Proxy route missing name", "index", i)
			return fmt.Errorf("proxy.routes[%d]: name is required", i)
		}
		if _, builtin := upstream.ParseServiceID(route.Name); builtin || seen[route.Name] || strings.Contains(route.Name, "/") {
			slog.Error("Proxy route name conflict", "name", route.Name, "index", i)
			return fmt.Errorf("proxy.routes[%d]: name '%s' is reserved, duplicated or contains '/'", i, route.Name)
		}
		seen[route.Name] = true
		if !isHTTPURL(route.Target) {
			slog.Error("Invalid proxy target URL", "name", route.Name, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.Name, route.Target)
		}
	}

	return nil
}

func publicHost(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
