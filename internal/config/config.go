// Package config loads the layered Rise configuration: a required base
// file, an optional run-mode overlay, and an optional local overlay,
// each of which may be TOML, YAML, or YML, with ${VAR} /
// ${VAR:-default} substitution applied to every string value before
// decoding.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Server holds HTTP and token-signing configuration.
type Server struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	PublicURL          string   `mapstructure:"public_url"`
	CookieDomain       string   `mapstructure:"cookie_domain"`
	CookieSecure       bool     `mapstructure:"cookie_secure"`
	JWTSigningSecret   string   `mapstructure:"jwt_signing_secret"`
	RS256PrivateKeyPEM string   `mapstructure:"rs256_private_key_pem"`
	RS256PublicKeyPEM  string   `mapstructure:"rs256_public_key_pem"`
	JWTClaims          []string `mapstructure:"jwt_claims"`
	JWTExpirySeconds   int      `mapstructure:"jwt_expiry_seconds"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	MetricsPath        string   `mapstructure:"metrics_path"`
}

// PlatformAccess selects who may use platform APIs versus app-only access.
type PlatformAccess struct {
	Policy            string   `mapstructure:"policy"` // "allow_all" | "restrictive"
	AllowedUserEmails []string `mapstructure:"allowed_user_emails"`
	AllowedIdPGroups  []string `mapstructure:"allowed_idp_groups"`
}

// Auth holds the upstream IdP and session configuration.
type Auth struct {
	Issuer              string         `mapstructure:"issuer"`
	ClientID            string         `mapstructure:"client_id"`
	ClientSecret        string         `mapstructure:"client_secret"`
	AdminUsers          []string       `mapstructure:"admin_users"`
	PlatformAccess      PlatformAccess `mapstructure:"platform_access"`
	IdPGroupSyncEnabled bool           `mapstructure:"idp_group_sync_enabled"`
}

// Controller holds reconciliation loop tuning.
type Controller struct {
	ReconcileIntervalSecs   int `mapstructure:"reconcile_interval_secs"`
	HealthCheckIntervalSecs int `mapstructure:"health_check_interval_secs"`
}

// AccessClass is a named bundle of ingress attributes, including the
// authentication tier the ingress verifier demands.
type AccessClass struct {
	DisplayName       string `mapstructure:"display_name"`
	Description       string `mapstructure:"description"`
	IngressClass      string `mapstructure:"ingress_class"`
	AccessRequirement string `mapstructure:"access_requirement"` // None | Authenticated | Member
}

// Kubernetes holds ingress URL templates and access classes.
type Kubernetes struct {
	ProductionIngressURLTemplate string                 `mapstructure:"production_ingress_url_template"`
	StagingIngressURLTemplate    string                 `mapstructure:"staging_ingress_url_template"`
	AccessClasses                map[string]AccessClass `mapstructure:"access_classes"`
}

// DeploymentController holds deployment-controller configuration.
type DeploymentController struct {
	Kubernetes Kubernetes `mapstructure:"kubernetes"`
}

// EncryptionAESGCM holds local AES-256-GCM key material.
type EncryptionAESGCM struct {
	Key string `mapstructure:"key"`
}

// EncryptionAWSKMS holds KMS provider configuration.
type EncryptionAWSKMS struct {
	Region string `mapstructure:"region"`
	KeyID  string `mapstructure:"key_id"`
}

// Encryption selects and configures the secret encryption backend.
type Encryption struct {
	AESGCM256 *EncryptionAESGCM `mapstructure:"aes-gcm-256"`
	AWSKMS    *EncryptionAWSKMS `mapstructure:"aws-kms"`
}

// ExtensionProvider is one entry of extensions.providers[], a
// discriminated union keyed by Type; provider-specific fields live in
// Settings for the provider to interpret.
type ExtensionProvider struct {
	Type     string         `mapstructure:"type"`
	Settings map[string]any `mapstructure:"settings"`
}

// Extensions groups the provider list.
type Extensions struct {
	Providers []ExtensionProvider `mapstructure:"providers"`
}

// Logging selects the slog handler and level.
type Logging struct {
	Format string `mapstructure:"format"` // "json" | "text"
	Level  string `mapstructure:"level"`
}

// Database holds relational store connection settings.
type Database struct {
	URL           string `mapstructure:"url"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// Redis holds the shared token cache connection.
type Redis struct {
	URL string `mapstructure:"url"`
}

// Registry holds the managed image registry surface deployments pull from.
type Registry struct {
	Server string `mapstructure:"server"`
}

// CustomDomains configures certificate issuance for custom domains. An
// empty directory URL selects the local (untrusted) issuer.
type CustomDomains struct {
	ACMEDirectoryURL string `mapstructure:"acme_directory_url"`
	ACMEContactEmail string `mapstructure:"acme_contact_email"`
}

// Config is the fully merged, substituted Rise configuration.
type Config struct {
	RunMode              string               `mapstructure:"run_mode"`
	Logging              Logging              `mapstructure:"logging"`
	Server               Server               `mapstructure:"server"`
	Auth                 Auth                 `mapstructure:"auth"`
	Database             Database             `mapstructure:"database"`
	Redis                Redis                `mapstructure:"redis"`
	Registry             Registry             `mapstructure:"registry"`
	CustomDomains        CustomDomains        `mapstructure:"custom_domains"`
	Controller           Controller           `mapstructure:"controller"`
	DeploymentController DeploymentController `mapstructure:"deployment_controller"`
	Encryption           Encryption           `mapstructure:"encryption"`
	Extensions           Extensions           `mapstructure:"extensions"`

	// UnusedKeys lists configuration keys no field consumed, for a
	// startup warning.
	UnusedKeys []string `mapstructure:"-"`
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// JWTExpiry returns the configured JWT lifetime, defaulting to 24h.
func (c *Config) JWTExpiry() time.Duration {
	if c.Server.JWTExpirySeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Server.JWTExpirySeconds) * time.Second
}

var envSubstPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnv replaces every ${VAR} / ${VAR:-default} occurrence in s with
// the environment variable's value, or the default if the variable is unset
// or empty.
func substituteEnv(s string) string {
	return envSubstPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envSubstPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// Load reads and merges the layered configuration rooted at dir, for the
// given runMode ("production", "staging", "dev", ...). default.* is
// required; {run_mode}.* and local.* are optional overlays merged on top,
// highest-precedence last.
func Load(dir, runMode string) (*Config, error) {
	v := viper.New()

	if err := readLayer(v, dir, "default", true); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if runMode != "" {
		if err := readLayer(v, dir, runMode, false); err != nil {
			return nil, fmt.Errorf("loading %s config overlay: %w", runMode, err)
		}
	}

	if err := readLayer(v, dir, "local", false); err != nil {
		return nil, fmt.Errorf("loading local config overlay: %w", err)
	}

	cfg := &Config{RunMode: runMode}
	var metadata mapstructure.Metadata
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &metadata
	})
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// Unknown keys are tolerated but surfaced so typos don't silently
	// disable features; the caller logs them.
	cfg.UnusedKeys = append([]string(nil), metadata.Unused...)
	sort.Strings(cfg.UnusedKeys)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readLayer finds a {base}.{toml,yaml,yml} file under dir, applies env
// substitution to its raw bytes, and merges it into v. required controls
// whether a missing file is an error; a present-but-malformed file is
// always an error.
func readLayer(v *viper.Viper, dir, base string, required bool) error {
	path, ext, err := findLayerFile(dir, base)
	if err != nil {
		return err
	}
	if path == "" {
		if required {
			return fmt.Errorf("required config layer %q not found under %s (expected .toml/.yaml/.yml)", base, dir)
		}
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	substituted := substituteEnv(string(raw))

	layer := viper.New()
	layer.SetConfigType(ext)
	if err := layer.ReadConfig(bytes.NewBufferString(substituted)); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return v.MergeConfigMap(layer.AllSettings())
}

func findLayerFile(dir, base string) (path, ext string, err error) {
	for _, candidate := range []string{"toml", "yaml", "yml"} {
		p := filepath.Join(dir, base+"."+candidate)
		if _, statErr := os.Stat(p); statErr == nil {
			return p, candidate, nil
		}
	}
	return "", "", nil
}

// validate checks required format-string placeholders and key material
// at startup; failures here are fatal.
func (c *Config) validate() error {
	tmpl := c.DeploymentController.Kubernetes.ProductionIngressURLTemplate
	if tmpl != "" && !strings.Contains(tmpl, "{project_name}") {
		return fmt.Errorf("deployment_controller.kubernetes.production_ingress_url_template must contain {project_name}")
	}

	staging := c.DeploymentController.Kubernetes.StagingIngressURLTemplate
	if staging != "" {
		if !strings.Contains(staging, "{project_name}") || !strings.Contains(staging, "{deployment_group}") {
			return fmt.Errorf("deployment_controller.kubernetes.staging_ingress_url_template must contain {project_name} and {deployment_group}")
		}
	}

	if len(c.Server.JWTSigningSecret) > 0 && len(c.Server.JWTSigningSecret) < 32 {
		return fmt.Errorf("server.jwt_signing_secret must be at least 32 bytes (base64)")
	}

	return nil
}
