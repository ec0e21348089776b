// Package config provides configuration types for previewd.
//
// Configuration is environment-first: the flat variables the deployment
// platform injects (PORT, DATA_DIR, FLY_API_KEY, ...) take precedence,
// with an optional previewd.yaml for everything else. All instance state
// is in memory; the only durable state previewd owns is the project
// directories under DataDir.
package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for previewd.
type Config struct {
	// Server configures the public HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures the shared-secret HMAC credentials for the control
	// plane. When either field is empty the server runs in unauthenticated
	// development mode (logged loudly at startup).
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Projects configures project storage and the template fast path.
	Projects ProjectsConfig `yaml:"projects" mapstructure:"projects"`

	// Instances configures the bundler child-process pool.
	Instances InstancesConfig `yaml:"instances" mapstructure:"instances"`

	// Public configures how generated bundler configs address this server
	// from the browser (HMR host, protocol).
	Public PublicConfig `yaml:"public" mapstructure:"public"`
}

// ServerConfig configures the public HTTP server.
type ServerConfig struct {
	// Port is the public listen port. Bound to the PORT env var.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// AuthConfig holds the control-plane HMAC credentials.
type AuthConfig struct {
	// APIKey is the expected X-API-Key header value. FLY_API_KEY.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// APISecret is the HMAC-SHA256 signing secret. FLY_API_SECRET.
	APISecret string `yaml:"api_secret" mapstructure:"api_secret"`

	// TimestampTolerance is the accepted clock skew for signed requests.
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance" mapstructure:"timestamp_tolerance"`
}

// Enabled reports whether request signing is enforced.
func (a AuthConfig) Enabled() bool {
	return a.APIKey != "" && a.APISecret != ""
}

// ProjectsConfig configures project storage and scaffolding.
type ProjectsConfig struct {
	// DataDir is the root directory for project directories. DATA_DIR.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`

	// PrebuiltTemplateDir is an optional build-time pre-warmed template
	// directory copied into DataDir on first initialisation.
	PrebuiltTemplateDir string `yaml:"prebuilt_template_dir" mapstructure:"prebuilt_template_dir"`

	// BunBinary is the package-manager / runner binary. BUN_BINARY.
	BunBinary string `yaml:"bun_binary" mapstructure:"bun_binary"`

	// TaggerDep is the dependency specifier written into generated
	// package manifests for the tagger plugin. JSX_TAGGER_DEP.
	TaggerDep string `yaml:"tagger_dep" mapstructure:"tagger_dep"`
}

// InstancesConfig configures the supervisor's child-process pool.
type InstancesConfig struct {
	// BasePort is the first port handed to a bundler child.
	BasePort int `yaml:"base_port" mapstructure:"base_port" validate:"min=1024,max=65535"`

	// MaxInstances bounds the number of concurrent bundler children.
	// The port range is [BasePort, BasePort+MaxInstances).
	MaxInstances int `yaml:"max_instances" mapstructure:"max_instances" validate:"min=1"`

	// IdleTimeout is how long an instance may sit unused before the
	// idle sweeper stops it.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// StartupTimeout is how long to wait for a child to answer HTTP.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout"`
}

// PublicConfig describes the public address injected into generated
// bundler HMR configuration.
type PublicConfig struct {
	// Host is the public hostname browsers connect to. FLY_PUBLIC_HOST.
	Host string `yaml:"host" mapstructure:"host"`

	// HTTPS forces wss/443 in generated HMR configs. FLY_HTTPS.
	// Defaults to true when Host ends in ".fly.dev".
	HTTPS bool `yaml:"https" mapstructure:"https"`
}

// SetDefaults applies the documented default values.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Auth.TimestampTolerance == 0 {
		c.Auth.TimestampTolerance = 300 * time.Second
	}

	if c.Projects.DataDir == "" {
		c.Projects.DataDir = "/data/sites"
	}
	if c.Projects.BunBinary == "" {
		c.Projects.BunBinary = defaultBunBinary()
	}
	if c.Projects.TaggerDep == "" {
		c.Projects.TaggerDep = "file:/app/packages/vite-plugin-jsx-tagger"
	}

	if c.Instances.BasePort == 0 {
		c.Instances.BasePort = 5200
	}
	if c.Instances.MaxInstances == 0 {
		c.Instances.MaxInstances = 20
	}
	if c.Instances.IdleTimeout == 0 {
		c.Instances.IdleTimeout = 30 * time.Minute
	}
	if c.Instances.StartupTimeout == 0 {
		c.Instances.StartupTimeout = 60 * time.Second
	}

	if c.Public.Host == "" {
		c.Public.Host = "omniflow-preview.fly.dev"
	}
	// HTTPS defaults on for .fly.dev hosts. viper.IsSet distinguishes
	// "not set" (zero value) from an explicit FLY_HTTPS=false.
	if !viper.IsSet("public.https") && strings.HasSuffix(c.Public.Host, ".fly.dev") {
		c.Public.HTTPS = true
	}
}

// defaultBunBinary returns the platform default for the bun runner.
func defaultBunBinary() string {
	if runtime.GOOS == "windows" {
		return "bun.exe"
	}
	return "bun"
}
