// Package config loads sandboxd's settings from a YAML file, SANDBOXD_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/viper"

	"github.com/fslongjin/sandboxd/internal/model"
)

const EnvPrefix = "SANDBOXD"

// Config is the full process configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Images    ImagesConfig    `mapstructure:"images"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Access    AccessConfig    `mapstructure:"access"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type EngineConfig struct {
	Backend    string           `mapstructure:"backend"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
}

type DockerConfig struct {
	Binary           string        `mapstructure:"binary"`
	ProvisionScript  string        `mapstructure:"provision_script"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	DiskQuota        bool          `mapstructure:"disk_quota"`
}

type KubernetesConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
}

// ImagesConfig maps each OS family to the image new sandboxes start from.
type ImagesConfig struct {
	Ubuntu string `mapstructure:"ubuntu"`
	Debian string `mapstructure:"debian"`
}

type SandboxConfig struct {
	Lifetime time.Duration `mapstructure:"lifetime"`
	LockWait time.Duration `mapstructure:"lock_wait"`
}

type SchedulerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type ReconcileConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type BootstrapConfig struct {
	Admin string `mapstructure:"admin"`
}

type AccessConfig struct {
	AdminImpersonation bool `mapstructure:"admin_impersonation"`
}

type AuthConfig struct {
	BootstrapAPIKey string `mapstructure:"bootstrap_api_key"`
}

type NotifyConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	LogChannel     string        `mapstructure:"log_channel"`
	RenewalChannel string        `mapstructure:"renewal_channel"`
}

// LogConfig is overlaid on the LOG_* environment; the environment wins.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// SetDefaults registers every key with its default so that environment
// variables are seen by Unmarshal even when no file sets the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("engine.backend", "docker")
	v.SetDefault("engine.timeout", 2*time.Minute)
	v.SetDefault("engine.docker.binary", "docker")
	v.SetDefault("engine.docker.provision_script", "")
	v.SetDefault("engine.docker.provision_timeout", 10*time.Minute)
	v.SetDefault("engine.docker.disk_quota", false)
	v.SetDefault("engine.kubernetes.kubeconfig", "")
	v.SetDefault("engine.kubernetes.namespace", "sandboxd")

	v.SetDefault("images.ubuntu", "ubuntu:22.04")
	v.SetDefault("images.debian", "debian:12")

	v.SetDefault("sandbox.lifetime", model.DefaultLifetime)
	v.SetDefault("sandbox.lock_wait", 30*time.Second)

	v.SetDefault("scheduler.interval", 10*time.Minute)
	v.SetDefault("scheduler.concurrency", 4)

	v.SetDefault("reconcile.interval", 30*time.Minute)
	v.SetDefault("reconcile.retention", 7*24*time.Hour)

	v.SetDefault("bootstrap.admin", "")
	v.SetDefault("access.admin_impersonation", false)
	v.SetDefault("auth.bootstrap_api_key", "")

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.webhook_timeout", 10*time.Second)
	v.SetDefault("notify.log_channel", "")
	v.SetDefault("notify.renewal_channel", "")

	v.SetDefault("log.level", "")
	v.SetDefault("log.format", "")
	v.SetDefault("log.output", "")
	v.SetDefault("log.file_path", "")
}

// Load reads cfgFile, or sandboxd.yaml from the working directory or
// /etc/sandboxd when cfgFile is empty. A missing default file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sandboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sandboxd")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

// Validate checks every key that has a constrained range.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got: %d", c.HTTP.Port)
	}
	switch c.Engine.Backend {
	case "docker", "kubernetes", "memory":
	default:
		return fmt.Errorf("invalid engine.backend: %s, must be 'docker', 'kubernetes' or 'memory'", c.Engine.Backend)
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive, got: %s", c.Engine.Timeout)
	}
	if c.Engine.Backend == "docker" && c.Engine.Docker.Binary == "" {
		return fmt.Errorf("engine.docker.binary must not be empty")
	}
	if c.Engine.Backend == "kubernetes" && c.Engine.Kubernetes.Namespace == "" {
		return fmt.Errorf("engine.kubernetes.namespace must not be empty")
	}
	for key, ref := range map[string]string{"images.ubuntu": c.Images.Ubuntu, "images.debian": c.Images.Debian} {
		if _, err := name.ParseReference(ref); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, ref, err)
		}
	}
	if c.Sandbox.Lifetime <= 0 {
		return fmt.Errorf("sandbox.lifetime must be positive, got: %s", c.Sandbox.Lifetime)
	}
	if c.Sandbox.LockWait <= 0 {
		return fmt.Errorf("sandbox.lock_wait must be positive, got: %s", c.Sandbox.LockWait)
	}
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler.interval must not be negative, got: %s", c.Scheduler.Interval)
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive, got: %d", c.Scheduler.Concurrency)
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("reconcile.interval must not be negative, got: %s", c.Reconcile.Interval)
	}
	if c.Bootstrap.Admin != "" && !model.Principal(c.Bootstrap.Admin).Valid() {
		return fmt.Errorf("invalid bootstrap.admin %q", c.Bootstrap.Admin)
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify.queue_size must be positive, got: %d", c.Notify.QueueSize)
	}
	if c.Notify.WebhookTimeout <= 0 {
		return fmt.Errorf("notify.webhook_timeout must be positive, got: %s", c.Notify.WebhookTimeout)
	}
	return nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sandboxd.db")
}

// ImageMap returns the per-family images in the form the sandbox service takes.
func (c *Config) ImageMap() map[model.OSFamily]string {
	return map[model.OSFamily]string{
		model.OSUbuntu: c.Images.Ubuntu,
		model.OSDebian: c.Images.Debian,
	}
}

// BootstrapAdmins returns the configured initial admin, if any.
func (c *Config) BootstrapAdmins() []model.Principal {
	if c.Bootstrap.Admin == "" {
		return nil
	}
	return []model.Principal{model.Principal(c.Bootstrap.Admin)}
}

// DefaultSettings seeds unset settings. Empty channels are left unset so a
// later configuration can still provide them.
func (c *Config) DefaultSettings() map[string]string {
	out := map[string]string{}
	if c.Notify.LogChannel != "" {
		out[model.SettingLogChannel] = c.Notify.LogChannel
	}
	if c.Notify.RenewalChannel != "" {
		out[model.SettingRenewalChannel] = c.Notify.RenewalChannel
	}
	return out
}
