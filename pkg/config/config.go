// Package config loads the broker configuration from defaults, an optional
// config file and RRM_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/viznode/rrm/pkg/allocator"
)

// envPrefix is the prefix of configuration environment variables, so the
// listen address becomes RRM_ADDRESS and the SLURM user RRM_SSH_USER.
const envPrefix = "RRM"

// Config is the full broker configuration.
type Config struct {
	// Address is the listen address of the HTTP server.
	Address string `mapstructure:"address"`
	// URIPrefix is stripped from every request path before routing.
	URIPrefix string `mapstructure:"uri_prefix"`
	Debug     bool   `mapstructure:"debug"`

	// Database is the path of the sqlite database file.
	Database string `mapstructure:"database"`

	// ImageFeedURL is the base URL of the image-streaming service.
	ImageFeedURL string `mapstructure:"image_feed_url"`

	// KeepAlive seeds the session keep-alive window on first start.
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeRetries   uint          `mapstructure:"probe_retries"`

	// Backend selects the allocator: slurm, unicore or local.
	Backend        string        `mapstructure:"backend"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	SSH     SSHConfig     `mapstructure:"ssh"`
	Unicore UnicoreConfig `mapstructure:"unicore"`
}

// SSHConfig configures the SLURM-over-SSH allocator.
type SSHConfig struct {
	User string `mapstructure:"user"`
	// KeyPath points at the private key used for the SSH dialogue.
	KeyPath string `mapstructure:"key_path"`
	// EntryNodes is a whitespace-separated list of cluster entry hosts.
	EntryNodes string `mapstructure:"entry_nodes"`
	// DefaultTime is the default allocation time, hh:mm:ss.
	DefaultTime string `mapstructure:"default_time"`
	// AllocationTimeout bounds salloc, in seconds.
	AllocationTimeout int `mapstructure:"allocation_timeout"`
	// OutputPrefix is where job stdout and stderr files are written.
	OutputPrefix string `mapstructure:"output_prefix"`
}

// UnicoreConfig configures the UNICORE REST allocator.
type UnicoreConfig struct {
	RegistryURL string `mapstructure:"registry_url"`
	Site        string `mapstructure:"site"`
	Token       string `mapstructure:"token"`
	MaxLogSize  int64  `mapstructure:"max_log_size"`
}

// Load reads the configuration. A non-empty file path must point at a
// readable config file; environment variables override it.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("uri_prefix", "/rrm/v1")
	v.SetDefault("debug", false)
	v.SetDefault("database", "rrm.db")
	v.SetDefault("image_feed_url", "http://localhost:8888")
	v.SetDefault("keep_alive", 10*time.Minute)
	v.SetDefault("sweep_interval", 100*time.Second)
	v.SetDefault("forward_timeout", 30*time.Second)
	v.SetDefault("probe_timeout", 5*time.Second)
	v.SetDefault("probe_retries", 3)
	v.SetDefault("backend", allocator.BackendLocal)
	v.SetDefault("request_timeout", 30*time.Second)
	// Empty defaults keep environment-only keys visible to Unmarshal.
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.entry_nodes", "")
	v.SetDefault("ssh.default_time", "08:00:00")
	v.SetDefault("ssh.allocation_timeout", 300)
	v.SetDefault("ssh.output_prefix", "")
	v.SetDefault("unicore.registry_url", "")
	v.SetDefault("unicore.site", "")
	v.SetDefault("unicore.token", "")
	v.SetDefault("unicore.max_log_size", int64(2<<20))
}

// Allocator maps the configuration onto the allocator factory input.
func (c *Config) Allocator() allocator.Config {
	return allocator.Config{
		Backend:        c.Backend,
		RequestTimeout: c.RequestTimeout,
		SSH: allocator.SSHConfig{
			User:              c.SSH.User,
			KeyPath:           c.SSH.KeyPath,
			EntryNodes:        strings.Fields(c.SSH.EntryNodes),
			DefaultTime:       c.SSH.DefaultTime,
			AllocationTimeout: c.SSH.AllocationTimeout,
			OutputPrefix:      c.SSH.OutputPrefix,
		},
		Unicore: allocator.UnicoreConfig{
			RegistryURL: c.Unicore.RegistryURL,
			Site:        c.Unicore.Site,
			Token:       c.Unicore.Token,
			MaxLogSize:  c.Unicore.MaxLogSize,
		},
	}
}
