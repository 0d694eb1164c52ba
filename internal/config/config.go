// Package config loads the application configuration from YAML with
// environment-variable overrides and hot reload.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Mail     MailConfig     `mapstructure:"mail"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name  string `mapstructure:"name"`
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// MailConfig covers the IMAP account mail is ingested from.
type MailConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	UseTLS      bool          `mapstructure:"use_tls"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// SystemAddress is this installation's own outgoing address; mail
	// from it never opens new tickets.
	SystemAddress string `mapstructure:"system_address"`
}

type StorageConfig struct {
	AttachmentsPath string `mapstructure:"attachments_path"`
	PublicPrefix    string `mapstructure:"public_prefix"`
}

type IngestConfig struct {
	Mailboxes      []string `mapstructure:"mailboxes"`
	InboundMailbox string   `mapstructure:"inbound_mailbox"`
	MaxPerFetch    int      `mapstructure:"max_per_fetch"`
	MarkSeen       bool     `mapstructure:"mark_seen"`

	// Schedule is a cron expression for the background fetch task.
	// Empty disables scheduling; fetches are then manual only.
	Schedule string `mapstructure:"schedule"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tebstrack")
	v.SetDefault("app.env", "development")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "tebstrack.db")

	v.SetDefault("mail.port", 993)
	v.SetDefault("mail.use_tls", true)
	v.SetDefault("mail.dial_timeout", 30*time.Second)

	v.SetDefault("storage.attachments_path", "data/attachments")
	v.SetDefault("storage.public_prefix", "/attachments/")

	v.SetDefault("ingest.mailboxes", []string{"INBOX"})
	v.SetDefault("ingest.inbound_mailbox", "INBOX")
	v.SetDefault("ingest.max_per_fetch", 100)
	v.SetDefault("ingest.mark_seen", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9190")
}

// bindEnv registers the keys that have no default. AutomaticEnv only
// resolves keys viper already knows about, so without an explicit bind
// an env-only setup would silently drop these.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"app.debug",
		"mail.host",
		"mail.username",
		"mail.password",
		"mail.system_address",
		"ingest.schedule",
	} {
		_ = v.BindEnv(key)
	}
}

// Load initializes the configuration with hot reload support. The
// config file is optional; defaults plus TEBSTRACK_* environment
// variables are enough to run.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		cfg, err = load(configPath)
	})
	return err
}

func load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(configPath)

	setDefaults(v)

	v.SetEnvPrefix("TEBSTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		fileFound = false
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				fmt.Printf("Failed to reload config: %v\n", err)
				return
			}
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
			fmt.Printf("Configuration reloaded from %s\n", e.Name)
		})
	}
	return loaded, nil
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}
