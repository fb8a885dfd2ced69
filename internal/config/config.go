package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Checkout  CheckoutConfig  `mapstructure:"checkout"`
	Proof     ProofConfig     `mapstructure:"proof"`
	Live      LiveConfig      `mapstructure:"live"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DashboardConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CheckoutConfig controls the status poll that runs after a submission.
// StatusMaxWait and StatusMaxAttempts of 0 disable that limit; at least one
// of them must be set.
type CheckoutConfig struct {
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	StatusMaxInterval time.Duration `mapstructure:"status_max_interval"`
	StatusBackoff     float64       `mapstructure:"status_backoff"`
	StatusMaxWait     time.Duration `mapstructure:"status_max_wait"`
	StatusMaxAttempts int           `mapstructure:"status_max_attempts"`
}

type ProofConfig struct {
	MaxBytes    int64 `mapstructure:"max_bytes"`
	Recompress  bool  `mapstructure:"recompress"`
	JPEGQuality int   `mapstructure:"jpeg_quality"`
}

type LiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	AdminChatIDs   []int64       `mapstructure:"admin_chat_ids"`
	PollingTimeout int           `mapstructure:"polling_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type NotifyConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONFormat bool   `mapstructure:"json_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:5000")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("dashboard.poll_interval", "30s")
	v.SetDefault("checkout.status_interval", "5s")
	v.SetDefault("checkout.status_max_interval", "5s")
	v.SetDefault("checkout.status_backoff", 1.0)
	v.SetDefault("checkout.status_max_wait", "30m")
	v.SetDefault("checkout.status_max_attempts", 0)
	v.SetDefault("proof.max_bytes", 10<<20)
	v.SetDefault("proof.recompress", false)
	v.SetDefault("proof.jpeg_quality", 80)
	v.SetDefault("live.enabled", false)
	v.SetDefault("live.listen_addr", ":8089")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.polling_timeout", 60)
	v.SetDefault("telegram.request_timeout", "1m")
	v.SetDefault("notify.db_path", "data/notify.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_format", false)
}

// Load reads configuration from defaults, an optional config.yaml, an
// optional .env file and PORTAL_* environment variables, in increasing
// order of precedence.
func Load() (*Config, error) {
	// .env is optional; variables already set in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ticket-portal")

	return load(v)
}

// LoadFile reads configuration from an explicit YAML file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are invisible to Unmarshal unless bound
	for _, key := range []string{"telegram.bot_token", "telegram.admin_chat_ids"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Dashboard.PollInterval <= 0 {
		return fmt.Errorf("dashboard.poll_interval must be positive")
	}
	if c.Checkout.StatusInterval <= 0 {
		return fmt.Errorf("checkout.status_interval must be positive")
	}
	if c.Checkout.StatusBackoff < 1 {
		return fmt.Errorf("checkout.status_backoff must be at least 1")
	}
	if c.Checkout.StatusMaxInterval < c.Checkout.StatusInterval {
		return fmt.Errorf("checkout.status_max_interval must not be below checkout.status_interval")
	}
	if c.Checkout.StatusMaxWait <= 0 && c.Checkout.StatusMaxAttempts <= 0 {
		return fmt.Errorf("checkout.status_max_wait or checkout.status_max_attempts must be set")
	}
	if c.Proof.JPEGQuality < 1 || c.Proof.JPEGQuality > 100 {
		return fmt.Errorf("proof.jpeg_quality must be between 1 and 100")
	}
	if c.Proof.MaxBytes <= 0 {
		return fmt.Errorf("proof.max_bytes must be positive")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.AdminChatIDs) == 0 {
			return fmt.Errorf("telegram.admin_chat_ids must contain at least one chat ID")
		}
		if c.Notify.DBPath == "" {
			return fmt.Errorf("notify.db_path is required when telegram is enabled")
		}
	}
	return nil
}
