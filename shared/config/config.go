package config

import (
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig defines the structure for a single price source.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	BudgetCalls    int           `mapstructure:"budget_calls"`
	BudgetWindow   time.Duration `mapstructure:"budget_window"`
	MaxBatch       int           `mapstructure:"max_batch"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RetryConfig defines the retry policy applied before escalating to the fallback provider.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// TrackerConfig defines the structure for the polling scheduler.
type TrackerConfig struct {
	MinCheckInterval time.Duration `mapstructure:"min_check_interval"`
	PollFloor        time.Duration `mapstructure:"poll_floor"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CatchupInterval  time.Duration `mapstructure:"catchup_interval"`
}

// Config defines the global configuration structure
type Config struct {
	App struct {
		Port        string `mapstructure:"port"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"app"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Tracker TrackerConfig `mapstructure:"tracker"`

	Retry RetryConfig `mapstructure:"retry"`

	Primary  ProviderConfig `mapstructure:"primary"`
	Fallback ProviderConfig `mapstructure:"fallback"`
}

var (
	globalConfig *Config
	configLock   sync.RWMutex
)

func setDefaults() {
	viper.SetDefault("app.port", "8080")
	viper.SetDefault("app.environment", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("tracker.min_check_interval", "60s")
	viper.SetDefault("tracker.poll_floor", "60s")
	viper.SetDefault("tracker.cleanup_interval", "1h")
	viper.SetDefault("tracker.catchup_interval", "15m")

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.delay", "2s")

	viper.SetDefault("primary.base_url", "https://api.dexscreener.com")
	viper.SetDefault("primary.budget_calls", 600)
	viper.SetDefault("primary.budget_window", "60s")
	viper.SetDefault("primary.max_batch", 30)
	viper.SetDefault("primary.request_timeout", "10s")

	viper.SetDefault("fallback.base_url", "https://api.geckoterminal.com/api/v2")
	viper.SetDefault("fallback.budget_calls", 30)
	viper.SetDefault("fallback.budget_window", "60s")
	viper.SetDefault("fallback.max_batch", 30)
	viper.SetDefault("fallback.request_timeout", "10s")
}

// LoadConfig loads configuration from the specified file path and merges it with environment variables
func LoadConfig(path string) (*Config, error) {
	log.Printf("Starting to load configuration from file: %s", path)

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	viper.SetEnvPrefix("APP")
	viper.BindEnv("app.port", "PORT")
	viper.BindEnv("app.environment", "ENVIRONMENT")
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("primary.budget_calls", "PRIMARY_BUDGET_CALLS")
	viper.BindEnv("fallback.budget_calls", "FALLBACK_BUDGET_CALLS")

	setDefaults()

	var cfg Config

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Could not read config file: %v", err)
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Printf("Error unmarshalling configuration: %v", err)
		return nil, err
	}

	log.Printf("Loaded configuration from file: %s", path)
	return &cfg, nil
}

// SetGlobalConfig sets the loaded configuration globally
func SetGlobalConfig(cfg *Config) {
	configLock.Lock()
	defer configLock.Unlock()
	globalConfig = cfg
}

// GetGlobalConfig retrieves the globally set configuration
func GetGlobalConfig() *Config {
	configLock.RLock()
	defer configLock.RUnlock()
	if globalConfig == nil {
		log.Println("GetGlobalConfig: Global configuration is nil.")
	}
	return globalConfig
}
