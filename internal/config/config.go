package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Vendors VendorsConfig `mapstructure:"vendors"`
	Billing BillingConfig `mapstructure:"billing"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Logging LoggingConfig `mapstructure:"logging"`
	CORS    CORSConfig    `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	// Logical database indexes on the same server.
	PriceDB int `mapstructure:"price_db"`
	ChatDB  int `mapstructure:"chat_db"`
}

type VendorsConfig struct {
	DashScopeAPIKey string `mapstructure:"dashscope_api_key"`
	DeepSeekAPIKey  string `mapstructure:"deepseek_api_key"`
	ZhipuAPIKey     string `mapstructure:"zhipu_api_key"`
}

type BillingConfig struct {
	// Display currency label for status endpoints; cost math is not
	// converted by this setting.
	CurrencyBase string  `mapstructure:"currency_base"`
	DefaultLimit float64 `mapstructure:"default_limit"`
	// The upstream catalogue stores DeepSeek in USD while its Chinese
	// siblings are CNY; when true the reported DeepSeek cost is multiplied
	// by a fixed FX rate so they all display in CNY.
	ForceCNYForChineseModels bool `mapstructure:"force_cny_for_chinese_models"`
}

type PricingConfig struct {
	CatalogueURL    string        `mapstructure:"catalogue_url"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	SyncStartDelay  time.Duration `mapstructure:"sync_start_delay"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ProtectedModels []string      `mapstructure:"protected_models"`
}

type MemoryConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/sentinel")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if config.Billing.CurrencyBase != "USD" && config.Billing.CurrencyBase != "CNY" {
		return nil, fmt.Errorf("currency_base must be USD or CNY, got %q", config.Billing.CurrencyBase)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Redis defaults
	viper.SetDefault("redis.url", "redis://127.0.0.1:6379")
	viper.SetDefault("redis.price_db", 0)
	viper.SetDefault("redis.chat_db", 1)

	// Billing defaults
	viper.SetDefault("billing.currency_base", "CNY")
	viper.SetDefault("billing.default_limit", 10.0)
	viper.SetDefault("billing.force_cny_for_chinese_models", true)

	// Pricing defaults
	viper.SetDefault("pricing.catalogue_url",
		"https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json")
	viper.SetDefault("pricing.sync_interval", "24h")
	viper.SetDefault("pricing.sync_start_delay", "5s")
	viper.SetDefault("pricing.refresh_interval", "1h")
	viper.SetDefault("pricing.protected_models", []string{"qwen-vl-max"})

	// Memory defaults
	viper.SetDefault("memory.ttl", "24h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type"})
	viper.SetDefault("cors.allow_credentials", false)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	_ = viper.BindEnv("server.port", "SERVER_PORT")

	// Redis
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Vendor credentials
	_ = viper.BindEnv("vendors.dashscope_api_key", "DASHSCOPE_API_KEY")
	_ = viper.BindEnv("vendors.deepseek_api_key", "DEEPSEEK_API_KEY")
	_ = viper.BindEnv("vendors.zhipu_api_key", "ZHIPU_AI_KEY")

	// Billing
	_ = viper.BindEnv("billing.currency_base", "CURRENCY_BASE")
	_ = viper.BindEnv("billing.default_limit", "BUDGET_LIMIT")
	_ = viper.BindEnv("billing.force_cny_for_chinese_models", "FORCE_CNY_FOR_CHINESE_MODELS")

	// Pricing
	_ = viper.BindEnv("pricing.catalogue_url", "PRICE_CATALOGUE_URL")

	// Logging
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "LOG_FORMAT")
}
