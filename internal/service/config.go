// internal/service/config.go
package service

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Stream  StreamConfig `mapstructure:"Stream"`
	Quote   QuoteConfig  `mapstructure:"Quote"`
	Router  RouterConfig `mapstructure:"Router"`
	Symbols []string     `mapstructure:"Symbols"`

	// PollInterval is how often the main loop resolves every configured
	// symbol and logs the result.
	PollInterval time.Duration `mapstructure:"PollInterval"`
}

// StreamConfig defines the market-data gateway connection.
type StreamConfig struct {
	WSURL        string
	ClientID     string
	ClientSecret string
	AccessToken  string
	AccountID    int64
	StepTimeout  time.Duration
	ReadTimeout  time.Duration
	ReconnectMax time.Duration
}

// QuoteConfig defines the HTTP quote backend.
type QuoteConfig struct {
	BaseURL     string
	APIKey      string
	MinInterval time.Duration
	MaxRetries  int
}

// RouterConfig defines price-routing policy.
type RouterConfig struct {
	StaleAfter time.Duration
}

// GlobalConfig holds the loaded configuration.
var GlobalConfig Config

// LoadConfig reads and parses the configuration file. Credentials come from
// the environment and override anything in the file.
func LoadConfig(configPath string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	// Secrets stay out of the YAML file.
	_ = viper.BindEnv("Quote.APIKey", "TWELVE_DATA_API_KEY")
	_ = viper.BindEnv("Stream.ClientID", "CTRADER_CLIENT_ID")
	_ = viper.BindEnv("Stream.ClientSecret", "CTRADER_CLIENT_SECRET")
	_ = viper.BindEnv("Stream.AccessToken", "CTRADER_ACCESS_TOKEN")
	_ = viper.BindEnv("Stream.AccountID", "CTRADER_ACCOUNT_ID")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("Config file not found: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}
