package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "HAVEN"

	defaultAPIAddress       = "0.0.0.0:8080"
	defaultCollabAddress    = "0.0.0.0:8090"
	defaultDatabasePath     = "haven.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "haven-auth"
	defaultTokenAudience    = "haven-api"
	defaultTokenTTLMinutes  = 30
	defaultSaveIntervalSecs = 5
)

// APIConfig captures runtime configuration for the API server process.
type APIConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	InternalSecret string
	LogLevel       string
}

// CollabConfig captures runtime configuration for the collaboration gateway.
type CollabConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	APIBaseURL     string
	InternalSecret string
	SaveInterval   time.Duration
	LogLevel       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultAPIAddress)
	configViper.SetDefault("collab.address", defaultCollabAddress)
	configViper.SetDefault("collab.api_base_url", "")
	configViper.SetDefault("collab.save_interval_seconds", defaultSaveIntervalSecs)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadAPI parses API server configuration from viper.
func LoadAPI(configViper *viper.Viper) (APIConfig, error) {
	cfg := APIConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("token.issuer"),
		TokenAudience:  configViper.GetString("token.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		InternalSecret: configViper.GetString("internal.shared_secret"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// LoadCollab parses collaboration gateway configuration from viper.
func LoadCollab(configViper *viper.Viper) (CollabConfig, error) {
	cfg := CollabConfig{
		HTTPAddress:    configViper.GetString("collab.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("token.issuer"),
		TokenAudience:  configViper.GetString("token.audience"),
		APIBaseURL:     configViper.GetString("collab.api_base_url"),
		InternalSecret: configViper.GetString("internal.shared_secret"),
		SaveInterval:   time.Duration(configViper.GetInt("collab.save_interval_seconds")) * time.Second,
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return CollabConfig{}, err
	}
	return cfg, nil
}

func (c APIConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.InternalSecret) == "" {
		return fmt.Errorf("internal.shared_secret is required")
	}
	return nil
}

func (c CollabConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("collab.api_base_url is required")
	}
	if strings.TrimSpace(c.InternalSecret) == "" {
		return fmt.Errorf("internal.shared_secret is required")
	}
	return nil
}
