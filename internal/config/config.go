// Package config loads followsync settings from defaults, an optional YAML file,
// FOLLOWSYNC_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. FOLLOWSYNC_API_BASE_URL.
	EnvPrefix = "FOLLOWSYNC"

	KeyConfigFile           = "config"
	KeyAPIBaseURL           = "api-base-url"
	KeyRequestTimeout       = "request-timeout"
	KeyMaxRetries           = "max-retries"
	KeyMaxRetryWait         = "max-retry-wait"
	KeyPageSize             = "page-size"
	KeyDebug                = "debug"
	KeyStoreBackend         = "store.backend"
	KeyStorePath            = "store.path"
	KeyStoreRedisAddress    = "store.redis-address"
	KeyStoreRedisPassword   = "store.redis-password"
	KeyStoreRedisDB         = "store.redis-db"
	KeyStoreRedisPrefix     = "store.redis-prefix"
	KeyServerHost           = "server.host"
	KeyServerPort           = "server.port"
	KeyCloneMaxFollows      = "clone.max-follows"
	KeyCloneMaxSourcePages  = "clone.max-source-pages"
	KeyCloneBaseDelay       = "clone.base-delay"
	KeyCloneJitter          = "clone.jitter"
	KeyCloneBurstSize       = "clone.burst-size"
	KeyCloneBurstRest       = "clone.burst-rest"
	KeyCloneBurstRestJitter = "clone.burst-rest-jitter"

	// Store backends.
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	defaultAPIBaseURL     = "http://localhost:3000/api"
	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 3
	defaultMaxRetryWait   = 30 * time.Second
	defaultPageSize       = 10
	defaultSessionFile    = "followsync/session.json"
	defaultRedisAddress   = "localhost:6379"
	defaultRedisPrefix    = "followsync:session"
	defaultServerHost     = "127.0.0.1"
	defaultServerPort     = 8080

	defaultCloneMaxFollows      = 350
	defaultCloneMaxSourcePages  = 100
	defaultCloneBaseDelay       = 900 * time.Millisecond
	defaultCloneJitter          = 300 * time.Millisecond
	defaultCloneBurstSize       = 20
	defaultCloneBurstRest       = 30 * time.Second
	defaultCloneBurstRestJitter = 10 * time.Second

	errMessageReadConfig      = "read config file"
	errMessageUnmarshalConfig = "decode configuration"
	errMessageInvalidConfig   = "invalid configuration"
	errMessageBaseURL         = "api-base-url must be an absolute http(s) URL"
	errMessageTimeout         = "request-timeout must be positive"
	errMessageRetries         = "max-retries cannot be negative"
	errMessagePageSize        = "page-size must be between 1 and 100"
	errMessageBackendFormat   = "unknown store backend %q"
	errMessageStorePath       = "store.path is required for the %s backend"
	errMessageRedisAddress    = "store.redis-address is required for the redis backend"
	errMessagePort            = "server.port must be between 1 and 65535"
	errMessageCloneLimits     = "clone limits cannot be negative"
	maximumPageSize           = 100
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New(errMessageInvalidConfig)

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddress  string `mapstructure:"redis-address"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisDB       int    `mapstructure:"redis-db"`
	RedisPrefix   string `mapstructure:"redis-prefix"`
}

// ServerConfig configures the companion HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns host:port.
func (serverConfig ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port)
}

// CloneConfig bounds and paces clone runs.
type CloneConfig struct {
	MaxFollows      int           `mapstructure:"max-follows"`
	MaxSourcePages  int           `mapstructure:"max-source-pages"`
	BaseDelay       time.Duration `mapstructure:"base-delay"`
	Jitter          time.Duration `mapstructure:"jitter"`
	BurstSize       int           `mapstructure:"burst-size"`
	BurstRest       time.Duration `mapstructure:"burst-rest"`
	BurstRestJitter time.Duration `mapstructure:"burst-rest-jitter"`
}

// Config is the complete application configuration.
type Config struct {
	APIBaseURL     string        `mapstructure:"api-base-url"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	MaxRetries     int           `mapstructure:"max-retries"`
	MaxRetryWait   time.Duration `mapstructure:"max-retry-wait"`
	PageSize       int           `mapstructure:"page-size"`
	Debug          bool          `mapstructure:"debug"`
	Store          StoreConfig   `mapstructure:"store"`
	Server         ServerConfig  `mapstructure:"server"`
	Clone          CloneConfig   `mapstructure:"clone"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIBaseURL:     defaultAPIBaseURL,
		RequestTimeout: defaultRequestTimeout,
		MaxRetries:     defaultMaxRetries,
		MaxRetryWait:   defaultMaxRetryWait,
		PageSize:       defaultPageSize,
		Store: StoreConfig{
			Backend:      BackendFile,
			Path:         defaultSessionPath(),
			RedisAddress: defaultRedisAddress,
			RedisPrefix:  defaultRedisPrefix,
		},
		Server: ServerConfig{Host: defaultServerHost, Port: defaultServerPort},
		Clone: CloneConfig{
			MaxFollows:      defaultCloneMaxFollows,
			MaxSourcePages:  defaultCloneMaxSourcePages,
			BaseDelay:       defaultCloneBaseDelay,
			Jitter:          defaultCloneJitter,
			BurstSize:       defaultCloneBurstSize,
			BurstRest:       defaultCloneBurstRest,
			BurstRestJitter: defaultCloneBurstRestJitter,
		},
	}
}

// NewViper returns a viper instance with defaults and environment binding applied.
func NewViper() *viper.Viper {
	configViper := viper.New()
	Configure(configViper)
	return configViper
}

// Configure registers defaults and the FOLLOWSYNC_ environment mapping on configViper.
func Configure(configViper *viper.Viper) {
	defaults := Default()
	configViper.SetDefault(KeyAPIBaseURL, defaults.APIBaseURL)
	configViper.SetDefault(KeyRequestTimeout, defaults.RequestTimeout)
	configViper.SetDefault(KeyMaxRetries, defaults.MaxRetries)
	configViper.SetDefault(KeyMaxRetryWait, defaults.MaxRetryWait)
	configViper.SetDefault(KeyPageSize, defaults.PageSize)
	configViper.SetDefault(KeyDebug, defaults.Debug)
	configViper.SetDefault(KeyStoreBackend, defaults.Store.Backend)
	configViper.SetDefault(KeyStorePath, defaults.Store.Path)
	configViper.SetDefault(KeyStoreRedisAddress, defaults.Store.RedisAddress)
	configViper.SetDefault(KeyStoreRedisPassword, defaults.Store.RedisPassword)
	configViper.SetDefault(KeyStoreRedisDB, defaults.Store.RedisDB)
	configViper.SetDefault(KeyStoreRedisPrefix, defaults.Store.RedisPrefix)
	configViper.SetDefault(KeyServerHost, defaults.Server.Host)
	configViper.SetDefault(KeyServerPort, defaults.Server.Port)
	configViper.SetDefault(KeyCloneMaxFollows, defaults.Clone.MaxFollows)
	configViper.SetDefault(KeyCloneMaxSourcePages, defaults.Clone.MaxSourcePages)
	configViper.SetDefault(KeyCloneBaseDelay, defaults.Clone.BaseDelay)
	configViper.SetDefault(KeyCloneJitter, defaults.Clone.Jitter)
	configViper.SetDefault(KeyCloneBurstSize, defaults.Clone.BurstSize)
	configViper.SetDefault(KeyCloneBurstRest, defaults.Clone.BurstRest)
	configViper.SetDefault(KeyCloneBurstRestJitter, defaults.Clone.BurstRestJitter)

	configViper.SetEnvPrefix(EnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	configViper.AutomaticEnv()
}

// Load reads the optional config file named by KeyConfigFile, decodes every setting
// and validates the result.
func Load(configViper *viper.Viper) (Config, error) {
	if configFile := strings.TrimSpace(configViper.GetString(KeyConfigFile)); configFile != "" {
		configViper.SetConfigFile(configFile)
		if err := configViper.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%s: %w", errMessageReadConfig, err)
		}
	}
	var loaded Config
	if err := configViper.Unmarshal(&loaded); err != nil {
		return Config{}, fmt.Errorf("%s: %w", errMessageUnmarshalConfig, err)
	}
	loaded.Store.Backend = strings.ToLower(strings.TrimSpace(loaded.Store.Backend))
	if err := loaded.Validate(); err != nil {
		return Config{}, err
	}
	return loaded, nil
}

// Validate reports the first invalid setting.
func (configuration Config) Validate() error {
	parsedURL, err := url.Parse(strings.TrimSpace(configuration.APIBaseURL))
	if err != nil || parsedURL.Host == "" || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return invalid(errMessageBaseURL)
	}
	if configuration.RequestTimeout <= 0 {
		return invalid(errMessageTimeout)
	}
	if configuration.MaxRetries < 0 {
		return invalid(errMessageRetries)
	}
	if configuration.PageSize < 1 || configuration.PageSize > maximumPageSize {
		return invalid(errMessagePageSize)
	}
	switch configuration.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if strings.TrimSpace(configuration.Store.Path) == "" {
			return invalid(fmt.Sprintf(errMessageStorePath, configuration.Store.Backend))
		}
	case BackendRedis:
		if strings.TrimSpace(configuration.Store.RedisAddress) == "" {
			return invalid(errMessageRedisAddress)
		}
	default:
		return invalid(fmt.Sprintf(errMessageBackendFormat, configuration.Store.Backend))
	}
	if configuration.Server.Port < 1 || configuration.Server.Port > 65535 {
		return invalid(errMessagePort)
	}
	clone := configuration.Clone
	if clone.MaxFollows < 0 || clone.MaxSourcePages < 0 || clone.BurstSize < 0 || clone.BaseDelay < 0 || clone.BurstRest < 0 {
		return invalid(errMessageCloneLimits)
	}
	return nil
}

func invalid(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, message)
}
