package config

import (
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Mohammed3MG/ainbox/internal/logger"
)

// Config holds all configuration for the service.
// It is divided into partial configurations per concern.
type Config struct {
	// Engine holds the reconciliation scheduler settings.
	Engine EngineConfig `mapstructure:"engine"`
	// Database holds paths for the SQLite databases.
	Database DatabaseConfig `mapstructure:"database"`
	// NATS holds the broker connection settings.
	NATS NATSConfig `mapstructure:"nats"`
	// Auth holds the external auth service settings.
	Auth AuthConfig `mapstructure:"auth"`
	// Server holds configuration for the HTTP server.
	Server ServerConfig `mapstructure:"server"`
	// Log holds configuration for the logger.
	Log logger.Config `mapstructure:"log"`
}

// EngineConfig controls the reconciliation scheduler.
type EngineConfig struct {
	// Enabled turns periodic reconciliation on or off. On-demand
	// triggers keep working when disabled.
	Enabled bool `mapstructure:"enabled" default:"true"`
	// IntervalMs is the periodic tick interval in milliseconds.
	IntervalMs int `mapstructure:"interval_ms" default:"60000"`
	// BatchSize caps how many stale accounts one tick reconciles.
	BatchSize int `mapstructure:"batch_size" default:"25"`
	// StaleThresholdMs marks an account stale when its last pass is
	// older than this many milliseconds.
	StaleThresholdMs int `mapstructure:"stale_threshold_ms" default:"300000"`
	// ResyncMessageCap bounds the window listed during a full resync.
	ResyncMessageCap int `mapstructure:"resync_message_cap" default:"1000"`
	// OpTimeoutMs bounds each provider or store call within a pass.
	OpTimeoutMs int `mapstructure:"op_timeout_ms" default:"30000"`
}

// DatabaseConfig holds the SQLite file locations.
type DatabaseConfig struct {
	// AccountsPath is the account registry database.
	AccountsPath string `mapstructure:"accounts_path" default:"data/accounts.db"`
	// MirrorPath is the mailbox mirror database.
	MirrorPath string `mapstructure:"mirror_path" default:"data/mirror.db"`
}

// NATSConfig holds the JetStream broker settings.
type NATSConfig struct {
	URL string `mapstructure:"url" default:"nats://127.0.0.1:4222"`
}

// AuthConfig holds the external credential service settings.
type AuthConfig struct {
	// ServerURL is the base URL of the auth service that custodies
	// provider OAuth tokens.
	ServerURL string `mapstructure:"server_url" default:"http://127.0.0.1:3000"`
	// JWKSURL enables JWT verification on the API when set.
	JWKSURL string `mapstructure:"jwks_url" default:""`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Port is the port where the server will listen.
	Port string `mapstructure:"port" default:"8080"`
}

// Load loads configuration from environment variables and a .env file.
func Load(path string) (*Config, error) {
	// Load .env file if it exists; ignore when absent (e.g. production).
	envPath := path + "/.env"
	if path == "." {
		envPath = ".env"
	}
	_ = godotenv.Overload(envPath)

	v := viper.New()

	// Recursively parse struct tags to set default values.
	bindValues(v, Config{}, "")

	// Map environment variables to nested keys (e.g. ENGINE_BATCH_SIZE -> engine.batch_size).
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// bindValues uses reflection to iterate over the struct and set default values
// in Viper based on the 'default' and 'mapstructure' tags.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)

	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		// If it's a nested struct, recurse.
		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		defaultValue := field.Tag.Get("default")
		// Always set default (even if empty) to register the key for AutomaticEnv.
		v.SetDefault(key, defaultValue)
	}
}
