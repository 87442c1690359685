package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config lists the tunable parameters for the beacon telemetry server.
type Config struct {
	HTTPPort              int           `mapstructure:"http_port"`
	MetricsPort           int           `mapstructure:"metrics_port"`
	DatabaseDriver        string        `mapstructure:"database_driver"`
	DatabasePath          string        `mapstructure:"database_path"`
	DatabaseDSN           string        `mapstructure:"database_dsn"`
	DatabaseMaxOpenConns  int           `mapstructure:"database_max_open_conns"`
	InitSchema            bool          `mapstructure:"init_schema"`
	LogLevel              string        `mapstructure:"log_level"`
	LogFormat             string        `mapstructure:"log_format"`
	RelocationToleranceKm float64       `mapstructure:"relocation_tolerance_km"`
	MatchToleranceKm      float64       `mapstructure:"match_tolerance_km"`
	GeocoderEnabled       bool          `mapstructure:"geocoder_enabled"`
	GeocoderURL           string        `mapstructure:"geocoder_url"`
	GeocoderTimeout       time.Duration `mapstructure:"geocoder_timeout"`
	GeocoderUserAgent     string        `mapstructure:"geocoder_user_agent"`
	MQTTBroker            string        `mapstructure:"mqtt_broker"`
	MQTTTopic             string        `mapstructure:"mqtt_topic"`
	MQTTClientID          string        `mapstructure:"mqtt_client_id"`
	MDNSEnabled           bool          `mapstructure:"mdns_enabled"`
	CORSAllowedOrigins    []string      `mapstructure:"cors_allowed_origins"`
}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	envPrefix = "BEACONMAP"
	envConfig = "BEACONMAP_CONFIG"
)

var defaults = map[string]any{
	"http_port":               8080,
	"metrics_port":            9090,
	"database_driver":         DriverSQLite,
	"database_path":           "data/beaconmap.db",
	"database_dsn":            "",
	"database_max_open_conns": 0,
	"init_schema":             true,
	"log_level":               "info",
	"log_format":              "text",
	"relocation_tolerance_km": 0.05,
	"match_tolerance_km":      0.01,
	"geocoder_enabled":        true,
	"geocoder_url":            "https://nominatim.openstreetmap.org",
	"geocoder_timeout":        4 * time.Second,
	"geocoder_user_agent":     "beaconmap-telemetry-server/1.0",
	"mqtt_broker":             "",
	"mqtt_topic":              "beacons/+/measurements",
	"mqtt_client_id":          "beaconmap-ingest",
	"mdns_enabled":            false,
	"cors_allowed_origins":    []string{"*"},
}

// Load derives configuration from defaults, an optional YAML file named by
// BEACONMAP_CONFIG, and BEACONMAP_* environment variables, in increasing precedence.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path := os.Getenv(envConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if cfg.DatabaseMaxOpenConns <= 0 {
		cfg.DatabaseMaxOpenConns = defaultMaxOpenConns(cfg.DatabaseDriver)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that the decoder cannot express.
func (c Config) Validate() error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_HTTP_PORT: %d", c.HTTPPort))
	}
	// 0 disables the metrics listener
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_METRICS_PORT: %d", c.MetricsPort))
	}

	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" && c.DatabaseDSN == "" {
			errs = append(errs, errors.New("BEACONMAP_DATABASE_PATH is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("BEACONMAP_DATABASE_DSN is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_DATABASE_DRIVER: %q", c.DatabaseDriver))
	}

	if c.RelocationToleranceKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_RELOCATION_TOLERANCE_KM: %v", c.RelocationToleranceKm))
	}
	if c.MatchToleranceKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_MATCH_TOLERANCE_KM: %v", c.MatchToleranceKm))
	}
	if c.GeocoderEnabled && c.GeocoderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid BEACONMAP_GEOCODER_TIMEOUT: %v", c.GeocoderTimeout))
	}

	return errors.Join(errs...)
}

func defaultMaxOpenConns(driver string) int {
	if driver == DriverPostgres {
		return 10
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY
	return 1
}
