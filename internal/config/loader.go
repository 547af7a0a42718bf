package config

import (
	"fmt"
	"time"

	"github.com/rpattn/freightmdm/internal/db"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// CacheConfig holds the point-in-time snapshot cache settings.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// KafkaConfig holds the change-notification settings. Publication is off
// unless Enabled is set.
type KafkaConfig struct {
	Enabled bool
	Broker  string
	Topic   string
}

// Config is the full server configuration.
type Config struct {
	Database    db.Config
	Backend     string // postgres | sqlite | memory
	SQLitePath  string
	EntityTypes []string
	Server      ServerConfig
	Cache       CacheConfig
	Kafka       KafkaConfig
	ExportDir   string
}

// DefaultEntityTypes are the master-data tables registered when the config
// names none.
var DefaultEntityTypes = []string{
	"delivery_lanes",
	"locations",
	"vehicles",
	"fuel_prices",
	"accessorial_rules",
}

// Load reads config.yaml from configPath with environment overrides.
func Load(configPath string) (Config, error) {
	cfg := Config{
		Database:    db.DefaultConfig(),
		Backend:     "postgres",
		SQLitePath:  "master_data.db",
		EntityTypes: DefaultEntityTypes,
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Cache: CacheConfig{
			Size: 128,
			TTL:  30 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "master-data-changes",
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()      // allow environment overrides
	v.SetEnvPrefix("MDM") // map env vars like MDM_DATABASE_HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("backend")
	v.BindEnv("kafka.broker")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("backend") {
		cfg.Backend = v.GetString("backend")
	}
	if v.IsSet("sqlite.path") {
		cfg.SQLitePath = v.GetString("sqlite.path")
	}
	if v.IsSet("entity_types") {
		cfg.EntityTypes = v.GetStringSlice("entity_types")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("cache.size") {
		cfg.Cache.Size = v.GetInt("cache.size")
	}
	if v.IsSet("cache.ttl") {
		cfg.Cache.TTL = v.GetDuration("cache.ttl")
	}
	if v.IsSet("kafka.enabled") {
		cfg.Kafka.Enabled = v.GetBool("kafka.enabled")
	}
	if v.IsSet("kafka.broker") {
		cfg.Kafka.Broker = v.GetString("kafka.broker")
	}
	if v.IsSet("kafka.topic") {
		cfg.Kafka.Topic = v.GetString("kafka.topic")
	}
	if v.IsSet("export.dir") {
		cfg.ExportDir = v.GetString("export.dir")
	}

	switch cfg.Backend {
	case "postgres", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return cfg, nil
}
