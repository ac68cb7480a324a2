package app

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Precedence, lowest to highest: YAML config file, .env file, process
// environment.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Storage backend selection:
	// - DatabaseURL set: PostgreSQL.
	// - else DataDir set: embedded Pebble.
	// - else: in-memory (dev).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DataDir     string

	// Reply notification broker. Empty disables AMQP publishing; replies
	// still land in the in-process inbox.
	AMQPURL      string
	AMQPExchange string

	// Browser origin allowlist for the REST surface. Patterns may end in
	// ":*" to allow any port. Empty disables CORS handling.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// fileConfig is the YAML shape of the optional config file. Every field is
// optional; set fields become defaults that env vars may still override.
type fileConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	LogLevel     string `yaml:"log_level"`
	DatabaseURL  string `yaml:"database_url"`
	DBSchema     string `yaml:"db_schema"`
	DataDir      string `yaml:"data_dir"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoadConfig loads Config from the optional config file, .env, and
// environment variables, in that precedence order.
func LoadConfig() (Config, error) {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	var fc fileConfig
	if path := EnvString("NEXUS_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
	}

	cfg := Config{
		HTTPAddr: EnvString("NEXUS_HTTP_ADDR", fallback(fc.HTTPAddr, "0.0.0.0:8080")),
		LogLevel: EnvString("NEXUS_LOG_LEVEL", fallback(fc.LogLevel, "info")),

		ReadHeaderTimeout: EnvDuration("NEXUS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("NEXUS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("NEXUS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("NEXUS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("NEXUS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("NEXUS_DATABASE_URL", fc.DatabaseURL),
		DBMaxConns:  EnvInt32("NEXUS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("NEXUS_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("NEXUS_DB_SCHEMA", fallback(fc.DBSchema, "nexuspc")),
		DataDir:     EnvString("NEXUS_DATA_DIR", fc.DataDir),

		AMQPURL:      EnvString("NEXUS_AMQP_URL", fc.AMQPURL),
		AMQPExchange: EnvString("NEXUS_AMQP_EXCHANGE", fallback(fc.AMQPExchange, "nexuspc.notifications")),

		CORSAllowedOrigins:   EnvCSV("NEXUS_CORS_ALLOWED_ORIGINS", fc.CORSAllowedOrigins),
		CORSAllowCredentials: EnvBool("NEXUS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("NEXUS_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("NEXUS_READINESS_REQUIRE_DB", false),
	}
	return cfg, nil
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
