package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MDC_SERVER_HTTP_PORT.
const EnvPrefix = "MDC"

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Modbus     ModbusConfig     `mapstructure:"modbus"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Motion     MotionConfig     `mapstructure:"motion"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
}

type ModbusConfig struct {
	DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
}

type InstrumentConfig struct {
	Profile     string   `mapstructure:"profile"`
	SearchPaths []string `mapstructure:"search_paths"`
}

type MotionConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	DefaultMoveTimeout time.Duration `mapstructure:"default_move_timeout"`
	PhaseTimeout       time.Duration `mapstructure:"phase_timeout"`
	SimTransition      time.Duration `mapstructure:"sim_transition"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "minidiff")
	v.SetDefault("database.user", "minidiff")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.issuer", "minidiff-core")

	v.SetDefault("modbus.default_timeout", "1s")
	v.SetDefault("modbus.default_poll_interval", "100ms")

	v.SetDefault("instrument.profile", "minidiff-sim")
	v.SetDefault("instrument.search_paths", []string{"./configs/instruments"})

	v.SetDefault("motion.poll_interval", "200ms")
	v.SetDefault("motion.default_move_timeout", "60s")
	v.SetDefault("motion.phase_timeout", "60s")
	v.SetDefault("motion.sim_transition", "500ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads the YAML file at path over the defaults. MDC_* environment
// variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Instrument.Profile == "" {
		return fmt.Errorf("instrument.profile is required")
	}
	if c.Motion.PollInterval <= 0 {
		return fmt.Errorf("motion.poll_interval must be positive, got %s", c.Motion.PollInterval)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
