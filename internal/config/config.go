package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/ammeter"
	"github.com/KevinKickass/OpenLabRig/internal/shutter"
	"github.com/spf13/viper"
)

const (
	RigSourceFile     = "file"
	RigSourcePostgres = "postgres"

	RigDriverFWxC = "fwxc"
	RigDriverSim  = "sim"

	devJWTSecret = "dev-secret-change-in-production-min-32-chars"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Rig      RigConfig      `mapstructure:"rig"`
	Shutter  ShutterConfig  `mapstructure:"shutter"`
	Ammeter  AmmeterConfig  `mapstructure:"ammeter"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`
	JWTSecretEnv           string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration        `mapstructure:"access_token_ttl"`
	MaxFailedLoginAttempts int                  `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration        `mapstructure:"account_lock_duration"`
	Users                  []UserConfig         `mapstructure:"users"`
	MachineTokens          []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is an operator account. PasswordHash is an argon2id hash as
// printed by `rigctl hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig grants a script or instrument PC access. TokenHash is
// the hex SHA-256 of the token as printed by `rigctl gen-token`.
type MachineTokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
}

type RigConfig struct {
	Source         string        `mapstructure:"source"`
	File           string        `mapstructure:"file"`
	Driver         string        `mapstructure:"driver"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

type ShutterConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	shutter.Config `mapstructure:",squash"`
}

type AmmeterConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	ammeter.Config `mapstructure:",squash"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.status_interval", "5s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openlabrig")
	v.SetDefault("database.user", "openlabrig")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("rig.source", RigSourceFile)
	v.SetDefault("rig.file", "configs/filter_config.yaml")
	v.SetDefault("rig.driver", RigDriverFWxC)
	v.SetDefault("rig.connect_timeout", "10s")
	v.SetDefault("rig.rescan_interval", "0s")

	v.SetDefault("shutter.enabled", false)
	v.SetDefault("shutter.name", "shutter")
	v.SetDefault("shutter.line", shutter.DefaultLine)
	v.SetDefault("shutter.active_high", true)
	v.SetDefault("shutter.unit_id", 1)
	v.SetDefault("shutter.timeout", shutter.DefaultTimeout.String())

	v.SetDefault("ammeter.enabled", false)
	v.SetDefault("ammeter.name", "ammeter")
	v.SetDefault("ammeter.baud", ammeter.DefaultBaud)
	v.SetDefault("ammeter.timeout", ammeter.DefaultTimeout.String())
	v.SetDefault("ammeter.command_delay", ammeter.DefaultCommandDelay.String())
	v.SetDefault("ammeter.settle_delay", ammeter.DefaultSettleDelay.String())
}

// Load reads the server configuration from path. Every key can be
// overridden by an OLR_ environment variable, e.g. OLR_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("OLR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Rig.Source {
	case RigSourceFile:
		if c.Rig.File == "" {
			return fmt.Errorf("rig.file is required for source %q", RigSourceFile)
		}
	case RigSourcePostgres:
	default:
		return fmt.Errorf("rig.source must be %q or %q, got %q", RigSourceFile, RigSourcePostgres, c.Rig.Source)
	}

	switch c.Rig.Driver {
	case RigDriverFWxC, RigDriverSim:
	default:
		return fmt.Errorf("rig.driver must be %q or %q, got %q", RigDriverFWxC, RigDriverSim, c.Rig.Driver)
	}

	if c.Shutter.Enabled && c.Shutter.Address == "" {
		return fmt.Errorf("shutter.address is required when the shutter is enabled")
	}
	if c.Ammeter.Enabled && c.Ammeter.Port == "" {
		return fmt.Errorf("ammeter.port is required when the ammeter is enabled")
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
