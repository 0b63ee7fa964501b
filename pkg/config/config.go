package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Auth struct {
		Secret   string        `mapstructure:"SECRET"`
		TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`
	} `mapstructure:"AUTH"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Rewards Rewards `mapstructure:"REWARDS"`
}

// Rewards holds the tunable policy values of the engine. Every knob has a
// default applied by Normalize so an empty config file still yields a working
// policy.
type Rewards struct {
	DecayBase  float64 `mapstructure:"DECAY_BASE"`
	DecayFloor float64 `mapstructure:"DECAY_FLOOR"`
	Trust      struct {
		AwardDelta      int           `mapstructure:"AWARD_DELTA"`
		FraudDelta      int           `mapstructure:"FRAUD_DELTA"`
		InactivityDelta int           `mapstructure:"INACTIVITY_DELTA"`
		InactivityAfter time.Duration `mapstructure:"INACTIVITY_AFTER"`
		InitialScore    int           `mapstructure:"INITIAL_SCORE"`
	} `mapstructure:"TRUST"`
	Redemption struct {
		// MinAmount of 0 means any positive amount is accepted.
		MinAmount int64 `mapstructure:"MIN_AMOUNT"`
		// MaxAmount of 0 means no upper bound.
		MaxAmount int64 `mapstructure:"MAX_AMOUNT"`
	} `mapstructure:"REDEMPTION"`
	RuleCacheTTL    time.Duration `mapstructure:"RULE_CACHE_TTL"`
	LeaderboardTTL  time.Duration `mapstructure:"LEADERBOARD_TTL"`
	LeaderboardSize int           `mapstructure:"LEADERBOARD_SIZE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	cfg.Normalize()

	return &cfg
}

// Normalize fills zero values with the default policy.
func (c *Config) Normalize() {
	if c.AppName == "" {
		c.AppName = "rewards-engine"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}

	r := &c.Rewards
	if r.DecayBase == 0 {
		r.DecayBase = 0.9
	}
	if r.DecayFloor == 0 {
		r.DecayFloor = 0.1
	}
	if r.Trust.AwardDelta == 0 {
		r.Trust.AwardDelta = 1
	}
	if r.Trust.FraudDelta == 0 {
		r.Trust.FraudDelta = -25
	}
	if r.Trust.InactivityDelta == 0 {
		r.Trust.InactivityDelta = -2
	}
	if r.Trust.InactivityAfter == 0 {
		r.Trust.InactivityAfter = 30 * 24 * time.Hour
	}
	if r.Trust.InitialScore == 0 {
		r.Trust.InitialScore = 50
	}
	if r.RuleCacheTTL == 0 {
		r.RuleCacheTTL = 5 * time.Minute
	}
	if r.LeaderboardTTL == 0 {
		r.LeaderboardTTL = time.Hour
	}
	if r.LeaderboardSize == 0 {
		r.LeaderboardSize = 100
	}
}
