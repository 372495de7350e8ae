// Package config loads host and client settings from defaults, an optional config file
// and WRPC_-prefixed environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds the settings of the wrpc commands.
type Config struct {
	Host   HostConfig   `mapstructure:"host"`
	Etcd   EtcdConfig   `mapstructure:"etcd"`
	AMQP   AMQPConfig   `mapstructure:"amqp"`
	Limits LimitsConfig `mapstructure:"limits"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// HostConfig names the host and where it listens.
type HostConfig struct {
	Name      string `mapstructure:"name"`
	Listen    string `mapstructure:"listen"`
	Advertise string `mapstructure:"advertise"` // address registered in etcd, defaults to Listen
}

// EtcdConfig enables registration and discovery when Endpoints is not empty.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	TTL         int64         `mapstructure:"ttl"` // seconds
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// AMQPConfig switches the transport to RabbitMQ when URL is set. The host consumes the
// routing key "<host name>.host" and replies on "<host name>.client".
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LimitsConfig configures the host's request middleware. Zero values disable a limit.
type LimitsConfig struct {
	Rate    float64       `mapstructure:"rate"` // requests per second
	Burst   int           `mapstructure:"burst"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ClientConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AdvertiseAddr is the address other processes should dial.
func (h HostConfig) AdvertiseAddr() string {
	if h.Advertise != "" {
		return h.Advertise
	}
	return h.Listen
}

// Load reads configuration. path names a TOML, YAML or JSON file that must exist; when it
// is empty the file named by WRPC_CONFIG is used, or ./wrpc.{toml,yaml,json} if present.
// Env var overrides use prefix WRPC_, e.g. WRPC_ETCD_ENDPOINTS=a:2379,b:2379.
func Load(path string) (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("host.name", "wrpc")
	v.SetDefault("host.listen", ":7070")
	v.SetDefault("host.advertise", "")
	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.ttl", 10)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "wrpc")
	v.SetDefault("limits.rate", 0.0)
	v.SetDefault("limits.burst", 0)
	v.SetDefault("limits.timeout", time.Duration(0))
	v.SetDefault("client.timeout", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	explicit := path != ""
	if !explicit {
		path = os.Getenv("WRPC_CONFIG")
		explicit = path != ""
	}
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("wrpc")
	}

	v.SetEnvPrefix("WRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Host.Name == "" {
		return Config{}, errors.New("config: host.name must not be empty")
	}
	return c, nil
}

// NewLogger builds the zap logger described by c. Output goes to stderr, which keeps
// stdout free for a stdio transport.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		zc.Level = level
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
