// Package config loads the bus configuration with viper.
//
// Values come from an optional file (yaml, json, toml...) and are overridden by
// environment variables prefixed with AMQPBUS_, dots replaced by underscores
// (AMQPBUS_AMQP_USER, AMQPBUS_LISTENER_EXCHANGE).
package config

import (
	"fmt"
	"strings"
	"time"

	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
	"github.com/spf13/viper"
)

const envPrefix = "AMQPBUS"

// Transports understood by Config.Transport.
const (
	TransportAMQP   = "amqp"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

type Config struct {
	Transport string   `mapstructure:"transport"`
	AMQP      AMQP     `mapstructure:"amqp"`
	NATS      NATS     `mapstructure:"nats"`
	Kafka     Kafka    `mapstructure:"kafka"`
	Listener  Listener `mapstructure:"listener"`
	Log       Log      `mapstructure:"log"`
}

// AMQP holds the broker connection parameters. User is mandatory, but it is
// checked when the connection is first opened, not when loading.
type AMQP struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	VHost       string        `mapstructure:"vhost"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout"`
	// DialRetries enables reconnect-on-dial with exponential backoff. Zero disables it.
	DialRetries int `mapstructure:"dial_retries"`
}

type NATS struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// Kafka configures the optional publish mirror. No brokers, no mirror.
type Kafka struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	ClientID    string   `mapstructure:"client_id"`
}

type Listener struct {
	Exchange      string        `mapstructure:"exchange"`
	Queue         string        `mapstructure:"queue"`
	ManualAck     bool          `mapstructure:"manual_ack"`
	IsolateErrors bool          `mapstructure:"isolate_errors"`
	Interpreters  []Interpreter `mapstructure:"interpreters"`
}

// Interpreter binds an exchange to a registered interpreter name. It is a list
// entry rather than a map key because viper lower-cases map keys.
type Interpreter struct {
	Exchange    string `mapstructure:"exchange"`
	Interpreter string `mapstructure:"interpreter"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// InterpreterMap returns the exchange -> interpreter name bindings.
func (l Listener) InterpreterMap() map[string]string {
	m := make(map[string]string, len(l.Interpreters))
	for _, it := range l.Interpreters {
		m[it.Exchange] = it.Interpreter
	}

	return m
}

// SetDefaults registers every key with its default so env overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportAMQP)
	v.SetDefault("amqp.host", "127.0.0.1")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.user", "")
	v.SetDefault("amqp.password", "")
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("amqp.conn_timeout", 30*time.Second)
	v.SetDefault("amqp.dial_retries", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "scg-amqp-bus")
	v.SetDefault("nats.conn_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "")
	v.SetDefault("kafka.client_id", "scg-amqp-bus")
	v.SetDefault("listener.exchange", "exchange")
	v.SetDefault("listener.queue", "")
	v.SetDefault("listener.manual_ack", false)
	v.SetDefault("listener.isolate_errors", false)
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads path (when not empty) on top of defaults and environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config read %s: %w", path, configErr(err))
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates a prepared viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config decode: %w", configErr(err))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks values that can be judged without touching the network.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportAMQP, TransportMemory:
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: nats.url required for nats transport", berr.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", berr.ErrConfiguration, c.Transport)
	}

	if c.AMQP.Port <= 0 || c.AMQP.Port > 65535 {
		return fmt.Errorf("%w: amqp.port %d out of range", berr.ErrConfiguration, c.AMQP.Port)
	}

	seen := make(map[string]struct{}, len(c.Listener.Interpreters))
	for _, it := range c.Listener.Interpreters {
		if it.Exchange == "" || it.Interpreter == "" {
			return fmt.Errorf("%w: listener.interpreters entries need exchange and interpreter", berr.ErrConfiguration)
		}

		if _, dup := seen[it.Exchange]; dup {
			return fmt.Errorf("%w: exchange %q bound twice", berr.ErrConfiguration, it.Exchange)
		}

		seen[it.Exchange] = struct{}{}
	}

	return nil
}

func configErr(err error) error {
	return fmt.Errorf("%w: %w", berr.ErrConfiguration, err)
}
