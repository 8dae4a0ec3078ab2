// Package config loads the relay configuration: built-in defaults, then an
// optional YAML file, then RELAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-relay/pkg/forwarder"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides; "__" separates nested keys, e.g.
// RELAY_SINK__URL or RELAY_BROKER__MAX_BATCH.
const EnvPrefix = "RELAY_"

// Broker kinds.
const (
	KindPubSub     = "pubsub"
	KindRabbitMQ   = "rabbitmq"
	KindSQS        = "sqs"
	KindServiceBus = "servicebus"
)

type Config struct {
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	HTTPPort        string        `koanf:"http_port"`
	Workers         int           `koanf:"workers"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	Broker    BrokerConfig    `koanf:"broker"`
	Sink      SinkConfig      `koanf:"sink"`
	Events    EventsConfig    `koanf:"events"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
}

// BrokerConfig describes the source subscription. Connection is the
// broker-specific descriptor: the GCP project for pubsub, the AMQP URL for
// rabbitmq, the queue URL for sqs and the connection string for servicebus.
type BrokerConfig struct {
	Kind            string        `koanf:"kind"`
	Topic           string        `koanf:"topic"`
	Subscription    string        `koanf:"subscription"`
	Connection      string        `koanf:"connection"`
	CredentialsFile string        `koanf:"credentials_file"`
	Region          string        `koanf:"region"`
	Endpoint        string        `koanf:"endpoint"`
	MaxBatch        int           `koanf:"max_batch"`
	PullMaxWait     time.Duration `koanf:"pull_max_wait"`
	PullRetryBase   time.Duration `koanf:"pull_retry_base"`
	PullRetryMax    time.Duration `koanf:"pull_retry_max"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	SettleTimeout   time.Duration `koanf:"settle_timeout"`
}

type SinkConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// EventsConfig enables operational events on a Pub/Sub topic. Project falls
// back to broker.connection when the broker is pubsub.
type EventsConfig struct {
	Topic                  string `koanf:"topic"`
	Project                string `koanf:"project"`
	DeadLetterWarnAttempts int    `koanf:"dead_letter_warn_attempts"`
}

// HeartbeatConfig enables the instance registry. An empty RedisAddr keeps the
// registry in memory; a zero Interval disables it.
type HeartbeatConfig struct {
	Interval      time.Duration `koanf:"interval"`
	TTL           time.Duration `koanf:"ttl"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
}

// Defaults returns the configuration used for any key not set elsewhere.
func Defaults() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "json",
		HTTPPort:        ":8080",
		Workers:         1,
		ShutdownTimeout: 45 * time.Second,
		Broker: BrokerConfig{
			Kind:           KindPubSub,
			MaxBatch:       10,
			PullMaxWait:    0,
			PullRetryBase:  time.Second,
			PullRetryMax:   30 * time.Second,
			ConnectTimeout: 20 * time.Second,
			SettleTimeout:  10 * time.Second,
		},
		Sink: SinkConfig{
			Timeout: 30 * time.Second,
		},
		Events: EventsConfig{
			DeadLetterWarnAttempts: 5,
		},
		Heartbeat: HeartbeatConfig{
			TTL: 45 * time.Second,
		},
	}
}

// Load reads path (skipped when empty) and the environment on top of the
// defaults, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker.Kind {
	case KindPubSub, KindRabbitMQ, KindSQS, KindServiceBus:
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q is not one of %s, %s, %s, %s", c.Broker.Kind, KindPubSub, KindRabbitMQ, KindSQS, KindServiceBus))
	}
	if c.Broker.Subscription == "" {
		errs = append(errs, errors.New("broker.subscription required"))
	}
	if c.Broker.Kind == KindServiceBus && c.Broker.Topic == "" {
		errs = append(errs, errors.New("broker.topic required for servicebus"))
	}
	if c.Broker.Connection == "" {
		errs = append(errs, errors.New("broker.connection required"))
	}
	if err := forwarder.ValidateURL(c.Sink.URL); err != nil {
		errs = append(errs, fmt.Errorf("sink.url: %w", err))
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"workers", c.Workers > 0},
		{"broker.max_batch", c.Broker.MaxBatch > 0},
		{"broker.pull_retry_base", c.Broker.PullRetryBase > 0},
		{"broker.pull_retry_max", c.Broker.PullRetryMax > 0},
		{"broker.connect_timeout", c.Broker.ConnectTimeout > 0},
		{"broker.settle_timeout", c.Broker.SettleTimeout > 0},
		{"sink.timeout", c.Sink.Timeout > 0},
		{"shutdown_timeout", c.ShutdownTimeout > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	// One in-flight message may take a full forward plus a settle to drain.
	if c.ShutdownTimeout > 0 && c.ShutdownTimeout <= c.Sink.Timeout+c.Broker.SettleTimeout {
		errs = append(errs, fmt.Errorf("shutdown_timeout %s must exceed sink.timeout plus broker.settle_timeout (%s)",
			c.ShutdownTimeout, c.Sink.Timeout+c.Broker.SettleTimeout))
	}
	if c.Broker.PullMaxWait < 0 {
		errs = append(errs, errors.New("broker.pull_max_wait must not be negative"))
	}
	if c.Events.DeadLetterWarnAttempts < 0 {
		errs = append(errs, errors.New("events.dead_letter_warn_attempts must not be negative"))
	}
	if c.Events.Topic != "" && c.EventsProject() == "" {
		errs = append(errs, errors.New("events.project required when events.topic is set"))
	}
	if c.Heartbeat.Interval < 0 {
		errs = append(errs, errors.New("heartbeat.interval must not be negative"))
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.TTL <= c.Heartbeat.Interval {
		errs = append(errs, errors.New("heartbeat.ttl must exceed heartbeat.interval"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not json or console", c.LogFormat))
	}
	return errors.Join(errs...)
}

// EventsProject is the GCP project of the events topic.
func (c Config) EventsProject() string {
	if c.Events.Project != "" {
		return c.Events.Project
	}
	if c.Broker.Kind == KindPubSub {
		return c.Broker.Connection
	}
	return ""
}
