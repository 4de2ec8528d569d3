package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	FreeSWITCH FreeSWITCHConfig `yaml:"freeswitch"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Log        LogConfig        `yaml:"log"`
}

type FreeSWITCHConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	EventMask      string        `yaml:"event_mask"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	// ReadTimeout of 0 disables the idle read deadline.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type ReconnectConfig struct {
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Resync     bool          `yaml:"resync"`
}

type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	WSPath       string        `yaml:"ws_path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingPeriod   time.Duration `yaml:"ping_period"`
	ClientBuffer int           `yaml:"client_buffer"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *FreeSWITCHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		FreeSWITCH: FreeSWITCHConfig{
			Host:           "127.0.0.1",
			Port:           8021,
			EventMask:      "ALL",
			ConnectTimeout: 10 * time.Second,
			AuthTimeout:    5 * time.Second,
			ReadTimeout:    60 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delay:      5 * time.Second,
			MaxDelay:   5 * time.Second,
			Multiplier: 1,
			Resync:     true,
		},
		Dispatch: DispatchConfig{QueueSize: 1024},
		Store:    StoreConfig{Path: "esl-bridge.db"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			WSPath:       "/ws",
			WriteTimeout: 10 * time.Second,
			PingPeriod:   30 * time.Second,
			ClientBuffer: 64,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "esl-bridge",
			TopicPrefix: "freeswitch",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path, a
// .env file in the working directory and the process environment, in
// that order. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str("ESL_HOST", &c.FreeSWITCH.Host)
	str("ESL_PASSWORD", &c.FreeSWITCH.Password)
	str("ESL_EVENT_MASK", &c.FreeSWITCH.EventMask)
	str("BRIDGE_STORE_PATH", &c.Store.Path)
	str("BRIDGE_HTTP_ADDR", &c.HTTP.Addr)
	str("BRIDGE_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("MQTT_BROKER"); ok {
		c.MQTT.Broker = strings.TrimSpace(v)
		c.MQTT.Enabled = c.MQTT.Broker != ""
	}
	if v, ok := lookup("ESL_PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ESL_PORT must be an integer, got %q", v)
		}
		c.FreeSWITCH.Port = port
	}
	return nil
}

func (c *Config) validate() error {
	if c.FreeSWITCH.Host == "" {
		return fmt.Errorf("freeswitch.host is required")
	}
	if c.FreeSWITCH.Port < 1 || c.FreeSWITCH.Port > 65535 {
		return fmt.Errorf("freeswitch.port must be between 1 and 65535, got %d", c.FreeSWITCH.Port)
	}
	if c.FreeSWITCH.Password == "" {
		return fmt.Errorf("freeswitch.password is required")
	}
	if c.FreeSWITCH.EventMask == "" {
		return fmt.Errorf("freeswitch.event_mask is required")
	}
	if strings.ContainsAny(c.FreeSWITCH.EventMask, "\r\n") {
		return fmt.Errorf("freeswitch.event_mask must be a single line")
	}
	if c.FreeSWITCH.ConnectTimeout <= 0 {
		return fmt.Errorf("freeswitch.connect_timeout must be positive")
	}
	if c.FreeSWITCH.AuthTimeout <= 0 {
		return fmt.Errorf("freeswitch.auth_timeout must be positive")
	}
	if c.FreeSWITCH.ReadTimeout < 0 {
		return fmt.Errorf("freeswitch.read_timeout must not be negative")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect.delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("reconnect.max_delay must be at least reconnect.delay")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if !strings.HasPrefix(c.HTTP.WSPath, "/") {
		return fmt.Errorf("http.ws_path must start with /")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}
	return nil
}
