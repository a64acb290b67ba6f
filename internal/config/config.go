// Package config loads lovebridge configuration from YAML or TOML files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lovebridge/bridge/command"
	"lovebridge/bridge/rpc"
	"lovebridge/bridge/transport"
)

// Transport kinds.
const (
	TransportInProcess = "inprocess"
	TransportDir       = "dir"
	TransportBolt      = "bolt"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
	TransportJSONRPC   = "jsonrpc"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOVEBRIDGE_"

// Duration is a time.Duration written as a string such as "16ms" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DirConfig configures the directory medium.
type DirConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BoltConfig configures the bbolt medium.
type BoltConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig configures the Redis medium.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// WebSocketConfig configures the websocket transport and the host endpoint.
type WebSocketConfig struct {
	URL string `yaml:"url" toml:"url"`
}

// JSONRPCConfig configures the JSON-RPC transport.
type JSONRPCConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// HostConfig configures cmd/lovehost.
type HostConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Config is the full configuration.
type Config struct {
	Transport     string          `yaml:"transport" toml:"transport"`
	Namespace     string          `yaml:"namespace" toml:"namespace"`
	Format        string          `yaml:"format" toml:"format"`
	PollInterval  Duration        `yaml:"poll_interval" toml:"poll_interval"`
	ReadyInterval Duration        `yaml:"ready_interval" toml:"ready_interval"`
	IOTimeout     Duration        `yaml:"io_timeout" toml:"io_timeout"`
	RPCTimeout    Duration        `yaml:"rpc_timeout" toml:"rpc_timeout"`
	LogLevel      string          `yaml:"log_level" toml:"log_level"`
	LogJSON       bool            `yaml:"log_json" toml:"log_json"`
	Dir           DirConfig       `yaml:"dir" toml:"dir"`
	Bolt          BoltConfig      `yaml:"bolt" toml:"bolt"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	WebSocket     WebSocketConfig `yaml:"websocket" toml:"websocket"`
	JSONRPC       JSONRPCConfig   `yaml:"jsonrpc" toml:"jsonrpc"`
	Host          HostConfig      `yaml:"host" toml:"host"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Transport:     TransportInProcess,
		Namespace:     transport.DefaultNamespace,
		Format:        string(command.EncodingFormatJSON),
		PollInterval:  Duration(transport.DefaultPollInterval),
		ReadyInterval: Duration(transport.DefaultReadyInterval),
		IOTimeout:     Duration(transport.DefaultIOTimeout),
		RPCTimeout:    Duration(rpc.DefaultTimeout),
		LogLevel:      "info",
		Dir:           DirConfig{Path: "./bridge-data"},
		Bolt:          BoltConfig{Path: "./bridge.db"},
		Redis:         RedisConfig{Addr: "localhost:6379", Prefix: "lovebridge:"},
		WebSocket:     WebSocketConfig{URL: "ws://localhost:8080/ws"},
		JSONRPC:       JSONRPCConfig{Addr: "localhost:8081"},
		Host:          HostConfig{Listen: ":8080"},
	}
}

// Load reads path on top of the defaults, applies environment overrides and validates the
// result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.Decode(filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges data into cfg. ext selects the format: .yaml, .yml or .toml.
func (c *Config) Decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".toml":
		_, err := toml.Decode(string(data), c)
		return err
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// ApplyEnv applies LOVEBRIDGE_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"TRANSPORT":      &c.Transport,
		"NAMESPACE":      &c.Namespace,
		"FORMAT":         &c.Format,
		"LOG_LEVEL":      &c.LogLevel,
		"DIR":            &c.Dir.Path,
		"BOLT_PATH":      &c.Bolt.Path,
		"REDIS_ADDR":     &c.Redis.Addr,
		"REDIS_PASSWORD": &c.Redis.Password,
		"REDIS_PREFIX":   &c.Redis.Prefix,
		"WEBSOCKET_URL":  &c.WebSocket.URL,
		"JSONRPC_ADDR":   &c.JSONRPC.Addr,
		"LISTEN":         &c.Host.Listen,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"POLL_INTERVAL":  &c.PollInterval,
		"READY_INTERVAL": &c.ReadyInterval,
		"IO_TIMEOUT":     &c.IOTimeout,
		"RPC_TIMEOUT":    &c.RPCTimeout,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
		}
	}

	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_JSON: %w", EnvPrefix, err)
		}
		c.LogJSON = b
	}
	return nil
}

// Validate checks the fields the selected transport needs.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.PollInterval <= 0 || c.ReadyInterval <= 0 || c.IOTimeout <= 0 || c.RPCTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}
	if _, err := command.GetCodec(command.EncodingFormat(c.Format)); err != nil {
		return err
	}

	switch c.Transport {
	case TransportInProcess:
	case TransportDir:
		if c.Dir.Path == "" {
			return fmt.Errorf("dir.path is required for the dir transport")
		}
	case TransportBolt:
		if c.Bolt.Path == "" {
			return fmt.Errorf("bolt.path is required for the bolt transport")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis transport")
		}
	case TransportWebSocket:
		if c.WebSocket.URL == "" {
			return fmt.Errorf("websocket.url is required for the websocket transport")
		}
	case TransportJSONRPC:
		if c.JSONRPC.Addr == "" {
			return fmt.Errorf("jsonrpc.addr is required for the jsonrpc transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
