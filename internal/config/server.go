package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the broker daemon.
type ServerConfig struct {
	ListenAddr     string
	Port           int
	WSPath         string
	ClientKey      string
	RequestTimeout time.Duration
	PayloadSize    int
	DropPolicy     string
	BlockTimeout   time.Duration
	StateRedisAddr string
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ServerConfig) BindFlags() {
	c.ListenAddr = getEnv("SVR_LISTEN", ":5520")
	port, _ := strconv.Atoi(getEnv("SVR_HTTP_PORT", "8080"))
	c.Port = port
	c.WSPath = getEnv("SVR_WS_PATH", "/api/clients/connect")
	c.ClientKey = getEnv("SVR_CLIENT_KEY", "")
	rt, _ := time.ParseDuration(getEnv("SVR_REQUEST_TIMEOUT", "5s"))
	c.RequestTimeout = rt
	ps, _ := strconv.Atoi(getEnv("SVR_PAYLOAD_SIZE", "4096"))
	c.PayloadSize = ps
	c.DropPolicy = getEnv("SVR_DROP_POLICY", "drop_newest")
	bt, _ := time.ParseDuration(getEnv("SVR_BLOCK_TIMEOUT", "5s"))
	c.BlockTimeout = bt
	c.StateRedisAddr = getEnv("SVR_STATE_REDIS", "")

	flag.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "listen address for the message protocol port")
	flag.IntVar(&c.Port, "http-port", c.Port, "HTTP listen port for the admin API and metrics")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path clients use to establish WebSocket connections")
	flag.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key clients must present when connecting; leave empty to disable auth")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration to wait for a request response")
	flag.IntVar(&c.PayloadSize, "payload-size", c.PayloadSize, "chunk size used when draining source encoders")
	flag.StringVar(&c.DropPolicy, "drop-policy", c.DropPolicy, "default stream drop policy: block, drop_newest or drop_oldest")
	flag.DurationVar(&c.BlockTimeout, "block-timeout", c.BlockTimeout, "enqueue timeout under the block drop policy")
	flag.StringVar(&c.StateRedisAddr, "state-redis", c.StateRedisAddr, "optional Redis URL mirroring the server state")
}

// fileConfig is the YAML schema; durations are parsed from strings and
// absent keys leave the bound defaults untouched.
type fileConfig struct {
	ListenAddr     *string `yaml:"listen_addr"`
	Port           *int    `yaml:"port"`
	WSPath         *string `yaml:"ws_path"`
	ClientKey      *string `yaml:"client_key"`
	RequestTimeout *string `yaml:"request_timeout"`
	PayloadSize    *int    `yaml:"payload_size"`
	DropPolicy     *string `yaml:"drop_policy"`
	BlockTimeout   *string `yaml:"block_timeout"`
	StateRedisAddr *string `yaml:"state_redis_addr"`
}

// LoadFile overlays values from a YAML file. Values later bound from flags
// still win when set explicitly.
func (c *ServerConfig) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if fc.ListenAddr != nil {
		c.ListenAddr = *fc.ListenAddr
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.WSPath != nil {
		c.WSPath = *fc.WSPath
	}
	if fc.ClientKey != nil {
		c.ClientKey = *fc.ClientKey
	}
	if fc.RequestTimeout != nil {
		d, err := time.ParseDuration(*fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parse config: request_timeout: %w", err)
		}
		c.RequestTimeout = d
	}
	if fc.PayloadSize != nil {
		c.PayloadSize = *fc.PayloadSize
	}
	if fc.DropPolicy != nil {
		c.DropPolicy = *fc.DropPolicy
	}
	if fc.BlockTimeout != nil {
		d, err := time.ParseDuration(*fc.BlockTimeout)
		if err != nil {
			return fmt.Errorf("parse config: block_timeout: %w", err)
		}
		c.BlockTimeout = d
	}
	if fc.StateRedisAddr != nil {
		c.StateRedisAddr = *fc.StateRedisAddr
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
