package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	// TCP Address optionally specifies the TCP address for the server to listen on,
	// in the form "host:port". If empty, and no other network protocol is used, ":1883" is used.
	TCP struct {
		Address string `json:"address" toml:"address"`
	} `json:"tcp" toml:"tcp"`

	// TLS Address optionally specifies an address for the server to listen on for TLS connections,
	// in the form "host:port". If empty, TLS is not used.
	TLS struct {
		Address string `json:"address" toml:"address"`
		KeyPair
	} `json:"tls" toml:"tls"`

	// WS Address optionally specifies an address for the server to listen on for Websocket connections,
	// in the form "host:port". If empty, Websocket is not used.
	WS struct {
		Address     string `json:"address" toml:"address"`
		CheckOrigin bool   `json:"check_origin" toml:"check_origin"`
	} `json:"ws" toml:"ws"`

	// WSS Address optionally specifies an address for the server to listen on for Secure Websocket connections,
	// in the form "host:port". If empty, Secure Websocket is not used.
	WSS struct {
		Address     string `json:"address" toml:"address"`
		CheckOrigin bool   `json:"check_origin" toml:"check_origin"`
		KeyPair
	} `json:"wss" toml:"wss"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" toml:"file"`
		Level string `json:"level" toml:"level"`
	} `json:"log" toml:"log"`

	Session Session `json:"session" toml:"session"`

	// Retain configures where retained messages are kept.
	// If Dir is empty they are kept in memory only.
	Retain struct {
		Dir string `json:"dir" toml:"dir"`
	} `json:"retain" toml:"retain"`
}

// Session holds the per connection protocol limits.
type Session struct {
	// Largest accepted inbound packet in bytes. Default 1 MiB.
	MaxFrameSize int `json:"max_frame_size" toml:"max_frame_size"`

	// QoS 1&2 unacknowledged message resend timeout in s.
	// Default 60s. Set to -1 to disable timeout based resend.
	RetryInterval int64 `json:"retry_interval" toml:"retry_interval"`

	// Resends before a QoS 1&2 delivery is given up. Default 3 when unset,
	// 0 gives up at the first timeout, -1 for unlimited.
	MaxRetries *int `json:"max_retries" toml:"max_retries"`

	// QoS 1&2 messages in flight to one client at a time. Default 64.
	MaxInflight int `json:"max_inflight" toml:"max_inflight"`

	// Messages queued for a client while MaxInflight is reached. Default 1024.
	// Newer messages are dropped when full.
	PendingQueue int `json:"pending_queue" toml:"pending_queue"`
}

type KeyPair struct {
	Cert string `json:"cert" toml:"cert"`
	Key  string `json:"key" toml:"key"`
}

const defaultMaxRetries = 3

// Retries returns MaxRetries or its default when unset.
func (s *Session) Retries() int {
	if s.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *s.MaxRetries
}

// Retry returns the resend interval, 0 when disabled.
func (s *Session) Retry() time.Duration {
	if s.RetryInterval < 0 {
		return 0
	}
	return time.Duration(s.RetryInterval) * time.Second
}

// LoadFromFile reads a JSON config file, or TOML if the file has a .toml extension.
func (c *Config) LoadFromFile(fPath string) error {
	if strings.EqualFold(filepath.Ext(fPath), ".toml") {
		if _, err := toml.DecodeFile(fPath, c); err != nil {
			return errors.Wrap(err, "error reading config file")
		}
		return c.Validate()
	}

	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}

	defer f.Close()

	if err = json.NewDecoder(f).Decode(c); err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.Validate()
}

// Default returns a config with only defaults, listening on TCP :1883.
func Default() *Config {
	c := new(Config)
	c.Validate()
	return c
}

// Validate fills in defaults and checks ranges. LoadFromFile calls it.
func (c *Config) Validate() error {
	if c.TCP.Address != "" {
		if !strings.Contains(c.TCP.Address, ":") {
			c.TCP.Address += ":1883" // if just ip/host or nothing specified
		}
	}

	if c.TLS.Address != "" {
		if c.TLS.Cert == "" || c.TLS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup")
		}

		if !strings.Contains(c.TLS.Address, ":") {
			c.TLS.Address += ":8883"
		}
	}

	if c.WS.Address != "" {
		if !strings.Contains(c.WS.Address, ":") {
			c.WS.Address += ":80"
		}
	}

	if c.WSS.Address != "" {
		if c.WSS.Cert == "" || c.WSS.Key == "" {
			return errors.New("invalid TLS certificate and/or private key file path setup for Websocket Secure")
		}

		if !strings.Contains(c.WSS.Address, ":") {
			c.WSS.Address += ":443"
		}
	}

	if c.TCP.Address == "" && c.TLS.Address == "" && c.WS.Address == "" && c.WSS.Address == "" {
		c.TCP.Address = ":1883"
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "error", "warn", "info", "debug":
	default:
		return errors.Errorf("invalid log level %q", c.Log.Level)
	}

	s := &c.Session
	if s.MaxFrameSize == 0 {
		s.MaxFrameSize = 1 << 20
	} else if s.MaxFrameSize < 2 {
		return errors.Errorf("invalid session max_frame_size %d", s.MaxFrameSize)
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = 60
	}
	if s.MaxRetries == nil {
		n := defaultMaxRetries
		s.MaxRetries = &n
	}
	if s.MaxInflight == 0 {
		s.MaxInflight = 64
	} else if s.MaxInflight < 0 || s.MaxInflight > 65535 {
		return errors.Errorf("session max_inflight %d out of range 1-65535", s.MaxInflight)
	}
	if s.PendingQueue == 0 {
		s.PendingQueue = 1024
	} else if s.PendingQueue < 0 {
		return errors.Errorf("invalid session pending_queue %d", s.PendingQueue)
	}

	return nil
}
