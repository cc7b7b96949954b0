package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.carchat/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	API            APIConfig          `toml:"api"`
	Realtime       RealtimeConfig     `toml:"realtime"`
	Conversation   ConversationConfig `toml:"conversation"`
	Log            LogConfig          `toml:"log"`
	Metrics        MetricsConfig      `toml:"metrics"`
}

// APIConfig points at the marketplace REST backend.
type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// RealtimeConfig tunes the connection manager's reconnect policy.
type RealtimeConfig struct {
	Endpoint             string   `toml:"endpoint"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	BackgroundGrace      Duration `toml:"background_grace"`
}

// ConversationConfig holds the per-screen timers.
type ConversationConfig struct {
	EnterDelay            Duration `toml:"enter_delay"`
	ReadReceiptDelay      Duration `toml:"read_receipt_delay"`
	TypingIdle            Duration `toml:"typing_idle"`
	PeerTypingExpiry      Duration `toml:"peer_typing_expiry"`
	RestoreInputOnFailure bool     `toml:"restore_input_on_failure"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = Duration(15 * time.Second)
	}
	r := &c.Realtime
	if r.MaxReconnectAttempts <= 0 {
		r.MaxReconnectAttempts = 5
	}
	if r.ReconnectBaseDelay == 0 {
		r.ReconnectBaseDelay = Duration(2 * time.Second)
	}
	if r.ReconnectMaxDelay == 0 {
		r.ReconnectMaxDelay = Duration(10 * time.Second)
	}
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = Duration(25 * time.Second)
	}
	if r.HandshakeTimeout == 0 {
		r.HandshakeTimeout = Duration(10 * time.Second)
	}
	if r.BackgroundGrace == 0 {
		r.BackgroundGrace = Duration(30 * time.Second)
	}
	cv := &c.Conversation
	if cv.EnterDelay == 0 {
		cv.EnterDelay = Duration(time.Second)
	}
	if cv.ReadReceiptDelay == 0 {
		cv.ReadReceiptDelay = Duration(2 * time.Second)
	}
	if cv.TypingIdle == 0 {
		cv.TypingIdle = Duration(time.Second)
	}
	if cv.PeerTypingExpiry == 0 {
		cv.PeerTypingExpiry = Duration(4 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads config from the given path and fills in defaults.
// Returns nil config and error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
