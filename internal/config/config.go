package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshbridge/internal/bridge"
	gotoml "github.com/pelletier/go-toml/v2"
)

var ErrDeviceConflict = errors.New("config: serial.port and device_address are mutually exclusive")

// File mirrors the on-disk TOML layout. Durations are Go duration strings.
type File struct {
	FramingMode   string           `toml:"framing_mode"`
	ListenAddress string           `toml:"listen_address"`
	ListenPort    int              `toml:"listen_port"`
	DeviceAddress string           `toml:"device_address"`
	Serial        SerialSection    `toml:"serial"`
	Reconnect     ReconnectSection `toml:"reconnect"`
	Client        ClientSection    `toml:"client"`
	Admin         AdminSection     `toml:"admin"`
}

type SerialSection struct {
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

type ReconnectSection struct {
	Enabled      bool   `toml:"enabled"`
	MaxAttempts  int    `toml:"max_attempts"`
	InitialDelay string `toml:"initial_delay"`
	MaxDelay     string `toml:"max_delay"`
	StableAfter  string `toml:"stable_after"`
}

type ClientSection struct {
	WriteTimeout string `toml:"write_timeout"`
	ReadBuffer   int    `toml:"read_buffer"`
}

type AdminSection struct {
	ListenAddress string   `toml:"listen_address"`
	CorsOrigins   []string `toml:"cors_origins"`
}

// Settings is a loaded configuration: the bridge runtime config plus the
// device and admin settings consumed by the command.
type Settings struct {
	Bridge        bridge.Config
	SerialPort    string
	Baud          int
	DeviceAddress string
	Admin         AdminSettings
}

type AdminSettings struct {
	ListenAddress string
	CorsOrigins   []string
}

const DefaultBaud = 115200

func Defaults() Settings {
	return Settings{
		Bridge: bridge.DefaultConfig(),
		Baud:   DefaultBaud,
	}
}

// Load reads path and overlays every key it defines onto Defaults.
func Load(path string) (Settings, error) {
	cfg := Defaults()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if meta.IsDefined("framing_mode") {
		mode, err := bridge.ParseFramingMode(raw.FramingMode)
		if err != nil {
			return Settings{}, err
		}
		cfg.Bridge.Mode = mode
	}
	if meta.IsDefined("listen_address") {
		cfg.Bridge.ListenAddress = strings.TrimSpace(raw.ListenAddress)
	}
	if meta.IsDefined("listen_port") {
		cfg.Bridge.ListenPort = raw.ListenPort
	}
	if meta.IsDefined("device_address") {
		cfg.DeviceAddress = strings.TrimSpace(raw.DeviceAddress)
	}
	if meta.IsDefined("serial", "port") {
		cfg.SerialPort = strings.TrimSpace(raw.Serial.Port)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Baud = raw.Serial.Baud
	}

	if meta.IsDefined("reconnect", "enabled") {
		cfg.Bridge.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "max_attempts") {
		cfg.Bridge.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if meta.IsDefined("reconnect", "initial_delay") {
		d, err := parseDuration("reconnect.initial_delay", raw.Reconnect.InitialDelay)
		if err != nil {
			return Settings{}, err
		}
		cfg.Bridge.Reconnect.Backoff.InitialDelay = d
	}
	if meta.IsDefined("reconnect", "max_delay") {
		d, err := parseDuration("reconnect.max_delay", raw.Reconnect.MaxDelay)
		if err != nil {
			return Settings{}, err
		}
		cfg.Bridge.Reconnect.Backoff.MaxDelay = d
	}

	if meta.IsDefined("reconnect", "stable_after") {
		d, err := parseDuration("reconnect.stable_after", raw.Reconnect.StableAfter)
		if err != nil {
			return Settings{}, err
		}
		cfg.Bridge.Reconnect.StableAfter = d
	}

	if meta.IsDefined("client", "write_timeout") {
		d, err := parseDuration("client.write_timeout", raw.Client.WriteTimeout)
		if err != nil {
			return Settings{}, err
		}
		cfg.Bridge.Client.WriteTimeout = d
	}
	if meta.IsDefined("client", "read_buffer") {
		cfg.Bridge.ReadBufferSize = raw.Client.ReadBuffer
	}

	if meta.IsDefined("admin", "listen_address") {
		cfg.Admin.ListenAddress = strings.TrimSpace(raw.Admin.ListenAddress)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeOrigins(raw.Admin.CorsOrigins)
	}

	if err := cfg.Check(); err != nil {
		return Settings{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Check validates settings after file and flag overrides are applied.
func (s Settings) Check() error {
	if s.SerialPort != "" && s.DeviceAddress != "" {
		return ErrDeviceConflict
	}
	if s.Baud <= 0 {
		return fmt.Errorf("config: serial.baud must be positive, got %d", s.Baud)
	}
	return s.Bridge.WithDefaults().Validate()
}

// Validate strictly decodes path, rejecting keys that Load would ignore.
func Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var raw File
	dec := gotoml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		var strict *gotoml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config unknown keys (%s):\n%s", path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if _, err := Load(path); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
