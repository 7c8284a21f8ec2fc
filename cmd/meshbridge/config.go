package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/config"
	"github.com/danmuck/meshbridge/internal/transport"
)

var errNoDevice = errors.New("no device: set -serial, serial.port or device_address")

type options struct {
	configPath string
	serial     string
	baud       int
	host       string
	port       int
	mode       string
	verbose    bool
	listPorts  bool
	initConfig string
	force      bool
	validate   bool

	set map[string]bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("meshbridge", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&opts.serial, "serial", "", "serial device path, e.g. /dev/ttyUSB0")
	fs.IntVar(&opts.baud, "baud", config.DefaultBaud, "serial baud rate")
	fs.StringVar(&opts.host, "host", "0.0.0.0", "client listen address")
	fs.IntVar(&opts.port, "port", 5000, "client listen port")
	fs.StringVar(&opts.mode, "mode", string(bridge.ModeFramed), "framing mode: framed|transparent")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&opts.listPorts, "list-ports", false, "list serial ports and exit")
	fs.StringVar(&opts.initConfig, "init-config", "", "write a config template to this path and exit")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing file with -init-config")
	fs.BoolVar(&opts.validate, "validate", false, "strictly validate -config and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

// resolveSettings loads the config file, if any, and applies explicitly set
// flags on top of it.
func resolveSettings(opts options) (config.Settings, error) {
	cfg := config.Defaults()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	}

	if opts.set["serial"] {
		cfg.SerialPort = strings.TrimSpace(opts.serial)
		cfg.DeviceAddress = ""
	}
	if opts.set["baud"] {
		cfg.Baud = opts.baud
	}
	if opts.set["host"] {
		cfg.Bridge.ListenAddress = strings.TrimSpace(opts.host)
	}
	if opts.set["port"] {
		cfg.Bridge.ListenPort = opts.port
	}
	if opts.set["mode"] {
		mode, err := bridge.ParseFramingMode(opts.mode)
		if err != nil {
			return config.Settings{}, err
		}
		cfg.Bridge.Mode = mode
	}

	if err := cfg.Check(); err != nil {
		return config.Settings{}, err
	}
	return cfg, nil
}

func newDialer(cfg config.Settings) (bridge.Dialer, error) {
	switch {
	case cfg.DeviceAddress != "":
		return transport.NewTCPDialer(cfg.DeviceAddress, 0)
	case cfg.SerialPort != "":
		return transport.NewSerialDialer(cfg.SerialPort, cfg.Baud)
	default:
		return nil, errNoDevice
	}
}
