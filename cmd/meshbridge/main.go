package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/meshbridge/internal/admin"
	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/config"
	"github.com/danmuck/meshbridge/internal/logging"
	"github.com/danmuck/meshbridge/internal/observability"
	"github.com/danmuck/meshbridge/internal/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	logging.ConfigureRuntime("meshbridge", opts.verbose)

	switch {
	case opts.listPorts:
		return listPorts(stdout)
	case opts.initConfig != "":
		if err := config.WriteTemplate(opts.initConfig, opts.force); err != nil {
			return err
		}
		log.Info().Str("path", opts.initConfig).Msg("wrote config template")
		return nil
	case opts.validate:
		if opts.configPath == "" {
			return errors.New("-validate requires -config")
		}
		if err := config.Validate(opts.configPath); err != nil {
			return err
		}
		log.Info().Str("path", opts.configPath).Msg("config valid")
		return nil
	}

	cfg, err := resolveSettings(opts)
	if err != nil {
		return err
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}
	observability.RegisterMetrics()
	b, err := bridge.New(cfg.Bridge, dialer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminDone := make(chan error, 1)
	if cfg.Admin.ListenAddress != "" {
		srv := admin.New(cfg.Admin.ListenAddress, b, cfg.Admin.CorsOrigins)
		go func() {
			err := srv.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("admin server stopped")
				cancel()
			}
			adminDone <- err
		}()
	} else {
		adminDone <- nil
	}

	log.Info().
		Str("device", dialer.String()).
		Str("listen", cfg.Bridge.Addr()).
		Str("mode", string(cfg.Bridge.Mode)).
		Msg("meshbridge starting")
	runErr := b.Run(ctx)
	cancel()
	adminErr := <-adminDone

	if runErr != nil {
		return runErr
	}
	if adminErr != nil {
		return fmt.Errorf("admin: %w", adminErr)
	}
	log.Info().Msg("meshbridge stopped")
	return nil
}

func listPorts(out io.Writer) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p.String())
	}
	return nil
}
