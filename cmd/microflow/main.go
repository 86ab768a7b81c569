package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timzifer/microflow/config"
	"github.com/timzifer/microflow/logging"
	"github.com/timzifer/microflow/report"
	"github.com/timzifer/microflow/service"
	"github.com/timzifer/microflow/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (.yaml or .cue); built-in defaults when empty")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	statusListen := flag.String("status-listen", "", "listen address for the /status and /metrics endpoints")
	recordPath := flag.String("record", "", "append per-tick snapshots as JSON lines to this file")
	flag.Parse()

	if err := run(*configPath, *checkOnly, *statusListen, *recordPath); err != nil {
		fmt.Fprintf(os.Stderr, "microflow: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, checkOnly bool, statusListen, recordPath string) error {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if checkOnly {
		fmt.Println("configuration ok")
		return nil
	}

	logger, closeLogger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []service.Option
	if recordPath != "" {
		file, err := os.OpenFile(recordPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open record file: %w", err)
		}
		defer file.Close()
		opts = append(opts, service.WithTelemetrySink(report.NewJSONLines(file, logger)))
	}

	svc, err := service.New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	if cfg.Telemetry.Enabled {
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return fmt.Errorf("register telemetry: %w", err)
		}
		svc.SetTelemetry(collector)
	}

	if statusListen != "" {
		go func() {
			if err := svc.ServeStatus(ctx, statusListen); err != nil {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
