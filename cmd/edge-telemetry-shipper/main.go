package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/edge-telemetry-shipper/internal/app"
	"github.com/kon-rad/edge-telemetry-shipper/internal/config"
	"github.com/kon-rad/edge-telemetry-shipper/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		showHelp    bool
		showVersion bool
		onceFile    string
		kind        string
		encoding    string
	)

	flagSet := pflag.NewFlagSet("edge-telemetry-shipper", pflag.ContinueOnError)
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.StringVar(&onceFile, "once", "", "upload one file of logs or metrics and exit")
	flagSet.StringVar(&kind, "kind", "logs", "record kind in the --once file: logs or metrics")
	flagSet.StringVar(&encoding, "encoding", "", "set to gzip for compressed --once log archives")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.WriteHelp(os.Stdout, version)
			return nil
		}
		return err
	}
	if showHelp {
		config.WriteHelp(os.Stdout, version)
		return nil
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	if onceFile != "" {
		_, err := app.UploadFile(ctx, cfg, logger, version, app.OnceOptions{
			Path:     onceFile,
			Kind:     kind,
			Encoding: encoding,
		})
		return err
	}

	logger.Info("starting edge-telemetry-shipper", "version", version, "identity_store", cfg.IdentityStore, "metrics_path", cfg.MetricsPath)
	return app.New(cfg, logger, version).Run(ctx)
}
