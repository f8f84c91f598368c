package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/micad/internal/config"
	"github.com/danmuck/micad/internal/daemon"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	runtimeDir string
	backend    string
	logLevel   string
	quiet      bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("micad", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to micad.toml")
	fs.StringVar(&opts.runtimeDir, "runtime-dir", "", "override runtime_dir")
	fs.StringVar(&opts.backend, "backend", "", "override backend (shell|pedestal)")
	fs.StringVar(&opts.logLevel, "log-level", "", "trace|debug|info|warn|error|off")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.runtimeDir != "" {
		cfg.RuntimeDir = opts.runtimeDir
	}
	if opts.backend != "" {
		cfg.Backend = opts.backend
	}
	return cfg, cfg.Validate()
}

func applyLogging(cfg config.Config, opts options) {
	logs.Override(cfg.Log.Timestamp, cfg.Log.NoColor)
	level := cfg.Log.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if opts.quiet {
		level = "warn"
	}
	if level != "" && !logs.Apply(level) {
		logs.Warnf("micad unknown log level %q, keeping default", level)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	logs.ConfigureRuntime()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	applyLogging(cfg, opts)

	prov, err := daemon.NewProvisioner(cfg)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, prov)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	logs.Infof("micad started pid=%d runtime_dir=%q", os.Getpid(), cfg.RuntimeDir)
	return d.Run(ctx)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "micad: %v\n", err)
		os.Exit(1)
	}
}
