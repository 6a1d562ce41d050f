package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codefionn/iqdump/internal/config"
	"github.com/codefionn/iqdump/internal/executor"
	"github.com/codefionn/iqdump/internal/logger"
	"github.com/codefionn/iqdump/internal/pidfile"
	"github.com/codefionn/iqdump/internal/socketserver"
	"github.com/codefionn/iqdump/internal/socketutil"
)

// serveOverrides holds command line values that win over the config file
type serveOverrides struct {
	listenAddr        string
	tempDir           string
	logLevel          string
	logPath           string
	pidFile           string
	maxConnections    int
	acknowledgeAll    bool
	keepOnDecodeError bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnostic server",
	Long:  "Start the TCP diagnostic server and serve clients until SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func registerServeFlags(flags *pflag.FlagSet) {
	flags.StringVar(&overrides.listenAddr, "listen", "", "Listen address (host:port)")
	flags.StringVar(&overrides.tempDir, "temp-dir", "", "Directory for dumps and file transfers")
	flags.StringVar(&overrides.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	flags.StringVar(&overrides.logPath, "log-path", "", "Log file; empty logs to stderr")
	flags.StringVar(&overrides.pidFile, "pid-file", "", "PID file guarding against a second instance")
	flags.IntVar(&overrides.maxConnections, "max-connections", 0, "Maximum concurrent sessions (0 = unbounded)")
	flags.BoolVar(&overrides.acknowledgeAll, "acknowledge-all", false, "Answer fire-and-forget commands with a header")
	flags.BoolVar(&overrides.keepOnDecodeError, "keep-session-on-decode-error", false, "Keep sessions open after a malformed request")
}

// apply copies every flag the user set onto cfg
func (o serveOverrides) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listenAddr
	}
	if flags.Changed("temp-dir") {
		cfg.TempDir = o.tempDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-path") {
		cfg.LogPath = o.logPath
	}
	if flags.Changed("pid-file") {
		cfg.PIDFile = o.pidFile
	}
	if flags.Changed("max-connections") {
		cfg.MaxConnections = o.maxConnections
	}
	if flags.Changed("acknowledge-all") {
		cfg.AcknowledgeAll = o.acknowledgeAll
	}
	if flags.Changed("keep-session-on-decode-error") {
		cfg.KeepSessionOnDecodeError = o.keepOnDecodeError
	}
}

// loadConfig reads the config file and layers environment and flags on top
func loadConfig(path string, flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	overrides.apply(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command) (err error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}

	cfg, err := loadConfig(path, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("iqdumpd %s starting", version)
	logger.Debug("configuration: config=%s listen=%s temp_dir=%s log_level=%s", path, cfg.ListenAddr, cfg.TempDir, cfg.LogLevel)

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if cfg.PIDFile != "" {
		pf := pidfile.New(cfg.PIDFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("failed to remove pidfile: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if socketutil.DetectServer(ctx, cfg.ListenAddr) {
		return fmt.Errorf("a server is already accepting connections on %s", cfg.ListenAddr)
	}

	ex := executor.NewProcessExecutor(cfg.Timeouts.Command())
	if cfg.Tools.SearchPath != "" {
		ex.Env = executor.EnvWithPath(os.Environ(), cfg.Tools.SearchPath)
		logger.Debug("tools resolved against PATH=%s", cfg.Tools.SearchPath)
	}

	server, err := socketserver.NewServer(cfg, ex)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	flags := cmd.Flags()
	go func() {
		err := config.Watch(ctx, path, func(fresh *config.Config) {
			fresh.ApplyEnv(os.Getenv)
			overrides.apply(flags, fresh)
			level := logger.ParseLevel(fresh.LogLevel)
			if level != logger.Global().GetLevel() {
				logger.Global().SetLevel(level)
				logger.Info("log level set to %s", level)
			}
			if fresh.ListenAddr != cfg.ListenAddr || fresh.TempDir != cfg.TempDir || fresh.Tools.SearchPath != cfg.Tools.SearchPath {
				logger.Warn("config: listen_addr, temp_dir and tools.search_path changes take effect after a restart")
			}
		})
		if err != nil {
			logger.Warn("config reload disabled: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return server.Stop()
}
