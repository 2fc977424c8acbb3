package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruster/ruster/internal/config"
	"github.com/ruster/ruster/internal/embed"
	"github.com/ruster/ruster/internal/eventsink"
	"github.com/ruster/ruster/internal/inference"
	"github.com/ruster/ruster/internal/llm"
	"github.com/ruster/ruster/internal/proactive"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/skill"
	"github.com/ruster/ruster/internal/toolexec"
	"github.com/ruster/ruster/internal/transport"
	"github.com/ruster/ruster/internal/wire"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rusterd",
	Short: "rusterd runs the persistent conversational agent daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon and listen on its UNIX socket",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("rusterd " + version)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	serveCmd.Flags().String("socket-path", "", "override socket_path")
	serveCmd.Flags().String("default-model", "", "override default_model")
	serveCmd.Flags().String("log-level", "", "override log_level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.BaseDir == "" {
		return fmt.Errorf("base_dir must be set")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("creating base dir: %w", err)
	}

	configStore := config.NewStore(cfg)
	if err := configStore.LoadState(); err != nil {
		return fmt.Errorf("loading persisted config overrides: %w", err)
	}
	cfg = configStore.Config()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	embedder := embed.New(cfg.ProxyURL, cfg.RAGModel, nil)
	registry := skill.NewRegistry(cfg.SkillsDirs, embedder, logger)
	if err := registry.Rescan(ctx); err != nil {
		logger.Warn("initial skill scan failed", "error", err)
	}

	sessions := sessionstore.New(cfg.BaseDir)
	gateway := llm.New(cfg.ProxyURL, nil)
	executor := toolexec.New(cfg.ToolRunDir, cfg.ToolOutputLines, secondsToDuration(cfg.ToolTimeoutSecs))
	sink := eventsink.New()

	loop := &inference.Loop{
		Registry: registry,
		Gateway:  gateway,
		Executor: executor,
	}
	loop.Emit = func(ev wire.Event) { sink.Publish(ctx, ev) }

	router := &transport.Router{
		Sessions:    sessions,
		Registry:    registry,
		Loop:        loop,
		Sink:        sink,
		ConfigStore: configStore,
		Config: transport.RouterConfig{
			DefaultModel:  cfg.DefaultModel,
			RAGTopN:       cfg.RAGTopN,
			RAGThreshold:  cfg.RAGThreshold,
			MaxToolRounds: cfg.MaxToolRounds,
			InitialSkills: cfg.InitialSkills,
			HistoryLimit:  20,
		},
	}

	server := &transport.Server{
		SocketPath: cfg.SocketPath,
		Router:     router,
		Logger:     logger,
	}

	hb := &proactive.Heartbeat{
		Sessions: sessions,
		Sink:     sink,
		Interval: secondsToDuration(cfg.ProactiveIntervalSecs),
	}
	go hb.Run(ctx)

	logger.Info("rusterd starting", "socket_path", cfg.SocketPath, "base_dir", cfg.BaseDir)
	err = server.Serve(ctx)
	logger.Info("rusterd stopped")
	return err
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("socket-path"); v != "" {
		cfg.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("default-model"); v != "" {
		cfg.DefaultModel = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
}

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
