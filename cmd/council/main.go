// Package main provides the council binary entry point.
// Council fans a query out to a panel of LLM members, runs an
// anonymized peer-review round, and has a chairman model synthesize
// the final answer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/council/llm/providers"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
	"github.com/c360studio/council/llm"
	"github.com/c360studio/council/mirror"
	"github.com/c360studio/council/server"
	"github.com/spf13/cobra"
)

const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "council"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "council",
		Short: "Multi-model deliberation service",
		Long: `Council queries a panel of language models in parallel, lets every
member review the anonymized answers of the whole panel, and asks a
chairman model to synthesize the final response.

It serves:
- WebSocket sessions streaming per-stage progress to the client
- a synchronous query endpoint for scripted use
- health and Prometheus metrics endpoints

Configuration is layered: defaults, user config, project config
(council.yaml), then COUNCIL_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	cmd.Flags().BoolVar(&watch, "watch-config", false, "Reload the council roster when the config file changes")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	// Init command
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(newLogger("info")).EnsureUserConfig()
		},
	})

	cmd.AddCommand(checkCmd())

	return cmd
}

func run(configPath, logLevel string, watch bool) error {
	// Print banner
	printBanner()

	if watch && configPath == "" {
		return fmt.Errorf("--watch-config requires --config")
	}

	// Bootstrap logger until the configured level is known
	logger := newLogger("info")

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Configure logging; the --log-level flag wins over the config file
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger = newLogger(level)
	slog.SetDefault(logger)

	// Shared HTTP client for every model endpoint
	client := llm.NewClient(llm.WithLogger(logger))

	// Optional NATS session mirror; a dead broker must not block startup
	pub, err := mirror.Connect(cfg.Mirror, logger)
	if err != nil {
		logger.Warn("Session mirror unavailable, continuing without it",
			"url", cfg.Mirror.URL,
			"error", err)
	}
	defer pub.Close()

	srv := server.New(cfg, client,
		server.WithLogger(logger),
		server.WithMirror(pub))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watch {
		watcher, err := config.NewWatcher(configPath, cfg, logger, srv.ApplyConfig)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	members := make([]string, 0, len(cfg.Council.Members))
	for _, m := range cfg.Council.Members {
		members = append(members, m.Name)
	}
	slog.Info("Council ready",
		"version", Version,
		"members", strings.Join(members, ","),
		"chairman", cfg.Council.Chairman.Name,
		"addr", cfg.ListenAddr())

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("Council shutdown complete")
	return nil
}

// checkCmd probes every configured model endpoint and reports which
// ones are reachable. Exits non-zero when any endpoint is down.
func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe every configured model endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("warn")
			cfg, err := loadConfig(configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			client := llm.NewClient(llm.WithLogger(logger))
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			failures := 0
			probe := func(role string, mc config.MemberConfig) {
				member := council.MemberFromConfig(mc)
				if err := client.Healthy(ctx, member.Endpoint); err != nil {
					failures++
					fmt.Printf("✗ %s %s (%s): %v\n", role, mc.Name, mc.URL, err)
					return
				}
				fmt.Printf("✓ %s %s (%s)\n", role, mc.Name, mc.URL)
			}
			for _, mc := range cfg.Council.Members {
				probe("member  ", mc)
			}
			probe("chairman", cfg.Council.Chairman)

			if failures > 0 {
				return fmt.Errorf("%d of %d endpoints unreachable", failures, len(cfg.Council.Members)+1)
			}
			fmt.Println("All endpoints reachable.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	return cmd
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Council v" + Version + "                    ║")
	fmt.Println("║       Multi-Model Deliberation Service        ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
