package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nnoe/agent/internal/config"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	debug      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nnoe-agent",
	Short: "NNOE node agent",
	Long: `nnoe-agent is the per-node DDI agent: it watches a distributed
configuration store and drives local DNS, DHCP, filter, policy, and
security-audit daemons from the state it finds there.`,
	Version: Version,
	// No subcommand given behaves the same as "run".
	RunE: runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nnoe-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/nnoe/agent.toml", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: false})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent (default when no subcommand is given)",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	initLogging()
	logger := log.WithComponent("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	logger.Info().Str("path", configPath).Str("node", cfg.Node.Name).Str("role", string(cfg.Node.Role)).Msg("configuration loaded")

	kv, err := kvdb.New(kvdb.Config{
		Endpoints: cfg.KVDB.Endpoints,
		Prefix:    cfg.KVDB.Prefix,
		Timeout:   time.Duration(cfg.KVDB.TimeoutMS) * time.Millisecond,
		TLS:       toKVDBTLS(cfg.KVDB.TLS),
	})
	if err != nil {
		return fmt.Errorf("connecting to kvdb: %w", err)
	}
	defer kv.Close()

	orch, err := orchestrator.New(cfg, kv)
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}

	metricsSrv := &http.Server{Addr: ":9090", Handler: metricsHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("agent exited: %w", runErr)
	}
	logger.Info().Msg("agent stopped")
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		fmt.Printf("Configuration valid: %s\n", configPath)
		fmt.Printf("  node.name: %s\n", cfg.Node.Name)
		fmt.Printf("  node.role: %s\n", cfg.Node.Role)
		fmt.Printf("  kvdb.endpoints: %v\n", cfg.KVDB.Endpoints)
		fmt.Printf("  cache.path: %s\n", cfg.Cache.Path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("nnoe-agent %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}

func toKVDBTLS(t *config.TLSConfig) *kvdb.TLSConfig {
	if t == nil {
		return nil
	}
	return &kvdb.TLSConfig{CACert: t.CACert, Cert: t.Cert, Key: t.Key, Verify: t.Verify}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
