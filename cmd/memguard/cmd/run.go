package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/memguard/pkg/api"
	"github.com/psantana5/memguard/pkg/config"
	"github.com/psantana5/memguard/pkg/conversation"
	"github.com/psantana5/memguard/pkg/guardian"
	"github.com/psantana5/memguard/pkg/journal"
	"github.com/psantana5/memguard/pkg/logging"
	"github.com/psantana5/memguard/pkg/metrics"
	"github.com/psantana5/memguard/pkg/state"
	"github.com/psantana5/memguard/pkg/storage"
)

var (
	runStateFile string
	runListen    string
	runNoAPI     bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- command [args...]]",
	Short: "Supervise a process under memory guardianship",
	Long: `Starts the supervised process and the guardian loop. The command to
supervise comes from the config file, or from the arguments after --, which
take precedence.

The guardian runs until interrupted. On SIGINT or SIGTERM it captures a final
state snapshot, terminates the supervised process gracefully and exits.`,
	RunE: runGuardian,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runStateFile, "state-file", "", "override the snapshot state file path")
	runCmd.Flags().StringVar(&runListen, "listen", "", "override the status API listen address")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "disable the status API server")
}

func runGuardian(cmd *cobra.Command, args []string) error {
	cfg := config.FromViper(viper.GetViper())

	if len(args) > 0 {
		cfg.Process.Command = args[0]
		cfg.Process.Args = args[1:]
	}
	if runStateFile != "" {
		cfg.Persistence.StateFile = runStateFile
	}
	if runListen != "" {
		cfg.API.Listen = runListen
	}
	if runNoAPI {
		cfg.API.Enabled = false
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var sink guardian.EventSink
	var j *journal.Journal
	if cfg.Persistence.Enabled && cfg.Persistence.JournalPath != "" {
		j, err = journal.Open(cfg.Persistence.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open restart journal: %w", err)
		}
		defer j.Close()
		sink = j
	}

	g, err := guardian.New(cfg, nil, sink, m, logger)
	if err != nil {
		return err
	}

	var stateMgr *state.Manager
	if cfg.Persistence.Enabled {
		st := storage.New()
		extractor := conversation.NewExtractor(cfg.Process.SessionFile, logger)
		stateMgr = state.NewManager(state.Options{
			StateFile: cfg.Persistence.StateFile,
			Compress:  cfg.Persistence.Compress,
			CacheSize: cfg.Persistence.CacheSize,
			CacheTTL:  cfg.Persistence.CacheTTL,
		}, st, extractor, g, logger)
		g.SetStateManager(stateMgr)
		metrics.RegisterStateStats(registry, stateMgr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stateMgr != nil && cfg.Persistence.RetentionDays > 0 {
		go stateMgr.RunCleanupLoop(ctx, cfg.Persistence.CleanupInterval, cfg.Persistence.RetentionDays)
	}
	if j != nil && cfg.Persistence.RetentionDays > 0 {
		go runJournalPrune(ctx, j, cfg.Persistence.RetentionDays, logger)
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.New(cfg.API, g, stateMgr, j, registry, logger)
		server.Start()
		defer server.Stop()
	}

	logger.Info("Guardian starting", map[string]interface{}{
		"command":      cfg.Process.Command,
		"warning_mb":   cfg.Thresholds.WarningMB,
		"critical_mb":  cfg.Thresholds.CriticalMB,
		"emergency_mb": cfg.Thresholds.EmergencyMB,
	})

	if err := g.Run(ctx); err != nil {
		g.Shutdown()
		return fmt.Errorf("guardian loop failed: %w", err)
	}

	g.Shutdown()
	return nil
}

func runJournalPrune(ctx context.Context, j *journal.Journal, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if removed, err := j.Prune(cutoff); err != nil {
				logger.Warn("Journal prune failed", map[string]interface{}{"error": err.Error()})
			} else if removed > 0 {
				logger.Info("Journal pruned", map[string]interface{}{"removed": removed})
			}
		}
	}
}

func buildLogger(cfg config.Logging) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File != "" {
		logger, err := logging.NewFileLogger(cfg.File, level, cfg.JSONFormat)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return logger, nil
	}
	return logging.NewLogger(level, cfg.JSONFormat), nil
}
