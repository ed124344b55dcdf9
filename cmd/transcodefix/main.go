package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/transcodefix/internal/config"
	"github.com/saltyorg/transcodefix/internal/database"
	"github.com/saltyorg/transcodefix/internal/logging"
	"github.com/saltyorg/transcodefix/internal/notification"
	"github.com/saltyorg/transcodefix/internal/plex"
	"github.com/saltyorg/transcodefix/internal/remediate"
	"github.com/saltyorg/transcodefix/internal/scanner"
	"github.com/saltyorg/transcodefix/internal/web"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	configPath string
	dbPath     string
	port       int
	bind       string
	dryRun     bool
	verbosity  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "transcodefix",
		Short: "Transcodefix - Plex audio transcode remediation",
		Long:  `Transcodefix watches a Plex server for sessions transcoding because of an incompatible audio track and switches them to a compatible one.`,
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (TOML)")
	rootCmd.Flags().StringVarP(&dbPath, "db", "d", "./transcodefix.db", "SQLite database path (or set DB_PATH env var)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (overrides config)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log intended track switches without touching the server")
	rootCmd.Flags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("transcodefix %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if dbPath == "./transcodefix.db" {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			dbPath = envDB
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flag overrides
	if port != 0 {
		cfg.Server.Port = port
	}
	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
		cfg.Server.Bind = bind
	}
	if dryRun {
		cfg.Remediation.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	switch verbosity {
	case 0:
	case 1:
		level = "debug"
	default: // 2+
		level = "trace"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = logging.FilePathForDB(dbPath)
	}
	logging.Apply(level, cfg.Logging)

	if len(cfg.Server.AllowSubnets) == 0 && (cfg.Server.Bind == "" || cfg.Server.Bind == "0.0.0.0" || cfg.Server.Bind == "::") {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider setting server.bind or server.allow_subnets.")
	}

	log.Info().
		Str("version", version).
		Str("config", configPath).
		Str("database", dbPath).
		Bool("dry_run", cfg.Remediation.DryRun).
		Msg("Starting Transcodefix")

	db, err := database.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	client := plex.NewClient(cfg.Plex.URL, cfg.Plex.Token, time.Duration(cfg.Plex.TimeoutSeconds)*time.Second)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = client.TestConnection(startupCtx)
	startupCancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Plex.URL).Msg("Failed to connect to Plex server")
	}

	ruleWatcher, err := config.NewRuleWatcher(configPath, cfg.Rules)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rule watcher")
	}
	if err := ruleWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Rule hot-reload unavailable, using startup rules")
	}
	defer ruleWatcher.Stop()

	var notifier remediate.Notifier
	if webhook := notification.NewWebhook(notification.WebhookConfig{
		URL:     cfg.Webhook.URL,
		Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
	}); webhook != nil {
		notifier = webhook
	}

	cache := remediate.NewCache(cfg.ValidationTimeout())
	reconciler := remediate.NewReconciler(client, cache, ruleWatcher.Rules, remediate.Config{
		DryRun:            cfg.Remediation.DryRun,
		ForceRestart:      cfg.Remediation.ForceRestart,
		OwnerUsername:     cfg.Plex.OwnerUsername,
		TerminateReason:   cfg.Remediation.TerminateReason,
		ValidationTimeout: cfg.ValidationTimeout(),
	}, db, notifier)

	poller := remediate.NewPoller(client, reconciler, cfg.PollInterval(), cfg.SweepInterval())
	poller.Start()
	defer poller.Stop()

	ingestor := remediate.NewIngestor(client, reconciler)
	ingestor.Start()
	defer ingestor.Stop()

	listener := plex.NewListener(client, ingestor)
	listener.Start()
	defer listener.Stop()

	var scanMgr *scanner.Manager
	var scanCtl web.ScanController
	if cfg.Scanner.Enabled {
		libScanner := scanner.New(client, db, ruleWatcher.Rules, scanner.Config{
			Sections: cfg.Scanner.Sections,
			Workers:  cfg.Scanner.Workers,
			DryRun:   cfg.Remediation.DryRun,
		})
		scanMgr = scanner.NewManager(libScanner, cfg.Scanner.Schedule)
		scanMgr.Start()
		defer scanMgr.Stop()
		scanCtl = scanMgr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if days := cfg.Remediation.HistoryRetentionDays; days > 0 {
		go pruneHistoryLoop(ctx, db, time.Duration(days)*24*time.Hour)
	}

	server, err := web.NewServer(cfg.Server.Bind, cfg.Server.Port, cfg.Server.AllowSubnets, db, ingestor, poller, cache, scanCtl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize HTTP server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Transcodefix stopped")
	return nil
}

// pruneHistoryLoop deletes remediation history past the retention window,
// once at startup and then daily.
func pruneHistoryLoop(ctx context.Context, db *database.DB, retention time.Duration) {
	prune := func() {
		removed, err := db.PruneHistory(retention)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune remediation history")
			return
		}
		if removed > 0 {
			log.Debug().Int64("removed", removed).Msg("Pruned remediation history")
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
