package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/logging/loki"
	"github.com/filevault/filevault/internal/nfs"
	"github.com/filevault/filevault/internal/svc"
	"github.com/filevault/filevault/internal/vault"
)

// Version information, set at build time via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile     string
	logLevel    string
	actingUser  string
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filevault",
		Short: "FileVault - content-addressed deduplicating file store",
		Long: `FileVault stores files by content hash: identical content is kept
once on disk no matter how many users upload it, while every user's
quota is charged for the full logical size they store.

QUICK START:

  # Create a vault (generates encryption and share-signing keys):
  filevault init

  # Register a user and upload a file:
  filevault user add alice --name "Alice" --email alice@example.com
  filevault upload report.pdf --user alice

  # See dedup savings:
  filevault stats

For more help on any command, use: filevault <command> --help`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&actingUser, "user", "u", "", "acting vault user")

	initCmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a new vault and write its config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("filevault %s (commit %s, built %s, %s/%s)\n",
				Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
		},
	}
	rootCmd.AddCommand(versionCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vault daemon (NFS export, metrics)",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address (e.g. :9090)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newMkdirCmd())
	rootCmd.AddCommand(newMvCmd())
	rootCmd.AddCommand(newRenameCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "filevault.yaml"
	}
	return filepath.Join(home, ".filevault", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config (run 'filevault init' first?): %w", err)
	}
	return cfg, nil
}

// openVault loads the config and opens the service with audit logging
// and share tokens wired in.
func openVault() (*vault.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	key, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	svc, err := vault.Open(cfg.DataDir, key, int64(cfg.DefaultQuota))
	if err != nil {
		return nil, nil, err
	}
	svc.SetAuditLogger(audit.NewLogger(&log.Logger))
	if cfg.Share.Secret != "" {
		ttl := time.Duration(cfg.Share.ExpiryDays) * 24 * time.Hour
		issuer, err := vault.NewShareTokenIssuer([]byte(cfg.Share.Secret), cfg.Share.URLBase, ttl)
		if err != nil {
			return nil, nil, err
		}
		svc.SetShareTokenIssuer(issuer)
	}
	return svc, cfg, nil
}

// requireUser returns the acting user or an error if --user was not given.
func requireUser() (string, error) {
	if actingUser == "" {
		return "", fmt.Errorf("--user is required")
	}
	return actingUser, nil
}

func runInit(_ *cobra.Command, args []string) error {
	dir := ""
	if len(args) > 0 {
		dir = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".filevault")
	}
	dataDir := filepath.Join(dir, "data")

	path := cfgFile
	if path == "" {
		path = filepath.Join(dir, "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default(dataDir)
	masterKey, err := config.GenerateMasterKey()
	if err != nil {
		return err
	}
	shareSecret, err := config.GenerateShareSecret()
	if err != nil {
		return err
	}
	cfg.MasterKey = masterKey
	cfg.Share.Secret = shareSecret

	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("Vault initialized.\n")
	fmt.Printf("  Config:   %s\n", path)
	fmt.Printf("  Data dir: %s\n", dataDir)
	fmt.Printf("\nKeep the config file safe: it holds the blob encryption key.\n")
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	if !svc.Interactive() {
		// Launched by the service manager: report lifecycle through it.
		prg := &svc.Program{
			ConfigPath: cfgFile,
			RunServe: func(ctx context.Context, configPath string) error {
				cfgFile = configPath
				return serveLoop(ctx)
			},
		}
		return svc.Run(prg, getServiceConfig())
	}
	return serveLoop(context.Background())
}

func serveLoop(ctx context.Context) error {
	vaultSvc, cfg, err := openVault()
	if err != nil {
		return err
	}

	if cfg.Loki.Enabled && cfg.Loki.URL != "" {
		flushInterval, err := time.ParseDuration(cfg.Loki.FlushInterval)
		if err != nil {
			flushInterval = 5 * time.Second
		}
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: flushInterval,
			Labels: map[string]string{
				"version": Version,
			},
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		vaultSvc.SetAuditLogger(audit.NewLogger(&log.Logger))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		vaultSvc.SetMetrics(vault.InitMetrics(registry))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("metrics server started")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	var nfsServer *nfs.Server
	if cfg.NFS.Enabled {
		nfsServer = nfs.NewServer(vaultSvc, nfs.Config{
			Address: cfg.NFS.Listen,
			UserID:  cfg.NFS.User,
		})
		if err := nfsServer.Start(); err != nil {
			return fmt.Errorf("start NFS server: %w", err)
		}
	}

	log.Info().
		Int("files", vaultSvc.FileCount()).
		Str("data_dir", cfg.DataDir).
		Msg("vault daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	if nfsServer != nil {
		_ = nfsServer.Stop()
	}
	log.Info().Msg("vault daemon stopped")
	return nil
}
