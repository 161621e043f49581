package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

type options struct {
	configPath string
	port       int
	dbPath     string
	staticDir  string
	debug      bool
}

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Real-time WebSocket chat relay",
		Long: `chatrelay accepts WebSocket clients, relays their chat messages and
typing signals to every other connected client and keeps everybody's
view of who is online consistent.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "~/.chatrelay/config.toml", "Path to config file")
	flags.IntVar(&opts.port, "port", 0, "HTTP port to listen on (overrides config and PORT)")
	flags.StringVar(&opts.dbPath, "db", "", "Path to SQLite database (overrides config)")
	flags.StringVar(&opts.staticDir, "static", "", "Directory with the web client (overrides config)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s\n", Version)
		},
	})

	return rootCmd
}

func run(cmd *cobra.Command, opts options) error {
	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ApplyEnvironment(os.Getenv); err != nil {
		return err
	}

	// Command-line flags override config file and environment
	if cmd.Flags().Changed("port") {
		config.SetPort(opts.port)
	}
	if opts.dbPath != "" {
		config.Server.DatabasePath = opts.dbPath
	}
	if opts.staticDir != "" {
		config.Server.StaticDir = opts.staticDir
	}

	serverConfig := config.ToServerConfig()
	serverConfig.Version = Version

	store, err := openStore(&config)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(registry)

	srv := server.NewServer(serverConfig, store, metrics)
	if opts.debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", opts.configPath)
	if err := srv.Start(); err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("chatrelay %s started successfully", Version)
	addr := srv.Addr()
	log.Printf("  - WebSocket: ws://%s/ws", addr)
	log.Printf("  - Status:    http://%s/status", addr)
	log.Printf("  - Metrics:   http://%s/metrics", addr)
	if serverConfig.StaticDir != "" {
		log.Printf("  - Web client from %s", serverConfig.StaticDir)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}

// openStore opens the configured database. No path means no persistence,
// reported as a nil store.
func openStore(config *server.TOMLConfig) (server.Store, error) {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dbPath == "" {
		log.Printf("Database: disabled (messages are relayed but not stored)")
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Nobody is connected to a process that just started.
	reset, err := db.ResetOnlineStatus()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset online status: %w", err)
	}
	log.Printf("Database: %s (%d stale online users reset)", dbPath, reset)
	return db, nil
}
