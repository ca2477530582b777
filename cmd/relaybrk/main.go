// Package main is the CLI entry point for relaybrk — a reverse request
// broker that accepts inbound HTTP on short slugs and dispatches each
// request to a remote handler over a persistent control-channel
// WebSocket, the way a tunnel client would, but with the broker holding
// the public listener.
//
// Architecture overview:
//
//	Caller --HTTP--> relaybrk broker (:3000) --WS control channel--> remote handler
//	                   |
//	                   +-- slug -> handler binding (single holder)
//	                   |-- pending-request table with forward/queue deadlines
//	                   |-- rate limit + input validation on admission
//	                   +-- observability ring + dashboard fanout
//
// CLI commands (cobra):
//
//	relaybrk start          - Start the broker
//	relaybrk status         - Query a running broker's /api/status
//	relaybrk config show    - Print the active configuration
//	relaybrk config init    - Write a default config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybrk/relaybrk/internal/authshim"
	"github.com/relaybrk/relaybrk/internal/config"
	"github.com/relaybrk/relaybrk/internal/dispatch"
	"github.com/relaybrk/relaybrk/internal/httpapi"
	"github.com/relaybrk/relaybrk/internal/ids"
	"github.com/relaybrk/relaybrk/internal/observability"
	"github.com/relaybrk/relaybrk/internal/ratelimit"
	"github.com/relaybrk/relaybrk/internal/registry"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configDir is the global flag for the broker's config/state directory.
var configDir string

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybrk"
	}
	return filepath.Join(home, ".relaybrk")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relaybrk",
	Short: "relaybrk — reverse request broker",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "broker config/state directory")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broker",
	Long: `Start the broker. It listens on the address configured in
config.yaml and serves both the HTTP admission surface (/{slug}),
the control-channel WebSocket (/ws), and the status dashboard
(/status).`,
	RunE: runStart,
}

// runStart wires every subsystem together and blocks until shutdown.
//
//  1. Load config.yaml (or defaults if absent)
//  2. Open the observability sink (in-memory ring + optional SQLite export)
//  3. Build the registry table, rate-limit gate, optional slug whitelist
//  4. Build the dispatch engine
//  5. Build the HTTP server (httpapi.Server) and bind it to a listener
//  6. Start background maintenance loops (rate-limit pruning, stats retention)
//  7. Block on SIGINT/SIGTERM, then drain in flight work
func runStart(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var store observability.Store
	if cfg.Observability.LogStorePath != "" {
		logStore, openErr := observability.OpenLogStore(filepath.Join(configDir, cfg.Observability.LogStorePath))
		if openErr != nil {
			return fmt.Errorf("opening log store: %w", openErr)
		}
		defer logStore.Close()
		store = logStore
	}

	hub := observability.NewHub()
	hubDone := make(chan struct{})
	go hub.Run(hubDone)
	defer close(hubDone)

	sink := observability.New(store, hub)
	stopSinkMaintenance := sink.Run(time.Now, observability.DefaultLogRetention, observability.DefaultStatsRetention)
	defer stopSinkMaintenance()

	table := registry.New()
	engine := dispatch.New(table, sink, ids.RealClock{}, dispatch.DefaultConfig())
	defer engine.Shutdown()

	gateCfg := ratelimit.Config{
		Enabled:              cfg.RateLimit.Enabled,
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		MaxConnectionsPerIP:  cfg.RateLimit.MaxConnectionsPerIP,
	}
	gate := ratelimit.New(gateCfg)
	stopGateMaintenance := gate.Run(time.Minute, func() time.Time { return time.Now() })
	defer stopGateMaintenance()

	var whitelist *config.Whitelist
	if len(cfg.Validation.SlugWhitelist) > 0 || cfg.Validation.WhitelistFile != "" {
		patterns := cfg.Validation.SlugWhitelist
		if cfg.Validation.WhitelistFile != "" {
			filePatterns, loadErr := config.LoadWhitelistFile(filepath.Join(configDir, cfg.Validation.WhitelistFile))
			if loadErr != nil {
				return fmt.Errorf("loading slug whitelist: %w", loadErr)
			}
			patterns = append(patterns, filePatterns...)
		}
		whitelist, err = config.NewWhitelist(patterns)
		if err != nil {
			return fmt.Errorf("compiling slug whitelist: %w", err)
		}
		if cfg.Validation.WhitelistFile != "" {
			watcher, watchErr := config.WatchWhitelistFile(filepath.Join(configDir, cfg.Validation.WhitelistFile), whitelist)
			if watchErr != nil {
				return fmt.Errorf("watching slug whitelist file: %w", watchErr)
			}
			defer watcher.Close()
		}
	}

	shim := authshim.New(cfg.Auth.AdminPassword, cfg.Auth.TokenSecret)
	startedAt := time.Now()
	api := httpapi.New(cfg, engine, gate, whitelist, shim, sink, hub, startedAt)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a forwarded request can take up to the engine's
		// forward deadline (150s) to complete.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[relaybrk] %s (%s, built %s)\n", version, commit, buildDate)
		fmt.Printf("[relaybrk] listening on http://0.0.0.0%s\n", server.Addr)
		fmt.Println("[relaybrk] press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[relaybrk] shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[relaybrk] shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[relaybrk] stopped")
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running broker",
	Long:  "Query a running broker's /api/status for active slugs and pending requests.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[relaybrk] status: NOT RUNNING")
		fmt.Printf("[relaybrk] expected at: %s\n", addr)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Println("[relaybrk] status: RUNNING (authentication required to query /api/status)")
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Println("[relaybrk] could not read status response")
		return nil
	}

	var parsed struct {
		ActiveClients   []string `json:"activeClients"`
		PendingRequests int      `json:"pendingRequests"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Println("[relaybrk] could not parse status response")
		return nil
	}

	fmt.Println("[relaybrk] status: RUNNING")
	fmt.Printf("[relaybrk] listening on: %s\n", addr)
	fmt.Printf("[relaybrk] active slugs: %d, pending requests: %d\n", len(parsed.ActiveClients), parsed.PendingRequests)
	for _, slug := range parsed.ActiveClients {
		fmt.Printf("  - %s\n", slug)
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialise the broker configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("no config file at %s; run 'relaybrk config init' to create one\n", path)
				return nil
			}
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}
