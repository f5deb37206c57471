// Relayd — relay server entry point.
//
// The relay authenticates desktop-sharing clients, pairs controllers with
// targets, and routes permission, chat, and stream traffic between them.
// Accounts, sessions, chat history, and the audit log live in a SQLite file
// next to the server.
//
// It is configured from an optional YAML file plus CLI flags; flags win.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/relay"
	"github.com/deskrelay/deskrelay/internal/store"
	"github.com/deskrelay/deskrelay/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := pflag.String("config", "", "Path to YAML config file")
	listen := pflag.String("listen", "", "TCP listen address (host:port)")
	wsListen := pflag.String("ws-listen", "", "WebSocket listen address, empty disables")
	dbPath := pflag.String("db", "", "SQLite database path")
	addUser := pflag.String("add-user", "", "Create account 'username:password' and exit")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg, err := loadConfig(*configPath, *listen, *wsListen, *dbPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Relayd — v%s", version))
	pterm.Println()

	st, err := openStore(cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer st.Close()

	if *addUser != "" {
		runAddUser(ctx, st, *addUser)
		return
	}

	runServer(ctx, cfg, st)
	util.LogInfo("relay shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runServer serves the TCP listener and, when configured, the WebSocket
// listener until the context is cancelled or a listener fails.
func runServer(ctx context.Context, cfg *config.Config, st store.Store) {
	srv := relay.New(st, registry.New(), relay.Options{ReadTimeout: time.Duration(cfg.ReadTimeout)})
	util.StartStatsReporter(ctx)

	// Each listener runs on its own goroutine; the first failure (or the
	// nil that follows ctx cancellation) ends the process.
	errCh := make(chan error, 2)
	if cfg.Listen != "" {
		go func() { errCh <- srv.ListenAndServe(ctx, cfg.Listen) }()
	}
	if cfg.WSListen != "" {
		go func() { errCh <- srv.ListenAndServeWS(ctx, cfg.WSListen) }()
	}

	if err := <-errCh; err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// runAddUser creates one account from a 'username:password' spec.
func runAddUser(ctx context.Context, st store.Store, spec string) {
	username, password, ok := strings.Cut(spec, ":")
	if !ok || username == "" || password == "" {
		util.LogError("invalid --add-user value, want username:password")
		os.Exit(1)
	}
	if err := st.AddUser(ctx, username, password); err != nil {
		util.LogError("creating account %s: %v", username, err)
		os.Exit(1)
	}
	util.LogInfo("account %s created", username)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// openStore picks the persistence backend: SQLite for a configured path, the
// volatile in-memory store otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DBPath == "" {
		util.LogWarning("no database path configured, accounts and history will not survive a restart")
		return store.NewMemory(), nil
	}
	st, err := store.OpenSQLite(cfg.DBPath, cfg.DBPoolSize)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

// loadConfig merges defaults, the optional config file, and flag overrides.
func loadConfig(path, listen, wsListen, dbPath string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if listen != "" {
		cfg.Listen = listen
	}
	if wsListen != "" {
		cfg.WSListen = wsListen
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
