package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/auth"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/internal/httpclient"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/server"
	"github.com/teranos/bookenrich/version"
)

// ServerCmd starts the HTTP API
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the bookenrich HTTP API",
	Long: `Serve single lookups, batch jobs with SSE/WebSocket progress streams,
and the cover image proxy.

Configuration is read from bookenrich.toml (see "bookenrich am where"). Provider
rate limits, timeouts and the merge policy are reloaded when the file changes.`,
	RunE: runServer,
}

var (
	serverPort    int
	serverDBPath  string
	serverNoWatch bool
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Listen port (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoWatch, "no-watch", false, "Do not reload configuration on file changes")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Server defaults to Info so lifecycle messages are visible
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = logger.VerbosityInfo
		if err := logger.InitializeWithLevel(logger.JSONOutput, logger.VerbosityToLevel(verbosity)); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
	}
	log := logger.Logger.Named("server")

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	port := cfg.GetServerPort()
	if serverPort > 0 {
		port = serverPort
	}

	a, err := openApp(cfg, serverDBPath, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var watcher *am.ConfigWatcher
	if !serverNoWatch {
		watcher = startConfigWatcher(a)
	}

	fetcher := httpclient.NewSaferClient(time.Duration(cfg.Images.FetchTimeoutSeconds) * time.Second)
	srv, err := server.New(server.Deps{
		Coordinator:   a.coordinator,
		Enricher:      a.orchestrator,
		Covers:        a.cache,
		Fetcher:       fetcher,
		Tokens:        auth.NewTokenManager(cfg.Auth),
		ConfigWatcher: watcher,
	}, server.ConfigFrom(cfg, version.Get().Version), log)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}

	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	printStartupBanner(verbosity, port, dbPath, a.orchestrator.Chain(), cfg.Auth.JWTSecret != "")

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop(context.Background())
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// startConfigWatcher watches the highest-precedence config file. Without a
// config file there is nothing to watch and defaults stay in effect.
func startConfigWatcher(a *app) *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		a.logger.Debugw("No config file loaded, hot reload disabled")
		return nil
	}
	path := files[len(files)-1]

	watcher, err := am.NewConfigWatcher(path, a.logger.Named("config"))
	if err != nil {
		a.logger.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(a.reload)
	am.SetGlobalWatcher(watcher)
	return watcher
}
