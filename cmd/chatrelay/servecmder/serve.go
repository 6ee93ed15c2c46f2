package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/dbpath"
	"github.com/papercomputeco/chatrelay/pkg/logger"
	"github.com/papercomputeco/chatrelay/server"
)

const serveLongDesc string = `Run the chat relay HTTP server.

Settings are read from the TOML file given with --config, then
overridden by OPENAI_API_URL, OPENAI_API_KEY, OPENAI_MODEL and
CHATRELAY_LISTEN, then by flags. Upstream settings saved through the
admin endpoints take precedence over all of these. The config file
is watched and upstream defaults are reloaded when it changes.

Without an API key the server answers every message in demo mode.

Examples:
  chatrelay serve
  chatrelay serve --config chatrelay.toml --listen :8080
  chatrelay serve --memory --debug`

const serveShortDesc string = "Run the chat relay server"

type serveCommander struct {
	configPath string
	listenAddr string
	dbPath     string
	memory     bool
	debug      bool
	noStream   bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to TOML config file")
	cmd.Flags().StringVarP(&cmder.listenAddr, "listen", "l", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVarP(&cmder.dbPath, "sqlite", "s", "", "Path to SQLite database")
	cmd.Flags().BoolVar(&cmder.memory, "memory", false, "Keep everything in memory")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&cmder.noStream, "no-stream", false, "Request non-streaming completions upstream")

	return cmd
}

// config merges the file, environment and flags.
func (c *serveCommander) config() (server.Config, error) {
	cfg, err := server.LoadConfig(c.configPath)
	if err != nil {
		return server.Config{}, err
	}

	if c.listenAddr != "" {
		cfg.Server.ListenAddr = c.listenAddr
	}
	if c.debug {
		cfg.Server.Debug = true
	}
	if c.noStream {
		cfg.Server.Stream = false
	}

	switch {
	case c.memory:
		cfg.Server.DBPath = ""
	case c.dbPath != "" || cfg.Server.DBPath == "":
		path, err := dbpath.Resolve(c.dbPath)
		if err != nil {
			return server.Config{}, fmt.Errorf("could not resolve database: %w", err)
		}
		cfg.Server.DBPath = path
	}

	return cfg, nil
}

func (c *serveCommander) run(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Server.Debug, os.Stdout)
	defer log.Sync()

	s, err := server.OpenStore(cfg.Server.DBPath, log)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, s, log)
	if err != nil {
		s.Close()
		return fmt.Errorf("could not create server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.configPath != "" {
		go func() {
			if err := server.WatchConfig(ctx, c.configPath, log, srv.Reload); err != nil {
				log.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(); err != nil {
			log.Warn("shutdown failed", zap.Error(err))
		}
	}()

	if err := srv.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}
