package testconncmder

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/dbpath"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
	"github.com/papercomputeco/chatrelay/server"
)

const testConnLongDesc string = `Send a short probe prompt to the upstream chat completion API.

Settings default to those saved in the local database, falling back
to the config file and environment. Flags override individual fields.
Nothing is saved.

Examples:
  chatrelay test-connection
  chatrelay test-connection --url https://api.example.com/v1/chat/completions --key sk-... --model my-model`

const testConnShortDesc string = "Test the upstream API connection"

// ErrConnectionFailed is returned when the probe does not succeed.
var ErrConnectionFailed = errors.New("connection test failed")

type testConnCommander struct {
	configPath string
	sqlitePath string
	url        string
	key        string
	model      string
}

func NewTestConnCmd() *cobra.Command {
	cmder := &testConnCommander{}

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: testConnShortDesc,
		Long:  testConnLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to TOML config file")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to SQLite database")
	cmd.Flags().StringVar(&cmder.url, "url", "", "Chat completion endpoint URL")
	cmd.Flags().StringVar(&cmder.key, "key", "", "API key")
	cmd.Flags().StringVar(&cmder.model, "model", "", "Model name")

	return cmd
}

func (c *testConnCommander) run(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := server.LoadConfig(c.configPath)
	if err != nil {
		return err
	}

	dbPath, err := dbpath.Resolve(c.sqlitePath)
	if err != nil {
		return fmt.Errorf("could not resolve database: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("could not open database %s: %w", dbPath, err)
	}
	defer s.Close()

	resolver := upstream.NewResolver(s, cfg.Settings())
	client := upstream.New(cfg.UpstreamClientConfig(), resolver, zap.NewNop())

	diag := client.TestConnection(ctx, c.url, c.key, c.model)
	fmt.Fprintln(cmd.OutOrStdout(), diag.Message)

	if !diag.Success {
		return ErrConnectionFailed
	}
	return nil
}
