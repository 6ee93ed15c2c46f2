package configcmder

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/dbpath"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

const configLongDesc string = `Read and write runtime settings stored in the database.

Stored settings override the config file and environment for a
running server, starting with its next request.

Keys:
  openai_api_url   Chat completion endpoint URL
  openai_api_key   API key (masked on get unless --reveal)
  openai_model     Model name

Examples:
  chatrelay config get
  chatrelay config get openai_model
  chatrelay config set openai_model Qwen/Qwen2-7B-Instruct`

const configShortDesc string = "Manage stored upstream settings"

var keys = []string{upstream.KeyAPIURL, upstream.KeyAPIKey, upstream.KeyModel}

var descriptions = map[string]string{
	upstream.KeyAPIURL: "OpenAI API URL",
	upstream.KeyAPIKey: "OpenAI API Key",
	upstream.KeyModel:  "OpenAI Model Name",
}

type configCommander struct {
	sqlitePath string
	reveal     bool
}

func NewConfigCmd() *cobra.Command {
	cmder := &configCommander{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.PersistentFlags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to SQLite database")

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print stored settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.get(cmd.Context(), cmd, args)
		},
	}
	get.Flags().BoolVar(&cmder.reveal, "reveal", false, "Print the API key unmasked")

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.set(cmd.Context(), cmd, args[0], args[1])
		},
	}

	cmd.AddCommand(get, set)

	return cmd
}

func (c *configCommander) open() (*store.SQLiteStore, error) {
	path, err := dbpath.Resolve(c.sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("could not resolve database: %w", err)
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}

	return s, nil
}

func validKey(key string) error {
	if !slices.Contains(keys, key) {
		return fmt.Errorf("unknown key %q (expected one of %s)", key, strings.Join(keys, ", "))
	}
	return nil
}

func (c *configCommander) get(ctx context.Context, cmd *cobra.Command, args []string) error {
	selected := keys
	if len(args) == 1 {
		if err := validKey(args[0]); err != nil {
			return err
		}
		selected = args
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, key := range selected {
		value, err := s.GetConfig(ctx, key, "")
		if err != nil {
			return fmt.Errorf("could not read %s: %w", key, err)
		}

		if key == upstream.KeyAPIKey && !c.reveal {
			value = upstream.Settings{Key: value}.Masked().Key
		}
		if value == "" {
			value = "(unset)"
		}

		if len(selected) == 1 {
			fmt.Fprintln(cmd.OutOrStdout(), value)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		}
	}

	return nil
}

func (c *configCommander) set(ctx context.Context, cmd *cobra.Command, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SetConfig(ctx, key, strings.TrimSpace(value), descriptions[key]); err != nil {
		return fmt.Errorf("could not write %s: %w", key, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", key)
	return nil
}
