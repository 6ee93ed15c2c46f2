package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/chatcmder"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/configcmder"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/servecmder"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/testconncmder"
)

const rootLongDesc string = `chatrelay relays chat conversations to an OpenAI-compatible
completion API, streams replies back as they are produced, and keeps
every exchange in a local SQLite database.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Streaming chat relay",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		servecmder.NewServeCmd(),
		testconncmder.NewTestConnCmd(),
		configcmder.NewConfigCmd(),
		chatcmder.NewChatCmd(),
	)

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
