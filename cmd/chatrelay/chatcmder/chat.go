package chatcmder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
)

const chatLongDesc string = `Chat with a running relay server from the terminal.

Replies stream in as they arrive. With --markdown the finished reply
is rendered as Markdown instead. Each line read from stdin is sent as
one message; an empty line or EOF ends the session.

Examples:
  chatrelay chat
  chatrelay chat --server http://192.168.1.42:5000 --conversation 7
  echo "Hello" | chatrelay chat --message-only`

const chatShortDesc string = "Chat with a relay server"

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	faintStyle     = lipgloss.NewStyle().Faint(true)
)

type chatCommander struct {
	serverURL      string
	conversationID int64
	markdown       bool
	messageOnly    bool

	client   *Client
	out      io.Writer
	renderer *glamour.TermRenderer
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.serverURL, "server", "http://localhost:5000", "Relay server URL")
	cmd.Flags().Int64Var(&cmder.conversationID, "conversation", 0, "Continue an existing conversation")
	cmd.Flags().BoolVar(&cmder.markdown, "markdown", false, "Render finished replies as Markdown")
	cmd.Flags().BoolVar(&cmder.messageOnly, "message-only", false, "Print only reply text, without labels or history")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command) error {
	client, err := NewClient(c.serverURL)
	if err != nil {
		return err
	}
	c.client = client
	c.out = cmd.OutOrStdout()

	if c.markdown {
		if c.renderer, err = newRenderer(c.out); err != nil {
			return fmt.Errorf("could not create renderer: %w", err)
		}
	}

	if c.conversationID == 0 {
		if c.conversationID, err = client.NewConversation(ctx); err != nil {
			return fmt.Errorf("could not create conversation: %w", err)
		}
		c.printf("%s\n", faintStyle.Render(fmt.Sprintf("conversation %d", c.conversationID)))
	} else if !c.messageOnly {
		if err := c.printHistory(ctx); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		c.printf("%s ", userLabel.Render("you>"))
		if !scanner.Scan() {
			break
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			break
		}

		if err := c.turn(ctx, text); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// turn sends one message and prints the reply as it streams.
func (c *chatCommander) turn(ctx context.Context, text string) error {
	c.printf("%s ", assistantLabel.Render("ai>"))

	var failed string
	err := c.client.Send(ctx, c.conversationID, text, func(ev relay.Event) {
		switch ev.Type {
		case relay.EventAIChunk:
			if c.renderer == nil {
				fmt.Fprint(c.out, ansi.Strip(ev.Content))
			}
		case relay.EventAIComplete:
			if c.renderer != nil {
				fmt.Fprint(c.out, c.render(ev.Message.Content))
			}
		case relay.EventError:
			failed = ev.Error
		}
	})
	fmt.Fprintln(c.out)

	if err != nil {
		return err
	}
	if failed != "" {
		fmt.Fprintln(c.out, errorStyle.Render("error: "+failed))
	}

	return nil
}

func (c *chatCommander) printHistory(ctx context.Context) error {
	msgs, err := c.client.Messages(ctx, c.conversationID)
	if err != nil {
		return fmt.Errorf("could not load conversation %d: %w", c.conversationID, err)
	}

	for _, msg := range msgs {
		label := userLabel.Render("you>")
		content := ansi.Strip(msg.Content)
		if msg.Role == store.RoleAssistant {
			label = assistantLabel.Render("ai>")
			content = c.render(content)
		}
		fmt.Fprintf(c.out, "%s %s\n", label, strings.TrimSpace(content))
	}

	return nil
}

// render formats a reply for the terminal. Escape sequences in model
// output are removed before rendering.
func (c *chatCommander) render(content string) string {
	content = ansi.Strip(content)
	if c.renderer == nil {
		return content
	}
	rendered, err := c.renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// printf writes decoration that --message-only suppresses.
func (c *chatCommander) printf(format string, args ...any) {
	if c.messageOnly {
		return
	}
	fmt.Fprintf(c.out, format, args...)
}

// newRenderer sizes the Markdown renderer to the terminal behind out, or
// falls back to plain styling when out is not a terminal.
func newRenderer(out io.Writer) (*glamour.TermRenderer, error) {
	width := 80
	style := "notty"

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		style = "light"
		if termenv.NewOutput(f).HasDarkBackground() {
			style = "dark"
		}
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}

	return glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
}
