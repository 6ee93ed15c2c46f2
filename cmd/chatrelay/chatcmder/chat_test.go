package chatcmder

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
	"github.com/papercomputeco/chatrelay/server"
)

var _ = Describe("Chat Command", func() {
	var (
		ctx  context.Context
		addr string
	)

	// startServer runs a demo-mode relay on a random port.
	startServer := func() string {
		cfg := server.DefaultConfig()
		cfg.Upstream.DemoDelay = 0

		srv, err := server.New(cfg, store.NewMemoryStore(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		go func() {
			_ = srv.RunWithListener(listener)
		}()

		DeferCleanup(func() {
			srv.Shutdown()
			srv.Close()
		})

		return "http://" + listener.Addr().String()
	}

	BeforeEach(func() {
		ctx = context.Background()
		addr = startServer()
	})

	Describe("Client", func() {
		It("streams a turn and reads it back", func() {
			client, err := NewClient(addr)
			Expect(err).NotTo(HaveOccurred())

			id, err := client.NewConversation(ctx)
			Expect(err).NotTo(HaveOccurred())

			var types []relay.EventType
			var reply strings.Builder
			err = client.Send(ctx, id, "Hello", func(ev relay.Event) {
				types = append(types, ev.Type)
				if ev.Type == relay.EventAIChunk {
					reply.WriteString(ev.Content)
				}
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(types[0]).To(Equal(relay.EventUserMessage))
			Expect(types[len(types)-1]).To(Equal(relay.EventAIComplete))
			Expect(reply.String()).To(Equal(upstream.DemoGreeting))

			msgs, err := client.Messages(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].Content).To(Equal(upstream.DemoGreeting))
		})

		It("keeps conversations private to its session", func() {
			owner, err := NewClient(addr)
			Expect(err).NotTo(HaveOccurred())
			id, err := owner.NewConversation(ctx)
			Expect(err).NotTo(HaveOccurred())

			other, err := NewClient(addr)
			Expect(err).NotTo(HaveOccurred())
			err = other.Send(ctx, id, "Hello", func(relay.Event) {})
			Expect(err).To(MatchError(ContainSubstring("server returned 404")))
		})
	})

	Describe("command", func() {
		execute := func(stdin string, args ...string) (string, error) {
			var out bytes.Buffer
			cmd := NewChatCmd()
			cmd.SetIn(strings.NewReader(stdin))
			cmd.SetOut(&out)
			cmd.SetArgs(append([]string{"--server", addr}, args...))
			err := cmd.ExecuteContext(ctx)
			return out.String(), err
		}

		It("prints only the reply with --message-only", func() {
			out, err := execute("Hello\n", "--message-only")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(upstream.DemoGreeting + "\n"))
		})

		It("refuses a conversation from another session", func() {
			client, err := NewClient(addr)
			Expect(err).NotTo(HaveOccurred())
			id, err := client.NewConversation(ctx)
			Expect(err).NotTo(HaveOccurred())

			// The command runs with a fresh session.
			_, err = execute("", "--conversation", strconv.FormatInt(id, 10))
			Expect(err).To(MatchError(ContainSubstring("could not load conversation")))
		})

		It("renders replies as Markdown", func() {
			out, err := execute("Hello\n", "--message-only", "--markdown")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("assistant"))
			Expect(out).NotTo(ContainSubstring("ai>"))
		})
	})

	Describe("readStream", func() {
		It("stops at the done sentinel", func() {
			body := "data: {\"type\":\"ai_chunk\",\"content\":\"a\"}\n\n" +
				"data: {\"type\":\"error\",\"error\":\"boom\"}\n\n" +
				"data: [DONE]\n\n" +
				"data: {\"type\":\"ai_chunk\",\"content\":\"b\"}\n\n"

			var got []relay.EventType
			err := readStream(strings.NewReader(body), func(ev relay.Event) {
				got = append(got, ev.Type)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal([]relay.EventType{relay.EventAIChunk, relay.EventError}))
		})

		It("reports a done sentinel without a terminal event", func() {
			body := "data: {\"type\":\"ai_chunk\",\"content\":\"a\"}\n\ndata: [DONE]\n\n"
			err := readStream(strings.NewReader(body), func(relay.Event) {})
			Expect(err).To(MatchError(ErrIncompleteTurn))
		})

		It("reports a stream cut short", func() {
			err := readStream(strings.NewReader("data: {\"type\":\"ai_start\"}\n\n"), func(relay.Event) {})
			Expect(err).To(MatchError(io.ErrUnexpectedEOF))
		})
	})
})
