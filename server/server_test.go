package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// testServer creates a Server with an in-memory store. An empty
// upstreamURL leaves the key unset so turns answer in demo mode.
func testServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Upstream.DemoDelay = 0
	if upstreamURL != "" {
		cfg.Upstream.URL = upstreamURL
		cfg.Upstream.Key = "test-key"
		cfg.Upstream.Model = "test-model"
	}

	logger, _ := zap.NewDevelopment()
	srv, err := New(cfg, store.NewMemoryStore(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return srv
}

// client replays the session cookie across requests like a browser.
type client struct {
	t      *testing.T
	app    *fiber.App
	cookie *http.Cookie
}

func newClient(t *testing.T, srv *Server) *client {
	return &client{t: t, app: srv.App()}
}

func (c *client) do(method, path string, body any) *http.Response {
	c.t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}

	resp, err := c.app.Test(req, -1)
	require.NoError(c.t, err)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == SessionCookie {
			c.cookie = cookie
		}
	}

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func (c *client) newConversation() int64 {
	c.t.Helper()
	resp := c.do("POST", "/api/chat/new", nil)
	require.Equal(c.t, 200, resp.StatusCode)
	return decode[newConversationResponse](c.t, resp).ConversationID
}

// readEvents splits a push-stream body into its events. The done sentinel
// is returned as an Event of type done.
func readEvents(t *testing.T, resp *http.Response) []relay.Event {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []relay.Event
	for _, frame := range strings.Split(string(body), "\n\n") {
		if frame == "" {
			continue
		}
		payload, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, "frame without data prefix: %q", frame)

		if payload == "[DONE]" {
			events = append(events, relay.Event{Type: relay.EventDone})
			continue
		}

		var ev relay.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHealthEndpoint(t *testing.T) {
	c := newClient(t, testServer(t, ""))

	resp := c.do("GET", "/health", nil)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestSessionCookieIssuedOnce(t *testing.T) {
	srv := testServer(t, "")
	c := newClient(t, srv)

	c.do("GET", "/api/chat/conversations", nil)
	require.NotNil(t, c.cookie)
	first := c.cookie.Value

	resp := c.do("GET", "/api/chat/conversations", nil)
	assert.Empty(t, resp.Cookies())
	assert.Equal(t, first, c.cookie.Value)
}

func TestConversationLifecycle(t *testing.T) {
	c := newClient(t, testServer(t, ""))

	id := c.newConversation()

	list := decode[conversationsResponse](t, c.do("GET", "/api/chat/conversations", nil))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, id, list.Conversations[0].ID)
	assert.Equal(t, store.DefaultTitle, list.Conversations[0].Title)
	assert.Zero(t, list.Conversations[0].MessageCount)
	assert.Nil(t, list.Conversations[0].LastMessageTime)

	resp := c.do("GET", fmt.Sprintf("/api/chat/messages/%d", id), nil)
	require.Equal(t, 200, resp.StatusCode)
	detail := decode[messagesResponse](t, resp)
	assert.Empty(t, detail.Messages)

	resp = c.do("DELETE", fmt.Sprintf("/api/chat/delete/%d", id), nil)
	require.Equal(t, 200, resp.StatusCode)

	resp = c.do("GET", fmt.Sprintf("/api/chat/messages/%d", id), nil)
	assert.Equal(t, 404, resp.StatusCode)

	resp = c.do("DELETE", fmt.Sprintf("/api/chat/delete/%d", id), nil)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestSendStreamDemoMode(t *testing.T) {
	c := newClient(t, testServer(t, ""))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send-stream", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, relay.EventUserMessage, events[0].Type)
	assert.Equal(t, relay.EventAIStart, events[1].Type)
	assert.Equal(t, relay.EventAIComplete, events[len(events)-2].Type)
	assert.Equal(t, relay.EventDone, events[len(events)-1].Type)

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == relay.EventAIChunk {
			streamed.WriteString(ev.Content)
		}
	}
	assert.Equal(t, upstream.DemoGreeting, streamed.String())
	assert.Equal(t, upstream.DemoGreeting, events[len(events)-2].Message.Content)

	detail := decode[messagesResponse](t, c.do("GET", fmt.Sprintf("/api/chat/messages/%d", id), nil))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "Hello", detail.Conversation.Title)
	assert.Equal(t, 2, detail.Conversation.MessageCount)
	assert.Equal(t, upstream.DemoGreeting, detail.Messages[1].Content)

	list := decode[conversationsResponse](t, c.do("GET", "/api/chat/conversations", nil))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 2, list.Conversations[0].MessageCount)
	require.NotNil(t, list.Conversations[0].LastMessageTime)
	assert.True(t, list.Conversations[0].LastMessageTime.Equal(detail.Messages[1].CreatedAt))
}

func TestSendStreamFromUpstream(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer up.Close()

	c := newClient(t, testServer(t, up.URL))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send-stream", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 200, resp.StatusCode)

	events := readEvents(t, resp)
	var got []relay.EventType
	for _, ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []relay.EventType{
		relay.EventUserMessage, relay.EventAIStart, relay.EventAIChunk, relay.EventAIChunk,
		relay.EventAIComplete, relay.EventDone,
	}, got)
	assert.Equal(t, "Hi there", events[4].Message.Content)
}

func TestSendStreamUpstreamFailure(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer up.Close()

	c := newClient(t, testServer(t, up.URL))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send-stream", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 200, resp.StatusCode)

	events := readEvents(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, relay.EventError, events[1].Type)
	assert.Contains(t, events[1].Error, "503")
	assert.Equal(t, relay.EventDone, events[2].Type)

	detail := decode[messagesResponse](t, c.do("GET", fmt.Sprintf("/api/chat/messages/%d", id), nil))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, relay.FallbackMessage, detail.Messages[1].Content)
}

func TestSendStreamRejectsBeforeStreaming(t *testing.T) {
	srv := testServer(t, "")
	owner := newClient(t, srv)
	id := owner.newConversation()

	other := newClient(t, srv)
	resp := other.do("POST", "/api/chat/send-stream", map[string]any{"conversation_id": id, "message": "Hello"})
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, relay.ErrNotFoundOrForbidden.Error(), decode[llm.ErrorResponse](t, resp).Error)

	resp = owner.do("POST", "/api/chat/send-stream", map[string]any{"conversation_id": id, "message": "   "})
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "message is required", decode[llm.ErrorResponse](t, resp).Error)

	resp = owner.do("POST", "/api/chat/send-stream", map[string]any{"message": "Hello"})
	assert.Equal(t, 400, resp.StatusCode)

	detail := decode[messagesResponse](t, owner.do("GET", fmt.Sprintf("/api/chat/messages/%d", id), nil))
	assert.Empty(t, detail.Messages)
}

func TestSendNonStreaming(t *testing.T) {
	c := newClient(t, testServer(t, ""))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 200, resp.StatusCode)

	out := decode[sendResponse](t, resp)
	assert.True(t, out.Success)
	assert.Equal(t, "Hello", out.UserMessage.Content)
	assert.Equal(t, upstream.DemoGreeting, out.AIMessage.Content)
}

func TestSendNonStreamingHidesUpstreamBody(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal trace: db password rejected", http.StatusBadGateway)
	}))
	defer up.Close()

	c := newClient(t, testServer(t, up.URL))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 500, resp.StatusCode)

	msg := decode[llm.ErrorResponse](t, resp).Error
	assert.Contains(t, msg, "502")
	assert.NotContains(t, msg, "db password")
}

func TestAdminConfig(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key-123456" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
	}))
	defer up.Close()

	c := newClient(t, testServer(t, ""))

	got := decode[configResponse](t, c.do("GET", "/api/admin/config", nil))
	assert.Equal(t, upstream.DefaultURL, got.Config.URL)
	assert.Empty(t, got.Config.Key)

	bad := map[string]string{"api_url": up.URL, "api_key": "wrong", "model": "m"}
	diag := decode[upstream.Diagnosis](t, c.do("POST", "/api/admin/config", bad))
	assert.False(t, diag.Success)

	got = decode[configResponse](t, c.do("GET", "/api/admin/config", nil))
	assert.Equal(t, upstream.DefaultURL, got.Config.URL)

	good := map[string]string{"api_url": up.URL, "api_key": "good-key-123456", "model": "m"}
	resp := c.do("POST", "/api/admin/config", good)
	require.Equal(t, 200, resp.StatusCode)
	assert.True(t, decode[statusResponse](t, resp).Success)

	got = decode[configResponse](t, c.do("GET", "/api/admin/config", nil))
	assert.Equal(t, up.URL, got.Config.URL)
	assert.Equal(t, "good...3456", got.Config.Key)

	resp = c.do("POST", "/api/admin/config", map[string]string{"api_url": "not a url", "api_key": "k", "model": "m"})
	assert.Equal(t, 400, resp.StatusCode)
}

func TestAdminTestAPI(t *testing.T) {
	c := newClient(t, testServer(t, ""))

	diag := decode[upstream.Diagnosis](t, c.do("POST", "/api/admin/test-api", map[string]string{
		"api_url": "http://127.0.0.1:1/v1/chat/completions",
		"api_key": "k",
		"model":   "m",
	}))
	assert.False(t, diag.Success)
	assert.Contains(t, diag.Message, "API connection test failed")
}

func TestMetricsEndpoint(t *testing.T) {
	c := newClient(t, testServer(t, ""))
	id := c.newConversation()

	resp := c.do("POST", "/api/chat/send", map[string]any{"conversation_id": id, "message": "Hello"})
	require.Equal(t, 200, resp.StatusCode)

	resp = c.do("GET", "/metrics", nil)
	require.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `chatrelay_relay_turns_total{outcome="completed"} 1`)
}

func TestReloadUpdatesDefaults(t *testing.T) {
	srv := testServer(t, "")

	cfg := DefaultConfig()
	cfg.Upstream.URL = "http://reloaded"
	srv.Reload(cfg)

	c := newClient(t, srv)
	got := decode[configResponse](t, c.do("GET", "/api/admin/config", nil))
	assert.Equal(t, "http://reloaded", got.Config.URL)
}
