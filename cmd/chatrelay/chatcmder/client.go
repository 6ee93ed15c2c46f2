package chatcmder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
)

// ErrIncompleteTurn is returned when the done sentinel arrives before the
// turn's terminal event.
var ErrIncompleteTurn = errors.New("stream ended before the reply finished")

// Client speaks the relay's HTTP and push-stream protocol. It keeps the
// session cookie for its lifetime.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Jar: jar},
	}, nil
}

// NewConversation creates an empty conversation and returns its id.
func (c *Client) NewConversation(ctx context.Context) (int64, error) {
	var out struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/new", nil, &out); err != nil {
		return 0, err
	}
	return out.ConversationID, nil
}

// Messages returns the conversation's messages in order.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]*store.Message, error) {
	var out struct {
		Messages []*store.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/chat/messages/%d", conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send posts a message to the streaming endpoint and calls onEvent for
// every event until the done sentinel.
func (c *Client) Send(ctx context.Context, conversationID int64, message string, onEvent func(relay.Event)) error {
	body, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"message":         message,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat/send-stream", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readStream(resp.Body, onEvent)
}

// readStream decodes "data: <json>" frames until [DONE] or EOF.
func readStream(r io.Reader, onEvent func(relay.Event)) error {
	reader := bufio.NewReader(r)
	finished := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not read stream: %w", err)
		}

		payload, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if ok {
			if payload == "[DONE]" {
				if !finished {
					return ErrIncompleteTurn
				}
				return nil
			}

			var ev relay.Event
			if jsonErr := json.Unmarshal([]byte(payload), &ev); jsonErr != nil {
				return fmt.Errorf("could not decode event: %w", jsonErr)
			}
			finished = finished || ev.Terminal()
			onEvent(ev)
		}

		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

// do sends a request and turns non-2xx answers into errors.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		var errResp llm.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	return resp, nil
}
