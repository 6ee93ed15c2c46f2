// Package upstream talks to the OpenAI-compatible chat completion endpoint
// the relay forwards conversations to.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 8 << 10

// Config tunes the client. Zero timeouts fall back to DefaultConfig; a zero
// DemoDelay streams demo fragments without pausing.
type Config struct {
	// ChatTimeout bounds connecting and waiting for response headers on chat
	// calls, and the whole call when not streaming.
	ChatTimeout time.Duration `toml:"chat_timeout"`

	// TestTimeout bounds a TestConnection call.
	TestTimeout time.Duration `toml:"test_timeout"`

	// StallTimeout fails a stream that delivers no bytes for this long.
	StallTimeout time.Duration `toml:"stall_timeout"`

	// DemoDelay is the pause between demo fragments.
	DemoDelay time.Duration `toml:"demo_delay"`

	Options llm.Options `toml:"options"`
}

// DefaultConfig returns the production timeouts.
func DefaultConfig() Config {
	return Config{
		ChatTimeout:  60 * time.Second,
		TestTimeout:  30 * time.Second,
		StallTimeout: 60 * time.Second,
		DemoDelay:    DemoDelay,
		Options:      llm.DefaultOptions(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChatTimeout <= 0 {
		c.ChatTimeout = d.ChatTimeout
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = d.TestTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.DemoDelay < 0 {
		c.DemoDelay = 0
	}
	if c.Options == (llm.Options{}) {
		c.Options = d.Options
	}
	return c
}

// Result is the outcome of a chat request: either the complete Text, or a
// Stream of raw server-push lines to be normalized.
type Result struct {
	Text   string
	Stream *LineStream
}

// Streaming reports whether the result carries a line stream.
func (r *Result) Streaming() bool {
	return r.Stream != nil
}

// Diagnosis is the outcome of TestConnection.
type Diagnosis struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client issues chat completion requests upstream.
type Client struct {
	config     Config
	resolver   *Resolver
	logger     *zap.Logger
	httpClient *http.Client
}

// New creates a Client. Settings are resolved on every call so changes
// saved at runtime apply to the next request.
func New(config Config, resolver *Resolver, logger *zap.Logger) *Client {
	config = config.withDefaults()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   config.ChatTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = config.ChatTimeout

	return &Client{
		config:   config,
		resolver: resolver,
		logger:   logger,
		// No overall client timeout: it would cut long streams short.
		// Non-streaming calls carry a context deadline instead.
		httpClient: &http.Client{Transport: transport},
	}
}

// Request sends history upstream. Without an API key it answers in demo
// mode instead of failing.
func (c *Client) Request(ctx context.Context, history []llm.Message, stream bool) (*Result, error) {
	settings, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	if settings.Key == "" {
		c.logger.Warn("API key not configured, answering in demo mode", zap.Bool("stream", stream))
		if stream {
			return &Result{Stream: newFragmentLineStream(ctx, DemoFragments, c.config.DemoDelay)}, nil
		}
		return &Result{Text: DemoGreeting}, nil
	}

	if stream {
		return c.requestStream(ctx, settings, history)
	}

	text, err := c.complete(ctx, settings, history, c.config.Options, c.config.ChatTimeout)
	if err != nil {
		return nil, err
	}

	return &Result{Text: text}, nil
}

// TestConnection validates settings with a trivial prompt. Empty arguments
// fall back to the resolved settings. It never returns an error; failures
// are reported in the Diagnosis.
func (c *Client) TestConnection(ctx context.Context, url, key, model string) Diagnosis {
	current, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Diagnosis{Message: fmt.Sprintf("API connection test failed: %v", err)}
	}

	settings := Settings{URL: url, Key: key, Model: model}.merge(current)
	if settings.Key == "" {
		return Diagnosis{Message: "API connection test failed: API key is not configured"}
	}

	history := []llm.Message{{Role: llm.RoleUser, Content: "Hello"}}
	if _, err := c.complete(ctx, settings, history, llm.ProbeOptions(), c.config.TestTimeout); err != nil {
		c.logger.Warn("API connection test failed", zap.String("url", settings.URL), zap.Error(err))
		return Diagnosis{Message: fmt.Sprintf("API connection test failed: %v", err)}
	}

	return Diagnosis{Success: true, Message: "API connection test succeeded"}
}

// complete performs a non-streaming call bounded by timeout.
func (c *Client) complete(ctx context.Context, settings Settings, history []llm.Message, opts llm.Options, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, settings, history, opts, false)
	if err != nil {
		return "", err
	}

	startTime := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("upstream request failed", zap.String("url", settings.URL), zap.Error(err))
		return "", classify(ctx, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", classify(ctx, err)
	}

	if err := checkStatus(httpResp.StatusCode, body); err != nil {
		c.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return "", err
	}

	text, err := parseCompletion(body)
	if err != nil {
		return "", err
	}

	c.logger.Debug("received response from upstream",
		zap.String("model", settings.Model),
		zap.String("content_preview", truncate(text, 100)),
		zap.Duration("duration", time.Since(startTime)),
	)

	return text, nil
}

// requestStream starts a streaming call. The returned stream owns the
// connection until it is exhausted or closed.
func (c *Client) requestStream(parent context.Context, settings Settings, history []llm.Message) (*Result, error) {
	ctx, cancel := context.WithCancelCause(parent)

	httpReq, err := c.newRequest(ctx, settings, history, c.config.Options, true)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	c.logger.Debug("forwarding streaming request to upstream",
		zap.String("url", settings.URL),
		zap.Int("message_count", len(history)),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		err = classify(ctx, err)
		cancel(nil)
		c.logger.Error("upstream request failed", zap.String("url", settings.URL), zap.Error(err))
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		httpResp.Body.Close()
		cancel(nil)
		c.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, checkStatus(httpResp.StatusCode, body)
	}

	// Some upstreams ignore stream=true and answer with a single JSON body.
	ctype := strings.ToLower(httpResp.Header.Get("Content-Type"))
	if strings.Contains(ctype, "application/json") {
		defer cancel(nil)
		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, classify(ctx, err)
		}
		text, err := parseCompletion(body)
		if err != nil {
			return nil, err
		}

		c.logger.Debug("upstream answered a stream request with JSON")
		return &Result{Stream: newFragmentLineStream(parent, []string{text}, 0)}, nil
	}

	return &Result{Stream: newBodyLineStream(ctx, cancel, httpResp.Body, c.config.StallTimeout)}, nil
}

func (c *Client) newRequest(ctx context.Context, settings Settings, history []llm.Message, opts llm.Options, stream bool) (*http.Request, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	reqBody, err := json.Marshal(openai.ChatCompletionRequest{
		Model:       settings.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+settings.Key)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return httpReq, nil
}

func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	return &Error{
		Kind:       ErrHTTPStatus,
		StatusCode: status,
		Body:       truncate(strings.TrimSpace(string(body)), maxErrorBody),
	}
}

func parseCompletion(body []byte) (string, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: ErrMalformedResponse, Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: ErrMalformedResponse, Err: fmt.Errorf("no choices in response")}
	}

	return resp.Choices[0].Message.Content, nil
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
