// Package ollama is a client for the inference service's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatgate/chatgate/pkg/config"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
)

// errorBodyLimit caps how much of a failed reply is read for its message.
const errorBodyLimit = 4 << 10

// Client talks to one inference service.
type Client struct {
	baseURL     string
	http        *http.Client
	listTimeout time.Duration
	chatTimeout time.Duration
	metrics     *metrics.Collector
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	ListTimeout time.Duration
	ChatTimeout time.Duration
	// HTTPClient defaults to a client without an overall timeout; deadlines
	// are applied per call through the request context.
	HTTPClient *http.Client
	Metrics    *metrics.Collector
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        hc,
		listTimeout: opts.ListTimeout,
		chatTimeout: opts.ChatTimeout,
		metrics:     opts.Metrics,
	}
}

// NewFromConfig creates a Client for cfg.
func NewFromConfig(cfg config.InferenceConfig, m *metrics.Collector) *Client {
	return New(Options{
		BaseURL:     cfg.BaseURL(),
		ListTimeout: cfg.ListTimeout,
		ChatTimeout: cfg.ChatTimeout,
		Metrics:     m,
	})
}

type chatBody struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// ListModels calls GET /api/tags.
func (c *Client) ListModels(ctx context.Context) (_ []models.UpstreamModel, err error) {
	const op = "list models"
	start := time.Now()
	defer func() { c.metrics.Upstream("tags", Outcome(err), time.Since(start)) }()

	ctx, cancel := context.WithTimeoutCause(ctx, c.listTimeout, errCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := c.roundTrip(ctx, op, req)
	if err != nil {
		return nil, err
	}

	var tags models.TagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, protocolError(op, err)
	}
	return tags.Models, nil
}

// Chat calls POST /api/chat with stream=false and returns the whole reply.
func (c *Client) Chat(ctx context.Context, model string, messages []models.ChatMessage) (_ *models.ChatResponse, err error) {
	const op = "chat"
	start := time.Now()
	defer func() { c.metrics.Upstream("chat", Outcome(err), time.Since(start)) }()

	ctx, cancel := context.WithTimeoutCause(ctx, c.chatTimeout, errCallTimeout)
	defer cancel()

	req, err := c.newChatRequest(ctx, model, messages, false)
	if err != nil {
		return nil, err
	}

	body, err := c.roundTrip(ctx, op, req)
	if err != nil {
		return nil, err
	}
	return ParseChatResponse(body)
}

// ParseChatResponse extracts the assistant text from a non-streaming reply,
// keeping the document itself verbatim.
func ParseChatResponse(body []byte) (*models.ChatResponse, error) {
	body = bytes.TrimSpace(body)
	var chunk models.ChatChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, protocolError("chat", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("%w: chat: %s", ErrProtocol, chunk.Error)
	}
	return &models.ChatResponse{Content: chunk.Text(), Raw: json.RawMessage(body)}, nil
}

// ChatStream calls POST /api/chat with stream=true and returns the
// newline-delimited body. The chat timeout bounds the wait for response
// headers; after that the caller owns pacing and must Close the body.
// Cancelling ctx aborts the read.
func (c *Client) ChatStream(ctx context.Context, model string, messages []models.ChatMessage) (_ io.ReadCloser, err error) {
	const op = "chat stream"
	start := time.Now()
	defer func() {
		// only the connection phase is timed; streaming time is the relay's
		c.metrics.Upstream("chat_stream", Outcome(err), time.Since(start))
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.chatTimeout, func() { cancel(errCallTimeout) })

	req, err := c.newChatRequest(ctx, model, messages, true)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, err
	}

	resp, err := c.http.Do(req)
	stopped := timer.Stop()
	if err != nil {
		defer cancel(nil)
		return nil, classify(ctx, op, err)
	}
	if !stopped {
		resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("%w: %s: no response headers within %s", ErrTimeout, op, c.chatTimeout)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel(nil)
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) newChatRequest(ctx context.Context, model string, messages []models.ChatMessage, stream bool) (*http.Request, error) {
	payload, err := json.Marshal(chatBody{Model: model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// roundTrip performs req and returns the full body of a 2xx reply.
func (c *Client) roundTrip(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	return body, nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := strings.TrimSpace(string(data))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

// streamBody releases the per-call context together with the body.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
