// Package proxy is the chat completion entry point shared by every client
// surface. It validates requests, answers non-streaming completions through
// the completion cache and drives a relay session for streaming ones.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/completion"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/relay"
)

// ErrInvalidRequest is returned for requests rejected before any cache or
// upstream work.
var ErrInvalidRequest = errors.New("invalid request")

// Streamer opens a streaming chat call. The returned body yields one JSON
// document per line.
type Streamer interface {
	ChatStream(ctx context.Context, model string, messages []models.ChatMessage) (io.ReadCloser, error)
}

// Options configures a Proxy.
type Options struct {
	// StreamIdleTimeout bounds the wait for each streamed line.
	StreamIdleTimeout time.Duration
	Logger            logrus.FieldLogger
	Metrics           *metrics.Collector
}

// Proxy answers model listing and chat requests.
type Proxy struct {
	completions *completion.Cache
	modelList   *completion.ModelList
	streamer    Streamer
	idleTimeout time.Duration
	log         logrus.FieldLogger
	metrics     *metrics.Collector
}

// New wires a Proxy.
func New(completions *completion.Cache, modelList *completion.ModelList, streamer Streamer, opts Options) *Proxy {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Proxy{
		completions: completions,
		modelList:   modelList,
		streamer:    streamer,
		idleTimeout: opts.StreamIdleTimeout,
		log:         log,
		metrics:     opts.Metrics,
	}
}

// ListModels returns the installed models.
func (p *Proxy) ListModels(ctx context.Context) ([]models.ModelSummary, error) {
	return p.modelList.List(ctx)
}

// Complete answers a non-streaming request, from cache when possible. The
// Stream flag is ignored; streamed requests go through CompleteStreaming and
// never touch the completion cache.
func (p *Proxy) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, models.CacheStatus, error) {
	if err := Validate(req); err != nil {
		return nil, "", err
	}

	start := time.Now()
	resp, status, err := p.completions.Complete(ctx, req.Model, req.Messages)
	log := p.log.WithFields(logrus.Fields{
		"model":    req.Model,
		"cache":    status,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		log.WithError(err).Warn("completion failed")
		return nil, status, err
	}
	log.Debug("completion served")
	return resp, status, nil
}

// CompleteStreaming relays a streamed completion to sink and returns once
// the session is CLOSED or ERRORED.
//
// Failures before the session starts (validation, opening the upstream
// call) are returned without emitting anything, so the caller can still
// answer with a plain error. Once the session runs, errors are both emitted
// as an error event and returned. A client that goes away yields nil.
func (p *Proxy) CompleteStreaming(ctx context.Context, req models.ChatRequest, sink relay.Sink) error {
	if err := Validate(req); err != nil {
		return err
	}

	body, err := p.streamer.ChatStream(ctx, req.Model, req.Messages)
	if err != nil {
		p.log.WithError(err).WithField("model", req.Model).Warn("open completion stream")
		return err
	}

	session := relay.New(sink, relay.Options{
		IdleTimeout: p.idleTimeout,
		Logger:      p.log.WithField("model", req.Model),
		Metrics:     p.metrics,
	})
	return session.Run(ctx, body)
}

var roles = []interface{}{models.RoleSystem, models.RoleUser, models.RoleAssistant}

// Validate checks a chat request: a model, at least one message, and a known
// role on every message. Failures wrap ErrInvalidRequest.
func Validate(req models.ChatRequest) error {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.Model, validation.Required, validation.By(notBlank)),
		validation.Field(&req.Messages, validation.Required, validation.Each(validation.By(validateMessage))),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func notBlank(value interface{}) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func validateMessage(value interface{}) error {
	m, ok := value.(models.ChatMessage)
	if !ok {
		return errors.New("must be a chat message")
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Role, validation.Required, validation.In(roles...)),
	)
}
