// Package relay turns the inference service's newline-delimited chat stream
// into ordered delta/done/error events for one client.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/ollama"
)

// DefaultIdleTimeout applies when Options.IdleTimeout is zero.
const DefaultIdleTimeout = 30 * time.Second

// maxLineSize bounds a single upstream JSON line.
const maxLineSize = 1 << 20

// State is a session's lifecycle position. OPEN is the only non-terminal
// state.
type State int32

const (
	StateOpen State = iota
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	// IdleTimeout is the longest wait for the next upstream line.
	IdleTimeout time.Duration
	Logger      logrus.FieldLogger
	Metrics     *metrics.Collector
}

// Session relays one upstream stream to one sink.
type Session struct {
	ID string

	sink        Sink
	idleTimeout time.Duration
	log         logrus.FieldLogger
	metrics     *metrics.Collector

	state  atomic.Int32
	buffer strings.Builder
	deltas int
}

// New creates an OPEN session writing to sink.
func New(sink Sink, opts Options) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		sink:        sink,
		idleTimeout: opts.IdleTimeout,
		metrics:     opts.Metrics,
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s.log = log.WithField("session_id", s.ID)
	return s
}

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Content returns the fragments relayed so far, concatenated. It is only
// meaningful once Run has returned.
func (s *Session) Content() string {
	return s.buffer.String()
}

type line struct {
	data []byte
	err  error
}

// Run consumes upstream until a terminal state and always closes it.
//
// Each line is forwarded as soon as it is parsed, in arrival order. Run
// returns nil when the stream completes or the client goes away (ctx
// cancelled or Emit failing), and the cause when the session errors: a
// malformed line or premature end (ollama.ErrProtocol), a stalled upstream
// (ollama.ErrTimeout) or a broken connection (ollama.ErrUnavailable).
func (s *Session) Run(ctx context.Context, upstream io.ReadCloser) error {
	if s.State() != StateOpen {
		upstream.Close()
		return errors.New("relay session already finished")
	}
	s.metrics.RelayOpened()
	start := time.Now()

	stop := make(chan struct{})
	lines := make(chan line)
	go readLines(upstream, lines, stop)
	defer func() {
		close(stop)
		// unblocks the reader; no more upstream bytes are consumed
		upstream.Close()
		s.log.WithFields(logrus.Fields{
			"state":    s.State().String(),
			"deltas":   s.deltas,
			"content":  humanize.Bytes(uint64(s.buffer.Len())),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("relay session finished")
	}()

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish(StateClosed)
			return nil

		case <-idle.C:
			return s.fail(ctx, fmt.Errorf("%w: no data from upstream for %s", ollama.ErrTimeout, s.idleTimeout))

		case l, ok := <-lines:
			if ctx.Err() != nil {
				s.finish(StateClosed)
				return nil
			}
			if !ok {
				return s.fail(ctx, fmt.Errorf("%w: stream ended before completion", ollama.ErrProtocol))
			}
			if l.err != nil {
				return s.fail(ctx, readError(l.err))
			}

			done, err := s.handle(l.data)
			if err != nil {
				if errors.Is(err, errSinkGone) {
					s.log.WithError(err).Debug("client went away")
					s.finish(StateClosed)
					return nil
				}
				return s.fail(ctx, err)
			}
			if done {
				return nil
			}
			idle.Reset(s.idleTimeout)
		}
	}
}

var errSinkGone = errors.New("sink rejected event")

// handle processes one upstream line and reports whether the session is done.
func (s *Session) handle(data []byte) (bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return false, nil
	}

	var chunk models.ChatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return false, fmt.Errorf("%w: malformed stream line: %w", ollama.ErrProtocol, err)
	}
	if chunk.Error != "" {
		return false, fmt.Errorf("%w: %s", ollama.ErrProtocol, chunk.Error)
	}

	if chunk.Done {
		if err := s.emit(Done()); err != nil {
			return false, err
		}
		s.finish(StateClosed)
		return true, nil
	}

	content := chunk.Text()
	if err := s.emit(Delta(content)); err != nil {
		return false, err
	}
	s.buffer.WriteString(content)
	s.deltas++
	s.metrics.RelayDelta()
	return false, nil
}

func (s *Session) emit(ev Event) error {
	if err := s.sink.Emit(ev); err != nil {
		return fmt.Errorf("%w: %w", errSinkGone, err)
	}
	return nil
}

// fail moves to ERRORED and tells the client why, unless it already left.
func (s *Session) fail(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		s.finish(StateClosed)
		return nil
	}
	s.log.WithError(cause).Warn("relay session errored")
	_ = s.sink.Emit(Failure(cause.Error()))
	s.finish(StateErrored)
	return cause
}

func (s *Session) finish(state State) {
	if s.state.CompareAndSwap(int32(StateOpen), int32(state)) {
		s.metrics.RelayFinished(state.String())
	}
}

func readError(err error) error {
	if errors.Is(err, bufio.ErrTooLong) {
		return fmt.Errorf("%w: stream line exceeds %d bytes", ollama.ErrProtocol, maxLineSize)
	}
	return fmt.Errorf("%w: reading stream: %w", ollama.ErrUnavailable, err)
}

// readLines scans r and hands each line to out until r ends, fails, or stop
// is closed.
func readLines(r io.Reader, out chan<- line, stop <-chan struct{}) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		data := append([]byte(nil), sc.Bytes()...)
		select {
		case out <- line{data: data}:
		case <-stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case out <- line{err: err}:
		case <-stop:
		}
	}
}
