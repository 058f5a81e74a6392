package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/pkg/logging"
	"github.com/chatgate/chatgate/pkg/ollama"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event)
	err    error
}

func (r *recorder) Emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook, err := r.onEmit, r.err
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return err
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newSession(sink Sink) *Session {
	return New(sink, Options{IdleTimeout: time.Second, Logger: logging.Discard()})
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func body(lines ...string) *trackingBody {
	return &trackingBody{Reader: strings.NewReader(strings.Join(lines, "\n") + "\n")}
}

func TestRelayForwardsInOrder(t *testing.T) {
	rec := &recorder{}
	s := newSession(rec)
	upstream := body(
		`{"message":{"role":"assistant","content":"A"},"done":false}`,
		``,
		`{"message":{"role":"assistant","content":"B"},"done":false}`,
		`{"done":true}`,
	)

	err := s.Run(context.Background(), upstream)
	require.NoError(t, err)

	assert.Equal(t, []Event{Delta("A"), Delta("B"), Done()}, rec.snapshot())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, "AB", s.Content())
	assert.True(t, upstream.closed)
}

func TestRelayMissingContentIsEmptyDelta(t *testing.T) {
	rec := &recorder{}
	s := newSession(rec)

	err := s.Run(context.Background(), body(`{"done":false}`, `{"done":true}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{Delta(""), Done()}, rec.snapshot())
}

func TestRelayMalformedLine(t *testing.T) {
	rec := &recorder{}
	s := newSession(rec)
	upstream := body(
		`{"message":{"content":"A"},"done":false}`,
		`not json`,
		`{"message":{"content":"never"},"done":false}`,
	)

	err := s.Run(context.Background(), upstream)
	require.ErrorIs(t, err, ollama.ErrProtocol)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, Delta("A"), events[0])
	assert.Equal(t, EventError, events[1].Type)
	assert.NotEmpty(t, events[1].Message)
	assert.Equal(t, StateErrored, s.State())
	assert.True(t, upstream.closed)
}

func TestRelayUpstreamErrorLine(t *testing.T) {
	rec := &recorder{}
	s := newSession(rec)

	err := s.Run(context.Background(), body(`{"error":"model unloaded"}`))
	require.ErrorIs(t, err, ollama.ErrProtocol)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "model unloaded")
}

func TestRelayEndWithoutDone(t *testing.T) {
	rec := &recorder{}
	s := newSession(rec)

	err := s.Run(context.Background(), body(`{"message":{"content":"A"},"done":false}`))
	require.ErrorIs(t, err, ollama.ErrProtocol)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, StateErrored, s.State())
}

func TestRelayIdleTimeout(t *testing.T) {
	rec := &recorder{}
	s := New(rec, Options{IdleTimeout: 50 * time.Millisecond, Logger: logging.Discard()})
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), pr) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ollama.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not time out")
	}

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, StateErrored, s.State())

	_, err := pw.Write([]byte("{}\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestRelayCancellationStopsForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{onEmit: func(Event) { cancel() }}
	s := newSession(rec)
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, pr) }()

	_, err := pw.Write([]byte(`{"message":{"content":"A"},"done":false}` + "\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}

	// the upstream read side is closed; nothing more is consumed
	_, err = pw.Write([]byte(`{"message":{"content":"B"},"done":false}` + "\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	assert.Equal(t, []Event{Delta("A")}, rec.snapshot())
	assert.Equal(t, StateClosed, s.State())
}

func TestRelaySinkFailureClosesQuietly(t *testing.T) {
	rec := &recorder{err: errors.New("broken pipe")}
	s := newSession(rec)

	err := s.Run(context.Background(), body(
		`{"message":{"content":"A"},"done":false}`,
		`{"message":{"content":"B"},"done":false}`,
		`{"done":true}`,
	))
	require.NoError(t, err)

	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, StateClosed, s.State())
}

func TestRelayRunTwice(t *testing.T) {
	s := newSession(&recorder{})
	require.NoError(t, s.Run(context.Background(), body(`{"done":true}`)))

	second := body(`{"done":true}`)
	assert.Error(t, s.Run(context.Background(), second))
	assert.True(t, second.closed)
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Delta("hi"), `{"type":"delta","content":"hi"}`},
		{Delta(""), `{"type":"delta","content":""}`},
		{Done(), `{"type":"done"}`},
		{Failure("boom"), `{"type":"error","message":"boom"}`},
	}
	for _, tt := range tests {
		got, err := json.Marshal(tt.ev)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(got))
	}
}
