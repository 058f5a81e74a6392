package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatgate/chatgate/pkg/cache/memory"
	"github.com/chatgate/chatgate/pkg/completion"
	"github.com/chatgate/chatgate/pkg/identity"
	"github.com/chatgate/chatgate/pkg/logging"
	"github.com/chatgate/chatgate/pkg/metrics"
	"github.com/chatgate/chatgate/pkg/models"
	"github.com/chatgate/chatgate/pkg/ollama"
	"github.com/chatgate/chatgate/pkg/ollama/ollamatest"
	"github.com/chatgate/chatgate/pkg/proxy"
	"github.com/chatgate/chatgate/pkg/relay"
)

const adminPassword = "admin-pw"

type testEnv struct {
	srv      *httptest.Server
	upstream *ollamatest.Server
	users    *identity.Store
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	log := logging.Discard()
	upstream := ollamatest.New()
	t.Cleanup(upstream.Close)

	store, err := memory.New(100)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	users, err := identity.New(filepath.Join(t.TempDir(), "chatgate.db"), identity.Options{
		Cache:      store,
		BCryptCost: bcrypt.MinCost,
		Logger:     log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	ctx := context.Background()
	_, err = users.EnsureAdmin(ctx, adminPassword)
	require.NoError(t, err)
	_, err = users.CreateUser(ctx, models.UserInput{Username: "alice", Password: "alice-pw"})
	require.NoError(t, err)

	client := ollama.New(ollama.Options{BaseURL: upstream.URL, ListTimeout: time.Second, ChatTimeout: time.Second, Metrics: m})
	p := proxy.New(
		completion.New(store, client, completion.Options{Logger: log, Metrics: m}),
		completion.NewModelList(store, client, completion.Options{Logger: log, Metrics: m}),
		client,
		proxy.Options{StreamIdleTimeout: time.Second, Logger: log, Metrics: m},
	)

	s := New(Options{Proxy: p, Identity: users, Gatherer: reg, Logger: log})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, upstream: upstream, users: users}
}

func (e *testEnv) do(t *testing.T, method, path, user, password, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) asAlice(t *testing.T, method, path, body string) *http.Response {
	return e.do(t, method, path, "alice", "alice-pw", body)
}

func (e *testEnv) asAdmin(t *testing.T, method, path, body string) *http.Response {
	return e.do(t, method, path, "admin", adminPassword, body)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func decodeError(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

const chatBody = `{"model":"phi","messages":[{"role":"user","content":"hi"}]}`

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthCheck(t *testing.T) {
	env := setupServer(t)

	var got struct {
		Authenticated bool `json:"authenticated"`
		IsAdmin       bool `json:"is_admin"`
	}
	resp := env.do(t, http.MethodGet, "/api/auth/check", "", "", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.False(t, got.Authenticated)

	resp = env.do(t, http.MethodGet, "/api/auth/check", "alice", "wrong", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.False(t, got.Authenticated)

	resp = env.asAdmin(t, http.MethodGet, "/api/auth/check", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Authenticated)
	assert.True(t, got.IsAdmin)
}

func TestRequiresAuth(t *testing.T) {
	env := setupServer(t)

	resp := env.do(t, http.MethodGet, "/api/models", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	resp = env.do(t, http.MethodPost, "/api/chat", "alice", "nope", chatBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, env.upstream.ChatCalls.Load())
}

func TestIdentityStoreFailureIsNotUnauthorized(t *testing.T) {
	env := setupServer(t)
	require.NoError(t, env.users.Close())

	resp := env.asAlice(t, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "internal_error", decodeError(t, resp).Type)
}

func TestModels(t *testing.T) {
	env := setupServer(t)

	for i := 0; i < 2; i++ {
		resp := env.asAlice(t, http.MethodGet, "/api/models", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `[{"name":"phi","size":"1.5 GB"}]`, readBody(t, resp))
	}
	assert.EqualValues(t, 1, env.upstream.TagsCalls.Load())
}

func TestModelsUpstreamDown(t *testing.T) {
	env := setupServer(t)
	env.upstream.Close()

	resp := env.asAlice(t, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream_error", decodeError(t, resp).Type)
}

func TestChatCaching(t *testing.T) {
	env := setupServer(t)

	resp := env.asAlice(t, http.MethodPost, "/api/chat", chatBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get(CacheHeader))
	first := readBody(t, resp)

	resp = env.asAlice(t, http.MethodPost, "/api/chat", chatBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(CacheHeader))
	assert.JSONEq(t, first, readBody(t, resp))

	var chunk models.ChatChunk
	require.NoError(t, json.Unmarshal([]byte(first), &chunk))
	assert.Equal(t, "echo: hi", chunk.Text())
	assert.EqualValues(t, 1, env.upstream.ChatCalls.Load())
}

func TestChatErrors(t *testing.T) {
	env := setupServer(t)

	resp := env.asAlice(t, http.MethodPost, "/api/chat", `{"model":"","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_error", decodeError(t, resp).Type)

	resp = env.asAlice(t, http.MethodPost, "/api/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.upstream.FailWith(http.StatusInternalServerError)
	resp = env.asAlice(t, http.MethodPost, "/api/chat", chatBody)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, http.StatusBadGateway, decodeError(t, resp).Code)
}

func readSSE(t *testing.T, resp *http.Response) []relay.Event {
	t.Helper()
	var events []relay.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev relay.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestChatStreaming(t *testing.T) {
	env := setupServer(t)
	env.upstream.SetFragments("A", "B")

	body := `{"model":"phi","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := env.asAlice(t, http.MethodPost, "/api/chat", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get(CacheHeader))

	assert.Equal(t, []relay.Event{relay.Delta("A"), relay.Delta("B"), relay.Done()}, readSSE(t, resp))
	assert.Zero(t, env.upstream.ChatCalls.Load())
}

func TestChatStreamingUpstreamFailure(t *testing.T) {
	env := setupServer(t)
	env.upstream.FailWith(http.StatusServiceUnavailable)

	body := `{"model":"phi","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp := env.asAlice(t, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPreferences(t *testing.T) {
	env := setupServer(t)

	resp := env.asAlice(t, http.MethodGet, "/api/preferences", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, readBody(t, resp))

	resp = env.asAlice(t, http.MethodPut, "/api/preferences", `{"model":"phi"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.asAlice(t, http.MethodGet, "/api/preferences", "")
	assert.JSONEq(t, `{"model":"phi"}`, readBody(t, resp))

	resp = env.asAlice(t, http.MethodPut, "/api/preferences", `"just a string"`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRequiresAdmin(t *testing.T) {
	env := setupServer(t)
	resp := env.asAlice(t, http.MethodGet, "/api/admin/users", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminUserLifecycle(t *testing.T) {
	env := setupServer(t)

	resp := env.asAdmin(t, http.MethodPost, "/api/admin/users", `{"username":"bob","password":"bob-pw"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var bob models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bob))
	assert.Equal(t, "bob", bob.Username)

	resp = env.asAdmin(t, http.MethodPost, "/api/admin/users", `{"username":"bob","password":"x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.asAdmin(t, http.MethodGet, "/api/admin/users", "")
	var users []models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Len(t, users, 3)

	path := "/api/admin/users/" + itoa(bob.ID)
	resp = env.asAdmin(t, http.MethodPut, path, `{"username":"robert","is_admin":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the listing reflects the update immediately
	resp = env.asAdmin(t, http.MethodGet, "/api/admin/users", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Equal(t, "robert", users[2].Username)

	// password unchanged by the update
	resp = env.do(t, http.MethodGet, "/api/models", "robert", "bob-pw", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.asAdmin(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.asAdmin(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminCannotDeleteAdmin(t *testing.T) {
	env := setupServer(t)
	p, err := env.users.VerifyCredentials(context.Background(), "admin", adminPassword)
	require.NoError(t, err)

	resp := env.asAdmin(t, http.MethodDelete, "/api/admin/users/"+itoa(p.ID), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t)
	env.asAlice(t, http.MethodPost, "/api/chat", chatBody)
	env.asAlice(t, http.MethodPost, "/api/chat", chatBody)

	resp := env.do(t, http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `chatgate_cache_hits_total{cache="completion"} 1`)
	assert.Contains(t, body, `chatgate_cache_misses_total{cache="completion"} 1`)
}

func TestNotFound(t *testing.T) {
	env := setupServer(t)
	resp := env.do(t, http.MethodGet, "/nope", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, resp).Type)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
