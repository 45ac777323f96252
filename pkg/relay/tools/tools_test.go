package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveToolCall(name, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, name+":"+status)
}

func fn(name string, f func(ctx context.Context, sessionID string, params map[string]any) (any, error)) Handler {
	return HandlerFunc{ToolName: name, Fn: f}
}

func TestDispatcher_UnregisteredTool(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	d := NewDispatcher(NewRegistry(), DispatcherConfig{Logger: testLogger(), Observer: obs})
	res := d.Dispatch(context.Background(), Invocation{CallID: "c1", Name: "missing"})

	assert.True(t, res.IsError)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, `no handler found for tool "missing"`, res.Result)
	assert.Equal(t, []string{"missing:not_found"}, obs.statuses)
}

func TestDispatcher_Success(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(fn("lookup", func(_ context.Context, sessionID string, params map[string]any) (any, error) {
		return map[string]any{"session": sessionID, "order": params["order_id"]}, nil
	}))
	d := NewDispatcher(reg, DispatcherConfig{Logger: testLogger()})
	res := d.Dispatch(context.Background(), Invocation{SessionID: "s1", CallID: "c2", Name: "lookup", Parameters: map[string]any{"order_id": "42"}})

	require.False(t, res.IsError)
	assert.JSONEq(t, `{"session":"s1","order":"42"}`, res.Result)
}

func TestDispatcher_HandlerErrorMessage(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(fn("boom", func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("database unavailable")
	}))
	res := NewDispatcher(reg, DispatcherConfig{Logger: testLogger()}).Dispatch(context.Background(), Invocation{CallID: "c3", Name: "boom"})

	assert.True(t, res.IsError)
	assert.Equal(t, "database unavailable", res.Result)
}

func TestDispatcher_PanicBecomesError(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(fn("panics", func(context.Context, string, map[string]any) (any, error) {
		panic("nil map")
	}))
	res := NewDispatcher(reg, DispatcherConfig{Logger: testLogger()}).Dispatch(context.Background(), Invocation{CallID: "c4", Name: "panics"})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Result, "nil map")
}

func TestDispatcher_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry(fn("slow", func(context.Context, string, map[string]any) (any, error) {
		<-release
		return "late", nil
	}))
	obs := &recordingObserver{}
	d := NewDispatcher(reg, DispatcherConfig{Timeout: 20 * time.Millisecond, Logger: testLogger(), Observer: obs})
	res := d.Dispatch(context.Background(), Invocation{CallID: "c5", Name: "slow"})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Result, "timed out")
	assert.Equal(t, []string{"slow:timeout"}, obs.statuses)
}

func TestRegistry_NamesAndReplace(t *testing.T) {
	t.Parallel()

	first := fn("b", func(context.Context, string, map[string]any) (any, error) { return "first", nil })
	second := fn("b", func(context.Context, string, map[string]any) (any, error) { return "second", nil })
	reg := NewRegistry(first, nil, fn("a", nil), second, fn(" ", nil))

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	h, ok := reg.Resolve(" b ")
	require.True(t, ok)
	out, err := h.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	var nilReg *Registry
	assert.False(t, nilReg.Has("a"))
	assert.Zero(t, nilReg.Len())
}

func TestRender(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{json.RawMessage(` {"a":1} `), `{"a":1}`},
		{42, "42"},
		{map[string]int{"n": 1}, `{"n":1}`},
	} {
		got, err := Render(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
	_, err := Render(func() {})
	require.Error(t, err)
}

func TestBuiltins_CurrentTime(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(Builtins(testLogger(), func() time.Time { return fixed })...)
	d := NewDispatcher(reg, DispatcherConfig{Logger: testLogger()})

	res := d.Dispatch(context.Background(), Invocation{CallID: "t1", Name: ToolGetCurrentTime})
	require.False(t, res.IsError, res.Result)
	assert.JSONEq(t, `{"iso8601":"2026-03-01T12:00:00Z","timezone":"UTC","unix":1772366400}`, res.Result)

	res = d.Dispatch(context.Background(), Invocation{CallID: "t2", Name: ToolGetCurrentTime, Parameters: map[string]any{"timezone": "Mars/Olympus"}})
	assert.True(t, res.IsError)
}

func TestBuiltins_LogMessage(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Builtins(testLogger(), nil)...)
	d := NewDispatcher(reg, DispatcherConfig{Logger: testLogger()})

	res := d.Dispatch(context.Background(), Invocation{CallID: "l1", Name: ToolLogMessage, Parameters: map[string]any{"message": "caller is upset"}})
	assert.False(t, res.IsError)
	assert.Equal(t, "logged", res.Result)

	res = d.Dispatch(context.Background(), Invocation{CallID: "l2", Name: ToolLogMessage})
	assert.True(t, res.IsError)
	assert.Equal(t, "message is required", res.Result)
}

func TestWebhook_PostRoundTrip(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "tok-123")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lookup_order", body["tool"])
		assert.Equal(t, "s9", body["session_id"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer srv.Close()

	handlers, err := ParseWebhooks([]byte(`
tools:
  - name: lookup_order
    url: `+srv.URL+`/orders
    timeout: 2s
    headers:
      Authorization: Bearer ${RELAY_TEST_TOKEN}
`), NewWebhookClient(NetworkPolicy{AllowPrivate: true}))
	require.NoError(t, err)
	require.Len(t, handlers, 1)

	d := NewDispatcher(NewRegistry(handlers...), DispatcherConfig{Logger: testLogger()})
	res := d.Dispatch(context.Background(), Invocation{SessionID: "s9", CallID: "w1", Name: "lookup_order", Parameters: map[string]any{"order_id": "7"}})
	require.False(t, res.IsError, res.Result)
	assert.JSONEq(t, `{"status":"shipped"}`, res.Result)
}

func TestWebhook_GetAndErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("city") == "" {
			http.Error(w, "city required", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("sunny"))
	}))
	defer srv.Close()

	handlers, err := ParseWebhooks([]byte("tools:\n  - name: weather\n    method: get\n    url: "+srv.URL+"\n"), NewWebhookClient(NetworkPolicy{AllowPrivate: true}))
	require.NoError(t, err)
	d := NewDispatcher(NewRegistry(handlers...), DispatcherConfig{Logger: testLogger()})

	res := d.Dispatch(context.Background(), Invocation{CallID: "g1", Name: "weather", Parameters: map[string]any{"city": "Oslo"}})
	require.False(t, res.IsError, res.Result)
	assert.Equal(t, "sunny", res.Result)

	res = d.Dispatch(context.Background(), Invocation{CallID: "g2", Name: "weather"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Result, "status 400")
}

func TestWebhook_BlockedByDefaultPolicy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach a loopback server")
	}))
	defer srv.Close()

	handlers, err := ParseWebhooks([]byte("tools:\n  - name: internal\n    url: "+srv.URL+"\n"), nil)
	require.NoError(t, err)
	out, err := handlers[0].Execute(context.Background(), "s", map[string]any{})
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestParseWebhooks_Invalid(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"missing name":  "tools:\n  - url: https://example.com\n",
		"bad scheme":    "tools:\n  - name: a\n    url: ftp://example.com\n",
		"bad method":    "tools:\n  - name: a\n    method: DELETE\n    url: https://example.com\n",
		"duplicate":     "tools:\n  - name: a\n    url: https://example.com\n  - name: a\n    url: https://example.com\n",
		"unknown field": "tools:\n  - name: a\n    url: https://example.com\n    retries: 3\n",
	} {
		_, err := ParseWebhooks([]byte(doc), nil)
		assert.Error(t, err, name)
	}
}

func TestNetworkPolicy_ValidateURL(t *testing.T) {
	t.Parallel()

	strict := NetworkPolicy{}
	for _, raw := range []string{"http://127.0.0.1/x", "http://10.1.2.3", "https://user:pw@example.com", "file:///etc/passwd", "http://[::1]/"} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Error(t, strict.ValidateURL(u), raw)
	}
	u, _ := url.Parse("https://example.com/hook")
	assert.NoError(t, strict.ValidateURL(u))
	u, _ = url.Parse("http://127.0.0.1:8080/hook")
	assert.NoError(t, NetworkPolicy{AllowPrivate: true}.ValidateURL(u))
}
