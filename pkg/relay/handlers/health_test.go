package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

func validConfig() config.Config {
	return config.Config{
		AgentID:                "agent_test",
		UpstreamMode:           upstream.ModeDirect,
		UpstreamConnectTimeout: 10 * time.Second,
		MaxAudioFrameBytes:     8000,
		PreopenAudio:           session.PreopenDrop,
		PreopenAudioMaxBytes:   64 << 10,
		MaxJSONMessageBytes:    256 << 10,
		WSPingInterval:         20 * time.Second,
		WSWriteTimeout:         5 * time.Second,
		OutboundQueueSize:      256,
		CloseGracePeriod:       2 * time.Second,
		ToolTimeout:            15 * time.Second,
		ReadHeaderTimeout:      10 * time.Second,
		ShutdownGracePeriod:    30 * time.Second,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestReadyHandler_OK(t *testing.T) {
	store := sessions.NewStore(0)
	_, err := store.Register("c1", sessions.Handle{})
	require.NoError(t, err)

	status, body := serveReady(t, ReadyHandler{
		Config:    validConfig(),
		Lifecycle: lifecycle.New(time.Now()),
		Sessions:  store,
		Tools:     []string{"get_current_time"},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "direct", body["upstream_mode"])
	assert.EqualValues(t, 1, body["active_sessions"])
	assert.Equal(t, []any{"get_current_time"}, body["tools"])
}

func TestReadyHandler_ReportsIssues(t *testing.T) {
	cfg := validConfig()
	cfg.AgentID = ""
	lc := lifecycle.New(time.Now())
	lc.SetDraining(true)

	status, body := serveReady(t, ReadyHandler{Config: cfg, Lifecycle: lc})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, true, body["draining"])
	assert.Equal(t, []any{"agent id is not configured", "relay is draining"}, body["issues"])
}
