package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Store
	Tools     []string
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		UpstreamMode   string   `json:"upstream_mode"`
		ActiveSessions int      `json:"active_sessions"`
		MaxSessions    int      `json:"max_sessions,omitempty"`
		Tools          []string `json:"tools,omitempty"`
		UptimeSeconds  int64    `json:"uptime_seconds"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := h.Config.Issues()
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "relay is draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		UpstreamMode:   string(h.Config.UpstreamMode),
		ActiveSessions: h.Sessions.Count(),
		MaxSessions:    h.Config.MaxSessions,
		Tools:          h.Tools,
		UptimeSeconds:  int64(h.Lifecycle.Uptime(time.Now()) / time.Second),
		Issues:         issues,
	})
}
