package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
)

// RelayHandler upgrades /v1/relay requests and runs one session per
// connection.
type RelayHandler struct {
	Config    config.Config
	Upstream  session.UpstreamDialer
	Tools     session.ToolDispatcher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Store
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Lifecycle.IsDraining() {
		h.Metrics.SessionRejectedWith("draining")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "relay is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		h.Metrics.SessionRejectedWith("origin")
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required"})
		return
	}

	connID := uuid.NewString()
	var current atomic.Pointer[session.Session]
	unregister, err := h.Sessions.Register(connID, sessions.Handle{Cancel: func() {
		if s := current.Load(); s != nil {
			s.Cancel()
		}
	}})
	if err != nil {
		if errors.Is(err, sessions.ErrFull) {
			h.Metrics.SessionRejectedWith("max_sessions")
			apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeOverloaded, Message: "session limit reached", Code: "max_sessions"})
			return
		}
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeAPI, Message: "failed to register session"})
		return
	}
	defer unregister()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	deps := session.Dependencies{
		Conn:      conn,
		Upstream:  h.Upstream,
		Tools:     h.Tools,
		Logger:    logger,
		Config:    h.Config.SessionConfig(),
		SessionID: connID,
		RequestID: reqID,
		ClaimID:   func(id string) error { return h.Sessions.Claim(connID, id) },
	}
	if h.Metrics != nil {
		deps.Metrics = h.Metrics
	}
	s, err := session.New(deps)
	if err != nil {
		logger.Error("session init failed", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(2*time.Second))
		return
	}
	current.Store(s)
	if h.Lifecycle.IsDraining() {
		s.Cancel()
	}

	h.Metrics.SessionStarted()
	start := time.Now()
	runErr := s.Run()
	h.Metrics.SessionEnded(s.CloseReason(), time.Since(start))
	if runErr != nil {
		logger.Warn("relay session ended with error", "session_id", s.ID(), "request_id", reqID, "reason", s.CloseReason(), "error", runErr)
	}
}

func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins["*"]; ok {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
