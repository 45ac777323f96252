package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-relay/pkg/relay/apierror"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/handlers"
	"github.com/vango-go/vai-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-relay/pkg/relay/tools"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Store
	metrics   *metrics.Metrics
	tools     *tools.Dispatcher
	dialer    *upstream.Dialer
}

// New wires the relay. It fails only when the tools file cannot be loaded.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("vai_relay")
	}

	handlersList := tools.Builtins(logger, time.Now)
	if cfg.ToolsFile != "" {
		client := tools.NewWebhookClient(tools.NetworkPolicy{AllowPrivate: cfg.ToolsAllowPrivateNetworks})
		hooks, err := tools.LoadWebhooks(cfg.ToolsFile, client)
		if err != nil {
			return nil, fmt.Errorf("load tools: %w", err)
		}
		handlersList = append(handlersList, hooks...)
	}
	dispatcherCfg := tools.DispatcherConfig{Timeout: cfg.ToolTimeout, Logger: logger}
	if m != nil {
		dispatcherCfg.Observer = m
	}

	resolver := cfg.Resolver()
	resolver.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamConnectTimeout,
		},
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		lifecycle: lifecycle.New(time.Now()),
		sessions:  sessions.NewStore(cfg.MaxSessions),
		metrics:   m,
		tools:     tools.NewDispatcher(tools.NewRegistry(handlersList...), dispatcherCfg),
		dialer: &upstream.Dialer{
			Resolver:       resolver,
			ConnectTimeout: cfg.UpstreamConnectTimeout,
			WriteTimeout:   cfg.WSWriteTimeout,
			Logger:         logger,
			OnMalformed:    func() { m.MalformedMessage("upstream") },
		},
	}
	s.routes()
	logger.Info("tools registered", "tools", s.tools.Registry().Names())
	return s, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(func(next http.Handler) http.Handler { return mw.AccessLog(s.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return mw.Recover(s.logger, next) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.TypeNotFound, Message: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.WriteStatus(w, http.StatusMethodNotAllowed, reqID, &apierror.Error{Type: apierror.TypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
	})

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Tools:     s.tools.Registry().Names(),
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	relay := handlers.RelayHandler{
		Config:    s.cfg,
		Upstream:  session.DialerAdapter{Dialer: s.dialer},
		Tools:     s.tools,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	}
	r.Method(http.MethodGet, "/v1/relay", mw.APIKey(s.cfg.APIKeys, relay))

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining makes readiness fail and refuses new sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}
