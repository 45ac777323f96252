// Package session bridges one downstream caller connection to one upstream
// agent conversation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/relay/framer"
	"github.com/vango-go/vai-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-relay/pkg/relay/tools"
	"github.com/vango-go/vai-relay/pkg/relay/translate"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

const outboundPriorityQueueSize = 16

var (
	errBackpressure   = errors.New("outbound backpressure")
	errOutboundClosed = errors.New("outbound queue closed")
	errWriterStopped  = errors.New("outbound writer stopped")
)

type State int32

const (
	StateCreated State = iota
	StateAwaitingUpstream
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close reasons reported by CloseReason.
const (
	ReasonDownstreamClosed     = "downstream_closed"
	ReasonDownstreamSendFailed = "downstream_send_failed"
	ReasonUpstreamClosed       = "upstream_closed"
	ReasonUpstreamOpenFailed   = "upstream_open_failed"
	ReasonMissingAgentID       = "missing_agent_id"
	ReasonSessionIDConflict    = "session_id_conflict"
	ReasonShutdown             = "shutdown"
)

type PreopenPolicy string

const (
	PreopenDrop   PreopenPolicy = "drop"
	PreopenBuffer PreopenPolicy = "buffer"
)

// Conn is the downstream socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	wsWriter
}

type UpstreamConn interface {
	Send(ctx context.Context, payload any) error
	Events() <-chan upstream.Event
	CloseInfo() upstream.CloseInfo
	Close() error
}

type UpstreamDialer interface {
	Dial(ctx context.Context, agentID string, clientData *upstream.ConversationInitiationClientData) (UpstreamConn, error)
}

// DialerAdapter exposes *upstream.Dialer as an UpstreamDialer.
type DialerAdapter struct {
	Dialer *upstream.Dialer
}

func (a DialerAdapter) Dial(ctx context.Context, agentID string, clientData *upstream.ConversationInitiationClientData) (UpstreamConn, error) {
	if a.Dialer == nil {
		return nil, fmt.Errorf("upstream dialer is not configured")
	}
	conn, err := a.Dialer.Dial(ctx, agentID, clientData)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type ToolDispatcher interface {
	Dispatch(ctx context.Context, inv tools.Invocation) tools.Result
}

// Metrics receives per-session observations. All methods must be safe for
// concurrent use.
type Metrics interface {
	UpstreamOpened(d time.Duration, err error)
	AudioIn(bytes int)
	AudioOut(bytes int)
	AudioDropped(reason string, bytes int)
	MalformedMessage(side string)
}

type Config struct {
	AgentID string

	MaxFrameBytes        int
	FrameInterval        time.Duration
	SupportedAudioFormat string
	PassthroughMetadata  bool

	PreopenAudio         PreopenPolicy
	PreopenAudioMaxBytes int

	InboundAudioBytesPerSecond int64
	InboundAudioBurstBytes     int

	MaxJSONMessageBytes int64
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	OutboundQueueSize   int
	// CloseGracePeriod bounds how long teardown waits for queued downstream
	// frames to be written.
	CloseGracePeriod time.Duration
}

type Dependencies struct {
	Conn     Conn
	Upstream UpstreamDialer
	Tools    ToolDispatcher
	Logger   *slog.Logger
	Metrics  Metrics
	Config   Config

	// SessionID is the provisional id used until init supplies one. A random
	// UUID is used when empty.
	SessionID string
	RequestID string
	// ClaimID reserves a caller-supplied session id. Nil accepts any id.
	ClaimID func(id string) error
	Now     func() time.Time
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type openResult struct {
	conn     UpstreamConn
	err      error
	duration time.Duration
}

type closeCause struct {
	reason string
	err    error
	// message is sent downstream as an error before closing.
	message  string
	upstream *upstream.CloseInfo
}

type Session struct {
	conn    Conn
	dialer  UpstreamDialer
	tools   ToolDispatcher
	logger  *slog.Logger
	metrics Metrics
	cfg     Config
	now     func() time.Time
	claimID func(string) error

	requestID string
	idMu      sync.Mutex
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	state       atomic.Int32
	closeReason atomic.Value
	cancelOnce  sync.Once

	// Owned by the Run goroutine.
	up           UpstreamConn
	dialCancel   context.CancelFunc
	framer       *framer.Framer
	limiter      *inboundAudioLimiter
	preopen      preopenBuffer
	translateOpt translate.Options

	stopped chan struct{}
	openCh  chan openResult
	toolCh  chan tools.Result

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	outboundClosed   bool
	writerCtx        context.Context
	writerCancel     context.CancelFunc
	writerErr        chan error
	writerDone       chan struct{}
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewDispatcher(tools.NewRegistry(), tools.DispatcherConfig{Logger: deps.Logger})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = framer.DefaultMaxFrameBytes
	}
	if cfg.PreopenAudio == "" {
		cfg.PreopenAudio = PreopenDrop
	}
	if cfg.PreopenAudioMaxBytes <= 0 {
		cfg.PreopenAudioMaxBytes = 64 << 10
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = 2 * time.Second
	}
	sessionID := strings.TrimSpace(deps.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	writerCtx, writerCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      deps.Conn,
		dialer:    deps.Upstream,
		tools:     deps.Tools,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       deps.Now,
		claimID:   deps.ClaimID,
		requestID: deps.RequestID,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,

		limiter: newInboundAudioLimiter(deps.Now, cfg.InboundAudioBytesPerSecond, cfg.InboundAudioBurstBytes),
		preopen: preopenBuffer{max: cfg.PreopenAudioMaxBytes},
		translateOpt: translate.Options{
			PassthroughMetadata:  cfg.PassthroughMetadata,
			SupportedAudioFormat: cfg.SupportedAudioFormat,
		},

		stopped: make(chan struct{}),
		openCh:  make(chan openResult),
		toolCh:  make(chan tools.Result),

		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		writerCtx:        writerCtx,
		writerCancel:     writerCancel,
		writerErr:        make(chan error, 1),
		writerDone:       make(chan struct{}),
	}
	s.framer = framer.New(framer.Config{MaxFrameBytes: cfg.MaxFrameBytes, FrameInterval: cfg.FrameInterval}, downstreamSink{s: s})
	s.state.Store(int32(StateCreated))
	return s, nil
}

func (s *Session) ID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.sessionID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// CloseReason is empty until teardown starts.
func (s *Session) CloseReason() string {
	v, _ := s.closeReason.Load().(string)
	return v
}

// Cancel asks the session to shut down. Safe to call any number of times
// from any goroutine.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.cancelOnce.Do(s.cancel)
}

// Run drives the session until both sides are closed.
func (s *Session) Run() error {
	defer s.Cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	var g errgroup.Group
	g.Go(func() error {
		s.readLoop(readCh)
		return nil
	})
	g.Go(func() error {
		defer close(s.writerDone)
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.writerCtx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
		}
		err := w.Run()
		if err != nil {
			s.writerErr <- err
		}
		return err
	})

	cause := s.pump(readCh)
	s.teardown(cause)

	if err := g.Wait(); err != nil && cause.reason != ReasonDownstreamSendFailed && cause.reason != ReasonDownstreamClosed {
		s.logger.Debug("downstream writer ended with error", "session_id", s.ID(), "error", err)
	}
	s.setState(StateClosed)
	if cause.err != nil && cause.reason != ReasonDownstreamClosed && cause.reason != ReasonShutdown {
		return cause.err
	}
	return nil
}

func (s *Session) pump(readCh <-chan inboundFrame) closeCause {
	for {
		var events <-chan upstream.Event
		if s.up != nil {
			events = s.up.Events()
		}

		select {
		case <-s.ctx.Done():
			return closeCause{reason: ReasonShutdown, message: "relay is shutting down"}
		case err := <-s.writerErr:
			return closeCause{reason: ReasonDownstreamSendFailed, err: err}
		case frame, ok := <-readCh:
			if !ok {
				return closeCause{reason: ReasonDownstreamClosed}
			}
			if frame.err != nil {
				return closeCause{reason: ReasonDownstreamClosed, err: frame.err}
			}
			if cause := s.handleDownstream(frame); cause != nil {
				return *cause
			}
		case res := <-s.openCh:
			if cause := s.handleOpen(res); cause != nil {
				return *cause
			}
		case ev, ok := <-events:
			if !ok {
				info := s.up.CloseInfo()
				return closeCause{reason: ReasonUpstreamClosed, err: info.Err, upstream: &info}
			}
			if cause := s.handleUpstream(ev); cause != nil {
				return *cause
			}
		case res := <-s.toolCh:
			s.handleToolResult(res)
		case <-s.framer.C():
			if err := s.framer.Tick(); err != nil {
				return closeCause{reason: ReasonDownstreamSendFailed, err: err}
			}
		}
	}
}

func (s *Session) handleDownstream(frame inboundFrame) *closeCause {
	if frame.messageType == websocket.BinaryMessage {
		s.handleAudio(protocol.BinaryAudio(frame.data).Data)
		return nil
	}
	if frame.messageType != websocket.TextMessage {
		return nil
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		s.metrics.MalformedMessage("downstream")
		s.logger.Warn("downstream message dropped", "session_id", s.ID(), "error", err)
		return nil
	}
	switch m := msg.(type) {
	case protocol.ClientInit:
		return s.handleInit(m)
	case protocol.ClientAudio:
		s.handleAudio(m.Data)
	case protocol.ClientPing:
		if err := s.sendPriority(protocol.NewPong(s.now().UnixMilli())); err != nil {
			s.logger.Debug("pong dropped", "session_id", s.ID(), "error", err)
		}
	}
	return nil
}

func (s *Session) handleInit(msg protocol.ClientInit) *closeCause {
	if s.State() != StateCreated {
		s.logger.Info("duplicate init ignored", "session_id", s.ID(), "state", s.State().String())
		return nil
	}
	agentID := strings.TrimSpace(s.cfg.AgentID)
	if agentID == "" {
		return &closeCause{reason: ReasonMissingAgentID, message: "agent id is not configured"}
	}
	if id := msg.SessionID; id != "" && id != s.ID() {
		if s.claimID != nil {
			if err := s.claimID(id); err != nil {
				return &closeCause{reason: ReasonSessionIDConflict, err: err, message: "session_id is already in use"}
			}
		}
		s.idMu.Lock()
		s.sessionID = id
		s.idMu.Unlock()
	}

	s.setState(StateAwaitingUpstream)
	sessionID := s.ID()
	s.logger.Info("opening upstream session", "session_id", sessionID, "agent_id", agentID)

	dialCtx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	clientData := upstream.NewClientData(map[string]any{"relay_session_id": sessionID})
	go func() {
		start := s.now()
		conn, err := s.dialer.Dial(dialCtx, agentID, &clientData)
		res := openResult{conn: conn, err: err, duration: s.now().Sub(start)}
		select {
		case s.openCh <- res:
		case <-s.stopped:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
	return nil
}

func (s *Session) handleOpen(res openResult) *closeCause {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.metrics.UpstreamOpened(res.duration, res.err)
	if res.err != nil {
		s.logger.Warn("upstream open failed", "session_id", s.ID(), "agent_id", s.cfg.AgentID, "error", res.err)
		return &closeCause{reason: ReasonUpstreamOpenFailed, err: res.err, message: openFailureMessage(res.err)}
	}

	s.up = res.conn
	s.setState(StateActive)
	s.logger.Info("upstream session open", "session_id", s.ID(), "agent_id", s.cfg.AgentID, "duration_ms", res.duration.Milliseconds())

	connected := protocol.ServerConnected{Type: protocol.TypeConnected, SessionID: s.ID(), AgentID: s.cfg.AgentID}
	if err := s.framer.Deliver(connected); err != nil {
		return &closeCause{reason: ReasonDownstreamSendFailed, err: err}
	}
	for _, chunk := range s.preopen.take() {
		s.forwardAudio(chunk)
	}
	return nil
}

func openFailureMessage(err error) string {
	switch {
	case errors.Is(err, upstream.ErrAuthentication):
		return "upstream authentication failed"
	case errors.Is(err, upstream.ErrConnectTimeout):
		return "upstream connect timeout"
	default:
		return "failed to connect to upstream agent"
	}
}

func (s *Session) handleAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	switch s.State() {
	case StateCreated:
		s.metrics.AudioDropped("before_init", len(data))
		s.logger.Debug("audio before init dropped", "session_id", s.ID(), "bytes", len(data))
	case StateAwaitingUpstream:
		if s.cfg.PreopenAudio != PreopenBuffer {
			s.metrics.AudioDropped("preopen", len(data))
			return
		}
		if evicted := s.preopen.push(data); evicted > 0 {
			s.metrics.AudioDropped("preopen_overflow", evicted)
		}
	case StateActive:
		if !s.limiter.Allow(len(data)) {
			s.metrics.AudioDropped("rate_limited", len(data))
			return
		}
		s.forwardAudio(data)
	}
}

func (s *Session) forwardAudio(data []byte) {
	if err := s.up.Send(s.ctx, translate.UserAudio(data)); err != nil {
		s.metrics.AudioDropped("upstream_not_open", len(data))
		s.logger.Debug("caller audio dropped", "session_id", s.ID(), "error", err)
		return
	}
	s.metrics.AudioIn(len(data))
}

func (s *Session) handleUpstream(ev upstream.Event) *closeCause {
	act := translate.FromUpstream(ev, s.translateOpt)
	for _, w := range act.Warnings {
		s.logger.Warn("audio format mismatch", "session_id", s.ID(), "detail", w)
	}
	if act.Reply != nil {
		if err := s.up.Send(s.ctx, act.Reply); err != nil {
			s.logger.Debug("upstream reply dropped", "session_id", s.ID(), "error", err)
		}
	}
	if act.Interrupt {
		dropped, err := s.framer.Interrupt()
		if err != nil {
			return &closeCause{reason: ReasonDownstreamSendFailed, err: err}
		}
		if dropped > 0 {
			s.metrics.AudioDropped("interrupted", dropped)
		}
	}
	if len(act.Audio) > 0 {
		if err := s.framer.Ingest(act.Audio); err != nil {
			return &closeCause{reason: ReasonDownstreamSendFailed, err: err}
		}
	}
	if act.Downstream != nil {
		if err := s.framer.Deliver(act.Downstream); err != nil {
			return &closeCause{reason: ReasonDownstreamSendFailed, err: err}
		}
	}
	if act.ToolCall != nil {
		s.startTool(*act.ToolCall)
	}
	if act.Ignored != "" {
		s.logger.Debug("upstream event ignored", "session_id", s.ID(), "type", ev.Type, "reason", act.Ignored)
	}
	return nil
}

func (s *Session) startTool(call upstream.ToolCall) {
	inv := tools.Invocation{
		SessionID:  s.ID(),
		CallID:     call.CallID,
		Name:       call.Name,
		Parameters: call.Parameters,
	}
	go func() {
		res := s.tools.Dispatch(context.Background(), inv)
		select {
		case s.toolCh <- res:
		case <-s.stopped:
			s.logger.Debug("tool result discarded after close", "session_id", inv.SessionID, "tool", inv.Name, "tool_call_id", inv.CallID)
		}
	}()
}

func (s *Session) handleToolResult(res tools.Result) {
	if s.State() != StateActive || s.up == nil {
		return
	}
	if err := s.up.Send(s.ctx, translate.ToolResult(res.CallID, res.Result, res.IsError)); err != nil {
		s.logger.Warn("tool result not delivered", "session_id", s.ID(), "tool_call_id", res.CallID, "error", err)
	}
}

func (s *Session) teardown(cause closeCause) {
	s.closeReason.Store(cause.reason)
	s.setState(StateClosing)
	close(s.stopped)
	if s.dialCancel != nil {
		s.dialCancel()
	}

	downstreamAlive := cause.reason != ReasonDownstreamClosed && cause.reason != ReasonDownstreamSendFailed
	if downstreamAlive {
		if err := s.framer.Drain(); err != nil {
			downstreamAlive = false
		}
	} else {
		s.framer.Abandon()
	}
	if st := s.framer.Stats(); st.BytesDropped > 0 {
		s.logger.Debug("agent audio discarded at close", "session_id", s.ID(), "bytes", st.BytesDropped)
	}

	if s.up != nil {
		_ = s.up.Close()
	}

	attrs := []any{"session_id", s.ID(), "request_id", s.requestID, "reason", cause.reason}
	if cause.err != nil {
		attrs = append(attrs, "error", cause.err)
	}
	if cause.upstream != nil {
		attrs = append(attrs, "upstream_code", cause.upstream.Code, "upstream_reason", cause.upstream.Reason)
	}
	s.logger.Info("session closing", attrs...)

	if downstreamAlive {
		if cause.message != "" {
			_ = s.sendPriority(protocol.NewError(cause.message))
		}
		if cause.upstream != nil {
			_ = s.sendJSON(protocol.ServerUpstreamDisconnected{
				Type:   protocol.TypeUpstreamDisconnected,
				Code:   cause.upstream.Code,
				Reason: cause.upstream.Reason,
			})
		}
		_ = s.enqueueNormal(closeFrame(closeCode(cause.reason), ""))
		s.closeOutbound()

		timer := time.NewTimer(s.cfg.CloseGracePeriod)
		select {
		case <-s.writerDone:
		case <-timer.C:
			s.logger.Warn("downstream flush timed out", "session_id", s.ID())
		}
		timer.Stop()
	} else {
		s.closeOutbound()
	}
	s.writerCancel()
	_ = s.conn.Close()
}

func closeCode(reason string) int {
	switch reason {
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonUpstreamOpenFailed, ReasonMissingAgentID:
		return websocket.CloseInternalServerErr
	case ReasonSessionIDConflict:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

func (s *Session) closeOutbound() {
	if s.outboundClosed {
		return
	}
	s.outboundClosed = true
	close(s.outboundPriority)
	close(s.outboundNormal)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(textFrame(payload))
}

func (s *Session) sendPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(textFrame(payload))
}

// enqueueNormal blocks for at most WriteTimeout when the queue is full.
func (s *Session) enqueueNormal(frame outboundFrame) error {
	if s.outboundClosed {
		return errOutboundClosed
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.writerDone:
		return errWriterStopped
	case <-timer.C:
		return errBackpressure
	}
}

// enqueuePriority evicts the oldest priority frame when the lane is full.
func (s *Session) enqueuePriority(frame outboundFrame) error {
	if s.outboundClosed {
		return errOutboundClosed
	}
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	return errBackpressure
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.stopped:
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.stopped:
			return
		}
	}
}

// downstreamSink adapts the outbound queue to the framer.
type downstreamSink struct {
	s *Session
}

func (d downstreamSink) SendFrame(frame []byte) error {
	if err := d.s.sendJSON(protocol.NewAudio(frame)); err != nil {
		return err
	}
	d.s.metrics.AudioOut(len(frame))
	return nil
}

func (d downstreamSink) SendMessage(msg any) error {
	return d.s.sendJSON(msg)
}

type nopMetrics struct{}

func (nopMetrics) UpstreamOpened(time.Duration, error) {}
func (nopMetrics) AudioIn(int) {}
func (nopMetrics) AudioOut(int) {}
func (nopMetrics) AudioDropped(string, int) {}
func (nopMetrics) MalformedMessage(string) {}
