package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultMaxMessageBytes = 4 << 20
	eventBufferSize        = 256
)

type Dialer struct {
	Resolver        Resolver
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Logger          *slog.Logger
	WebSocket       *websocket.Dialer
	// OnMalformed is called for every upstream frame that fails to decode.
	OnMalformed     func()
}

// Dial resolves the target for agentID, opens the socket and, when clientData
// is non-nil, sends it as the first frame. Any failure within ConnectTimeout
// is reported as ErrConnectTimeout; upstream 401/403 as ErrAuthentication.
func (d *Dialer) Dial(ctx context.Context, agentID string, clientData *ConversationInitiationClientData) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.dial(dialCtx, agentID)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
		}
		return nil, err
	}
	if clientData != nil {
		if err := conn.Send(dialCtx, clientData); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("send conversation initiation: %w", err)
		}
	}
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context, agentID string) (*Conn, error) {
	target, err := d.Resolver.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}
	wsDialer := d.WebSocket
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	ws, resp, err := wsDialer.DialContext(ctx, target.URL, target.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: handshake status %d", ErrAuthentication, resp.StatusCode)
			}
			return nil, fmt.Errorf("upstream handshake failed: status %d: %s", resp.StatusCode, snippet(body))
		}
		return nil, fmt.Errorf("upstream dial: %w", err)
	}

	maxBytes := d.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	ws.SetReadLimit(maxBytes)

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := newConn(ws, writeTimeout, logger)
	c.onMalformed = d.OnMalformed
	go c.readLoop()
	return c, nil
}

// CloseInfo describes how the upstream connection ended. Err is nil for a
// close handshake initiated by either side.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	onMalformed  func()

	writeMu sync.Mutex

	events    chan Event
	closed    chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	open      atomic.Bool

	infoMu sync.Mutex
	info   CloseInfo
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, eventBufferSize),
		closed:       make(chan struct{}),
		readDone:     make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

// Events yields decoded events in arrival order and is closed when the read
// side ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) Done() <-chan struct{} {
	return c.readDone
}

func (c *Conn) IsOpen() bool {
	return c != nil && c.open.Load()
}

func (c *Conn) CloseInfo() CloseInfo {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

// Send writes payload as a JSON text frame.
func (c *Conn) Send(ctx context.Context, payload any) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(payload); err != nil {
		return fmt.Errorf("upstream write: %w", err)
	}
	return nil
}

// Close performs a normal-closure handshake and releases the socket. Safe to
// call more than once.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		wasOpen := c.open.Swap(false)
		close(c.closed)
		c.setInfo(CloseInfo{Code: websocket.CloseNormalClosure, Reason: "closed by relay"})
		if wasOpen {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
		}
		_ = c.ws.Close()
	})
	<-c.readDone
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.events)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.open.Store(false)
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				c.setInfo(CloseInfo{Code: closeErr.Code, Reason: strings.TrimSpace(closeErr.Text)})
			default:
				select {
				case <-c.closed:
				default:
					c.setInfo(CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: "connection lost", Err: err})
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("upstream non-text frame dropped", "bytes", len(data))
			continue
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			c.logger.Warn("upstream malformed event dropped", "error", err)
			if c.onMalformed != nil {
				c.onMalformed()
			}
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

// setInfo records the first close cause only.
func (c *Conn) setInfo(info CloseInfo) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if c.info.Code != 0 || c.info.Err != nil {
		return
	}
	c.info = info
}
