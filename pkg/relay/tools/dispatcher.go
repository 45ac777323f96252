package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const DefaultTimeout = 15 * time.Second

// Invocation is one tool call requested by the agent.
type Invocation struct {
	SessionID  string
	CallID     string
	Name       string
	Parameters map[string]any
}

// Result is always produced, success or not, and is correlated to the
// invocation by CallID.
type Result struct {
	CallID   string
	Name     string
	Result   string
	IsError  bool
	Duration time.Duration
}

// Observer receives one callback per finished invocation. status is "ok",
// "error", "not_found" or "timeout".
type Observer interface {
	ObserveToolCall(name, status string, d time.Duration)
}

type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

type DispatcherConfig struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{registry: registry, timeout: cfg.Timeout, logger: cfg.Logger, observer: cfg.Observer}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs the handler for inv.Name and converts every outcome into a
// Result: missing handler, handler error, panic and timeout all yield
// IsError with a descriptive message.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	res := Result{CallID: inv.CallID, Name: inv.Name}

	handler, ok := d.registry.Resolve(inv.Name)
	if !ok {
		res.Result = fmt.Sprintf("no handler found for tool %q", inv.Name)
		res.IsError = true
		d.finish(&res, inv, "not_found", start)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := inv.Parameters
	if params == nil {
		params = map[string]any{}
	}
	out, err := d.run(ctx, handler, inv.SessionID, params)
	status := "ok"
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Result = fmt.Sprintf("tool %q timed out after %s", inv.Name, d.timeout)
		res.IsError = true
		status = "timeout"
	case err != nil:
		res.Result = err.Error()
		res.IsError = true
		status = "error"
	default:
		rendered, rerr := Render(out)
		if rerr != nil {
			res.Result = fmt.Sprintf("tool %q returned an unencodable result: %v", inv.Name, rerr)
			res.IsError = true
			status = "error"
		} else {
			res.Result = rendered
		}
	}
	d.finish(&res, inv, status, start)
	return res
}

// run executes handler in its own goroutine so a handler that ignores ctx
// still yields a timeout result.
func (d *Dispatcher) run(ctx context.Context, h Handler, sessionID string, params map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		v, err := h.Execute(ctx, sessionID, params)
		done <- outcome{value: v, err: err}
	}()
	select {
	case o := <-done:
		if o.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) finish(res *Result, inv Invocation, status string, start time.Time) {
	res.Duration = time.Since(start)
	attrs := []any{
		"session_id", inv.SessionID,
		"tool", inv.Name,
		"tool_call_id", inv.CallID,
		"status", status,
		"duration_ms", res.Duration.Milliseconds(),
	}
	if res.IsError {
		d.logger.Warn("tool call failed", append(attrs, "error", res.Result)...)
	} else {
		d.logger.Info("tool call completed", attrs...)
	}
	if d.observer != nil {
		d.observer.ObserveToolCall(inv.Name, status, res.Duration)
	}
}

// Render converts a handler value into the result string sent upstream.
// Strings pass through; everything else is JSON encoded.
func Render(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case fmt.Stringer:
		return val.String(), nil
	case json.RawMessage:
		return strings.TrimSpace(string(val)), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
