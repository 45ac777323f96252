package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	ToolGetCurrentTime = "get_current_time"
	ToolLogMessage     = "log_message"
)

// Builtins returns the handlers compiled into the relay.
func Builtins(logger *slog.Logger, now func() time.Time) []Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return []Handler{
		currentTime{now: now},
		logMessage{logger: logger},
	}
}

type currentTime struct {
	now func() time.Time
}

func (currentTime) Name() string { return ToolGetCurrentTime }

// Execute accepts an optional IANA "timezone" parameter.
func (t currentTime) Execute(_ context.Context, _ string, params map[string]any) (any, error) {
	loc := time.UTC
	if raw, ok := params["timezone"]; ok {
		name, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("timezone must be a string")
		}
		if name = strings.TrimSpace(name); name != "" {
			l, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			loc = l
		}
	}
	now := t.now().In(loc)
	return map[string]any{
		"iso8601":  now.Format(time.RFC3339),
		"timezone": loc.String(),
		"unix":     now.Unix(),
	}, nil
}

type logMessage struct {
	logger *slog.Logger
}

func (logMessage) Name() string { return ToolLogMessage }

func (l logMessage) Execute(_ context.Context, sessionID string, params map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	if strings.TrimSpace(msg) == "" {
		return nil, fmt.Errorf("message is required")
	}
	level := slog.LevelInfo
	if lv, _ := params["level"].(string); strings.EqualFold(strings.TrimSpace(lv), "warn") {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "agent log_message", "session_id", sessionID, "message", msg)
	return "logged", nil
}
