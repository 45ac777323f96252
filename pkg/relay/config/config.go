package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-relay/pkg/relay/framer"
	"github.com/vango-go/vai-relay/pkg/relay/session"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

type Config struct {
	Addr string

	// Upstream agent service.
	AgentID                string
	ElevenLabsAPIKey       string
	UpstreamMode           upstream.Mode
	UpstreamWSBaseURL      string
	UpstreamAPIBaseURL     string
	UpstreamConnectTimeout time.Duration

	// Audio handling.
	MaxAudioFrameBytes     int
	FrameInterval          time.Duration
	SupportedAudioFormat   string
	PassthroughMetadata    bool
	PreopenAudio           session.PreopenPolicy
	PreopenAudioMaxBytes   int
	InboundAudioBPS        int64
	InboundAudioBurstBytes int

	// Downstream WebSocket.
	MaxJSONMessageBytes int64
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	OutboundQueueSize   int
	CloseGracePeriod    time.Duration

	// Client tools.
	ToolTimeout               time.Duration
	ToolsFile                 string
	ToolsAllowPrivateNetworks bool

	// Relay access.
	APIKeys            map[string]struct{}
	CORSAllowedOrigins map[string]struct{} // empty => same-origin only
	MaxSessions        int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsEnabled      bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("VAI_RELAY_ADDR", ":8080"),
		AgentID:                   envOr("VAI_RELAY_AGENT_ID", os.Getenv("ELEVENLABS_AGENT_ID")),
		ElevenLabsAPIKey:          envOr("VAI_RELAY_ELEVENLABS_API_KEY", os.Getenv("ELEVENLABS_API_KEY")),
		UpstreamWSBaseURL:         envOr("VAI_RELAY_UPSTREAM_WS_BASE_URL", upstream.DefaultWSBaseURL),
		UpstreamAPIBaseURL:        envOr("VAI_RELAY_UPSTREAM_API_BASE_URL", upstream.DefaultAPIBaseURL),
		UpstreamConnectTimeout:    envDurationOr("VAI_RELAY_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		MaxAudioFrameBytes:        envIntOr("VAI_RELAY_MAX_AUDIO_FRAME_BYTES", framer.DefaultMaxFrameBytes),
		FrameInterval:             envDurationOr("VAI_RELAY_FRAME_INTERVAL", 0),
		SupportedAudioFormat:      envOr("VAI_RELAY_SUPPORTED_AUDIO_FORMAT", "pcm_16000"),
		PassthroughMetadata:       envBoolOr("VAI_RELAY_PASSTHROUGH_METADATA", false),
		PreopenAudio:              session.PreopenPolicy(strings.ToLower(envOr("VAI_RELAY_PREOPEN_AUDIO", string(session.PreopenDrop)))),
		PreopenAudioMaxBytes:      envIntOr("VAI_RELAY_PREOPEN_AUDIO_MAX_BYTES", 64<<10),
		InboundAudioBPS:           envInt64Or("VAI_RELAY_INBOUND_AUDIO_BPS", 128*1024),
		InboundAudioBurstBytes:    envIntOr("VAI_RELAY_INBOUND_AUDIO_BURST_BYTES", 256*1024),
		MaxJSONMessageBytes:       envInt64Or("VAI_RELAY_MAX_JSON_MESSAGE_BYTES", 256*1024),
		WSPingInterval:            envDurationOr("VAI_RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("VAI_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("VAI_RELAY_WS_READ_TIMEOUT", 0),
		OutboundQueueSize:         envIntOr("VAI_RELAY_OUTBOUND_QUEUE_SIZE", 256),
		CloseGracePeriod:          envDurationOr("VAI_RELAY_CLOSE_GRACE_PERIOD", 2*time.Second),
		ToolTimeout:               envDurationOr("VAI_RELAY_TOOL_TIMEOUT", 15*time.Second),
		ToolsFile:                 envOr("VAI_RELAY_TOOLS_FILE", ""),
		ToolsAllowPrivateNetworks: envBoolOr("VAI_RELAY_TOOLS_ALLOW_PRIVATE_NETWORKS", false),
		APIKeys:                   make(map[string]struct{}),
		CORSAllowedOrigins:        make(map[string]struct{}),
		MaxSessions:               envIntOr("VAI_RELAY_MAX_SESSIONS", 0),
		ReadHeaderTimeout:         envDurationOr("VAI_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("VAI_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsEnabled:            envBoolOr("VAI_RELAY_METRICS_ENABLED", true),
	}

	defaultMode := upstream.ModeDirect
	if cfg.ElevenLabsAPIKey != "" {
		defaultMode = upstream.ModeSignedURL
	}
	mode, err := upstream.ParseMode(envOr("VAI_RELAY_UPSTREAM_MODE", string(defaultMode)))
	if err != nil {
		return Config{}, fmt.Errorf("VAI_RELAY_UPSTREAM_MODE must be one of direct|signed_url")
	}
	cfg.UpstreamMode = mode

	for _, key := range splitCSV(os.Getenv("VAI_RELAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.UpstreamMode == upstream.ModeSignedURL && c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("VAI_RELAY_ELEVENLABS_API_KEY must be set when VAI_RELAY_UPSTREAM_MODE=signed_url")
	}
	if c.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if c.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_RELAY_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if c.FrameInterval < 0 {
		return fmt.Errorf("VAI_RELAY_FRAME_INTERVAL must be >= 0")
	}
	switch c.PreopenAudio {
	case session.PreopenDrop, session.PreopenBuffer:
	default:
		return fmt.Errorf("VAI_RELAY_PREOPEN_AUDIO must be one of drop|buffer")
	}
	if c.PreopenAudioMaxBytes <= 0 {
		return fmt.Errorf("VAI_RELAY_PREOPEN_AUDIO_MAX_BYTES must be > 0")
	}
	if c.InboundAudioBPS < 0 {
		return fmt.Errorf("VAI_RELAY_INBOUND_AUDIO_BPS must be >= 0")
	}
	if c.InboundAudioBurstBytes < 0 {
		return fmt.Errorf("VAI_RELAY_INBOUND_AUDIO_BURST_BYTES must be >= 0")
	}
	if c.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VAI_RELAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("VAI_RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.CloseGracePeriod <= 0 {
		return fmt.Errorf("VAI_RELAY_CLOSE_GRACE_PERIOD must be > 0")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_TOOL_TIMEOUT must be > 0")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("VAI_RELAY_MAX_SESSIONS must be >= 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// Issues lists conditions that keep the relay from serving sessions even
// though the process can start.
func (c Config) Issues() []string {
	var out []string
	if strings.TrimSpace(c.AgentID) == "" {
		out = append(out, "agent id is not configured")
	}
	return out
}

// SessionConfig is the per-session slice of the relay configuration.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		AgentID:                    c.AgentID,
		MaxFrameBytes:              c.MaxAudioFrameBytes,
		FrameInterval:              c.FrameInterval,
		SupportedAudioFormat:       c.SupportedAudioFormat,
		PassthroughMetadata:        c.PassthroughMetadata,
		PreopenAudio:               c.PreopenAudio,
		PreopenAudioMaxBytes:       c.PreopenAudioMaxBytes,
		InboundAudioBytesPerSecond: c.InboundAudioBPS,
		InboundAudioBurstBytes:     c.InboundAudioBurstBytes,
		MaxJSONMessageBytes:        c.MaxJSONMessageBytes,
		ReadTimeout:                c.WSReadTimeout,
		PingInterval:               c.WSPingInterval,
		WriteTimeout:               c.WSWriteTimeout,
		OutboundQueueSize:          c.OutboundQueueSize,
		CloseGracePeriod:           c.CloseGracePeriod,
	}
}

func (c Config) Resolver() upstream.Resolver {
	return upstream.Resolver{
		Mode:       c.UpstreamMode,
		WSBaseURL:  c.UpstreamWSBaseURL,
		APIBaseURL: c.UpstreamAPIBaseURL,
		APIKey:     c.ElevenLabsAPIKey,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return strings.TrimSpace(def)
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr also accepts a bare integer as milliseconds.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
