// Package upstream opens and speaks to the hosted conversational agent
// service over WebSocket.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultWSBaseURL  = "wss://api.elevenlabs.io"
	DefaultAPIBaseURL = "https://api.elevenlabs.io"

	conversationPath = "/v1/convai/conversation"
	signedURLPath    = "/v1/convai/conversation/get_signed_url"
	apiKeyHeader     = "xi-api-key"
)

var (
	ErrAuthentication = errors.New("upstream authentication failed")
	ErrConnectTimeout = errors.New("upstream connect timeout")
	ErrNotOpen        = errors.New("upstream connection is not open")
)

type Mode string

const (
	// ModeDirect dials the conversation endpoint with the agent id only.
	ModeDirect Mode = "direct"
	// ModeSignedURL exchanges the API key for a short-lived signed URL first.
	ModeSignedURL Mode = "signed_url"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeSignedURL, "signed-url", "signed":
		return ModeSignedURL, nil
	default:
		return "", fmt.Errorf("unsupported upstream mode %q", s)
	}
}

// Target is a resolved dial destination.
type Target struct {
	URL    string
	Header http.Header
}

type Resolver struct {
	Mode       Mode
	WSBaseURL  string
	APIBaseURL string
	APIKey     string
	HTTPClient *http.Client
}

// Resolve produces the WebSocket URL (and dial headers) for agentID. Any
// failure of the signed URL exchange wraps ErrAuthentication.
func (r Resolver) Resolve(ctx context.Context, agentID string) (Target, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Target{}, fmt.Errorf("agent id is required")
	}
	switch r.Mode {
	case ModeSignedURL:
		signed, err := r.fetchSignedURL(ctx, agentID)
		if err != nil {
			return Target{}, err
		}
		return Target{URL: signed, Header: http.Header{}}, nil
	case ModeDirect, "":
		u, err := joinURL(r.WSBaseURL, DefaultWSBaseURL, conversationPath)
		if err != nil {
			return Target{}, fmt.Errorf("invalid upstream ws base url: %w", err)
		}
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
		header := http.Header{}
		if key := strings.TrimSpace(r.APIKey); key != "" {
			header.Set(apiKeyHeader, key)
		}
		return Target{URL: u.String(), Header: header}, nil
	default:
		return Target{}, fmt.Errorf("unsupported upstream mode %q", r.Mode)
	}
}

func (r Resolver) fetchSignedURL(ctx context.Context, agentID string) (string, error) {
	key := strings.TrimSpace(r.APIKey)
	if key == "" {
		return "", fmt.Errorf("%w: api key is required for signed_url mode", ErrAuthentication)
	}
	u, err := joinURL(r.APIBaseURL, DefaultAPIBaseURL, signedURLPath)
	if err != nil {
		return "", fmt.Errorf("invalid upstream api base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(apiKeyHeader, key)
	req.Header.Set("Accept", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: signed url request: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: signed url status %d: %s", ErrAuthentication, resp.StatusCode, snippet(body))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: decode signed url response: %v", ErrAuthentication, err)
	}
	if strings.TrimSpace(payload.SignedURL) == "" {
		return "", fmt.Errorf("%w: signed url response missing signed_url", ErrAuthentication)
	}
	return strings.TrimSpace(payload.SignedURL), nil
}

func joinURL(base, fallback, path string) (*url.URL, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = fallback
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q must be absolute", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u, nil
}

func snippet(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
