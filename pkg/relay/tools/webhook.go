package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WebhookSpec declares a tool served by an HTTP endpoint. URL and header
// values are expanded against the process environment.
type WebhookSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
}

type webhookFile struct {
	Tools []WebhookSpec `yaml:"tools"`
}

// LoadWebhooks reads a YAML tools file.
func LoadWebhooks(path string, client *http.Client) ([]Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tools file: %w", err)
	}
	handlers, err := ParseWebhooks(data, client)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return handlers, nil
}

func ParseWebhooks(data []byte, client *http.Client) ([]Handler, error) {
	var file webhookFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse tools file: %w", err)
	}
	if client == nil {
		client = NewWebhookClient(NetworkPolicy{})
	}

	seen := make(map[string]struct{}, len(file.Tools))
	out := make([]Handler, 0, len(file.Tools))
	for i, spec := range file.Tools {
		h, err := newWebhook(spec, client)
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		if _, dup := seen[h.spec.Name]; dup {
			return nil, fmt.Errorf("tools[%d]: duplicate tool name %q", i, h.spec.Name)
		}
		seen[h.spec.Name] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}

type webhook struct {
	spec   WebhookSpec
	target *url.URL
	client *http.Client
}

func newWebhook(spec WebhookSpec, client *http.Client) (*webhook, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	spec.Method = strings.ToUpper(strings.TrimSpace(spec.Method))
	if spec.Method == "" {
		spec.Method = http.MethodPost
	}
	if spec.Method != http.MethodPost && spec.Method != http.MethodGet {
		return nil, fmt.Errorf("method must be GET or POST")
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0")
	}
	target, err := url.Parse(os.ExpandEnv(strings.TrimSpace(spec.URL)))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("url must be http or https")
	}
	headers := make(map[string]string, len(spec.Headers))
	for k, v := range spec.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	spec.Headers = headers
	return &webhook{spec: spec, target: target, client: client}, nil
}

func (w *webhook) Name() string { return w.spec.Name }

func (w *webhook) Execute(ctx context.Context, sessionID string, params map[string]any) (any, error) {
	if w.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.spec.Timeout)
		defer cancel()
	}

	req, err := w.buildRequest(ctx, sessionID, params)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %q request failed: %w", w.spec.Name, err)
	}
	defer resp.Body.Close()

	body, err := readBodyLimited(resp, maxResponseBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("webhook %q: %w", w.spec.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.Join(strings.Fields(string(body)), " ")
		if len(msg) > 200 {
			msg = msg[:200] + "…"
		}
		if msg == "" {
			return nil, fmt.Errorf("webhook %q returned status %d", w.spec.Name, resp.StatusCode)
		}
		return nil, fmt.Errorf("webhook %q returned status %d: %s", w.spec.Name, resp.StatusCode, msg)
	}
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return string(body), nil
}

func (w *webhook) buildRequest(ctx context.Context, sessionID string, params map[string]any) (*http.Request, error) {
	u := *w.target
	var body *bytes.Reader
	if w.spec.Method == http.MethodGet {
		q := u.Query()
		q.Set("session_id", sessionID)
		for k, v := range params {
			s, err := Render(v)
			if err != nil {
				return nil, fmt.Errorf("encode parameter %q: %w", k, err)
			}
			q.Set(k, s)
		}
		u.RawQuery = q.Encode()
		body = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(map[string]any{
			"tool":       w.spec.Name,
			"session_id": sessionID,
			"parameters": params,
		})
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, w.spec.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if w.spec.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
