package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"replybot/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

// StatusError is returned when a backend answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ErrMissingCredentials is returned when an enabled provider has no API key.
var ErrMissingCredentials = errors.New("missing credentials")

// SharedHTTPClient returns a pooled client. One is shared by every
// HTTP-backed provider the factory builds.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// Endpoint is the connection config of an HTTP-backed provider.
type Endpoint struct {
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

// backend carries what every HTTP provider needs to talk to its API.
type backend struct {
	name    string
	base    string
	model   string
	client  *http.Client
	logger  *slog.Logger
	headers http.Header
}

func newBackend(name, defaultBase, defaultModel string, ep Endpoint) backend {
	if ep.APIBase == "" {
		ep.APIBase = defaultBase
	}
	if ep.Model == "" {
		ep.Model = defaultModel
	}
	if ep.Client == nil {
		ep.Client = SharedHTTPClient(defaultHTTPTimeout)
	}
	if ep.Logger == nil {
		ep.Logger = slog.Default()
	}
	return backend{
		name:    name,
		base:    strings.TrimRight(ep.APIBase, "/"),
		model:   ep.Model,
		client:  ep.Client,
		logger:  ep.Logger.With("provider", name),
		headers: http.Header{},
	}
}

func (b *backend) Name() string { return b.name }

func (b *backend) modelFor(req domain.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.model
}

func (b *backend) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, vs := range b.headers {
		req.Header[k] = vs
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.client.Do(req)
}

// post sends payload as JSON and decodes a 200 response into out. It makes
// exactly one attempt; retrying belongs to the router.
func (b *backend) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := b.do(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s request: %w", b.name, err)
	}
	defer resp.Body.Close()
	b.logger.Debug("provider call", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Provider: b.name, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", b.name, err)
	}
	return nil
}

// probe issues a GET against path and maps the status to a health error.
func (b *backend) probe(ctx context.Context, path string) error {
	resp, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", b.name, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: invalid API key", b.name)
	default:
		return &StatusError{Provider: b.name, StatusCode: resp.StatusCode}
	}
}

func usage(prompt, completion int) domain.Usage {
	return domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}
