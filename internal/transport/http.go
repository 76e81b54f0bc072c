// Package transport implements the sync engine's network boundary: an HTTP
// client for the backend and an in-process backend peer.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/syncengine"
)

// Paths served by the backend.
const (
	UploadPath  = "/sync/upload"
	ChangesPath = "/sync/changes"
)

// DeviceHeader carries the device id on every request.
const DeviceHeader = "X-Device-ID"

// StatusError is a non-2xx backend response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// UploadRequest is the body of POST /sync/upload.
type UploadRequest struct {
	Changes []syncengine.Change `json:"changes"`
}

// UploadResponse is its reply.
type UploadResponse struct {
	Acks []syncengine.Ack `json:"acks"`
}

// HTTP talks to the backend over HTTP with a bearer credential. An
// authorization failure refreshes the credential once and retries.
type HTTP struct {
	base   *url.URL
	client *http.Client
	ident  identity.Provider
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// NewHTTP creates a transport for the backend at baseURL.
func NewHTTP(baseURL string, ident identity.Provider, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url: unsupported scheme %q", u.Scheme)
	}
	h := &HTTP{
		base:   u,
		client: &http.Client{Timeout: time.Minute},
		ident:  ident,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Upload implements syncengine.Transport.
func (h *HTTP) Upload(ctx context.Context, changes []syncengine.Change) ([]syncengine.Ack, error) {
	body, err := json.Marshal(UploadRequest{Changes: changes})
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}
	var out UploadResponse
	if err := h.do(ctx, http.MethodPost, h.base.JoinPath(UploadPath).String(), body, &out); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return out.Acks, nil
}

// PullChanges implements syncengine.Transport.
func (h *HTTP) PullChanges(ctx context.Context, since string) (syncengine.PullResult, error) {
	u := h.base.JoinPath(ChangesPath)
	q := u.Query()
	q.Set("since", since)
	u.RawQuery = q.Encode()

	var out syncengine.PullResult
	if err := h.do(ctx, http.MethodGet, u.String(), nil, &out); err != nil {
		return syncengine.PullResult{}, fmt.Errorf("pull changes: %w", err)
	}
	return out, nil
}

func (h *HTTP) do(ctx context.Context, method, target string, body []byte, out any) error {
	token, err := h.ident.Token(ctx)
	if err != nil {
		return err
	}

	resp, err := h.send(ctx, method, target, body, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		slog.Info("backend rejected credential, refreshing")
		if token, err = h.ident.Refresh(ctx); err != nil {
			return err
		}
		if resp, err = h.send(ctx, method, target, body, token); err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (h *HTTP) send(ctx context.Context, method, target string, body []byte, token string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(DeviceHeader, h.ident.DeviceID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.client.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// IsUnauthorized reports whether err is a 401 that survived a refresh.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}
