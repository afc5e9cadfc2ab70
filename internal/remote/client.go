// Package remote speaks the remote code-search index protocol: protobuf
// messages POSTed over HTTP with a bearer token.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	contentType    = "application/x-protobuf"
	defaultTimeout = 30 * time.Second
)

// Endpoint paths.
const (
	PathHandshake = "/v1/index/handshake"
	PathReconcile = "/v1/index/reconcile"
	PathUpload    = "/v1/index/upload"
	PathEnsure    = "/v1/index/ensure"
	PathConfirm   = "/v1/index/confirm"
	PathSearch    = "/v1/index/search"
)

// ErrMissingCodebaseID is returned when a handshake response has no codebase ID.
var ErrMissingCodebaseID = errors.New("handshake response missing codebase id")

// APIError represents a non-2xx response from the index service.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("index service error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("index service error: %s (%d)", e.Code, e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("index service error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("index service error (%d)", e.Status)
}

type apiErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type wireMessage interface {
	MarshalWire() []byte
}

type wireDecoder interface {
	UnmarshalWire([]byte) error
}

// Client talks to the index service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient constructs an index service client.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: normalized,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeBaseURL normalizes a base URL and ensures it has a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("index service url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid index service url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("index service url must include scheme (https://)")
	}
	return strings.TrimRight(value, "/"), nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Handshake opens an upload batch and returns the codebase ID.
func (c *Client) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	var resp HandshakeResponse
	if err := c.call(ctx, PathHandshake, req, &resp); err != nil {
		return HandshakeResponse{}, err
	}
	if resp.CodebaseID == "" {
		return HandshakeResponse{}, ErrMissingCodebaseID
	}
	return resp, nil
}

// ReconcileNode compares one node's hash with the peer.
func (c *Client) ReconcileNode(ctx context.Context, req ReconcileRequest) (ReconcileResponse, error) {
	var resp ReconcileResponse
	if err := c.call(ctx, PathReconcile, req, &resp); err != nil {
		return ReconcileResponse{}, err
	}
	return resp, nil
}

// UploadFile sends one file.
func (c *Client) UploadFile(ctx context.Context, req UploadRequest) error {
	return c.call(ctx, PathUpload, req, nil)
}

// EnsureIndex asks the peer to create the codebase index if it does not exist.
func (c *Client) EnsureIndex(ctx context.Context, req EnsureIndexRequest) error {
	return c.call(ctx, PathEnsure, req, nil)
}

// ConfirmSync marks a batch or sync run complete.
func (c *Client) ConfirmSync(ctx context.Context, req ConfirmRequest) error {
	return c.call(ctx, PathConfirm, req, nil)
}

// Search queries the remote index.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var resp SearchResponse
	if err := c.call(ctx, PathSearch, req, &resp); err != nil {
		return SearchResponse{}, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, path string, reqBody wireMessage, respBody wireDecoder) error {
	endpoint, err := c.buildURL(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody.MarshalWire()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	if err := respBody.UnmarshalWire(respData); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) buildURL(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	// Keep any path prefix on the base URL.
	base.Path = strings.TrimRight(base.Path, "/") + ref.Path
	return base.String(), nil
}

// IsRetryable reports whether err is worth another attempt. Client errors
// other than rate limiting are not.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, ErrMissingCodebaseID)
}
