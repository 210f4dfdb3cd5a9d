package huddlesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Remote Client
// ============================================================================

const (
	// DefaultTimeout bounds every remote call so a dead network cannot
	// stall a drain lane indefinitely.
	DefaultTimeout = 15 * time.Second

	apiPrefix = "/api/v1"
)

// Notifier is the outbound push boundary. After a confirmed message-like
// insert the engine hands over a Notification; delivery fan-out (who gets
// woken, on which device) is the backend's business. Failures are logged,
// never propagated into sync state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RemoteClient talks to the backend over HTTP. Every failure it returns is
// a *RemoteError carrying an ErrorClass, so callers never inspect status
// codes themselves.
type RemoteClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Notifier = (*RemoteClient)(nil)

// RemoteOption customizes a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) RemoteOption {
	return func(c *RemoteClient) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the transport, e.g. for a proxied or
// instrumented client. The caller keeps responsibility for its timeout.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) { c.httpClient = client }
}

// WithClientLogger sets the logger for request-level warnings.
func WithClientLogger(logger *slog.Logger) RemoteOption {
	return func(c *RemoteClient) { c.logger = logger }
}

// NewRemoteClient creates a client for the backend at baseURL authenticating
// through tokens.
func NewRemoteClient(baseURL string, tokens TokenSource, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend root.
func (c *RemoteClient) BaseURL() string { return c.baseURL }

// Tokens returns the client's token source.
func (c *RemoteClient) Tokens() TokenSource { return c.tokens }

// Insert creates an entity and returns the canonical server copy. The
// idempotency key makes blind retries safe: the backend replays its first
// answer instead of duplicating the entity.
func (c *RemoteClient) Insert(ctx context.Context, store, idempotencyKey string, payload json.RawMessage) (RemoteRecord, error) {
	op := "insert " + store
	var rec RemoteRecord
	if err := c.do(ctx, op, http.MethodPost, apiPrefix+"/"+url.PathEscape(store), idempotencyKey, payload, &rec); err != nil {
		return RemoteRecord{}, err
	}
	return rec, nil
}

// Update replaces an entity and returns the canonical server copy.
func (c *RemoteClient) Update(ctx context.Context, store, id, idempotencyKey string, payload json.RawMessage) (RemoteRecord, error) {
	op := "update " + store
	var rec RemoteRecord
	path := apiPrefix + "/" + url.PathEscape(store) + "/" + url.PathEscape(id)
	if err := c.do(ctx, op, http.MethodPut, path, idempotencyKey, payload, &rec); err != nil {
		return RemoteRecord{}, err
	}
	return rec, nil
}

// Delete removes an entity. Deleting an already-deleted entity is not an
// error on the backend, so replays stay idempotent.
func (c *RemoteClient) Delete(ctx context.Context, store, id, idempotencyKey string) error {
	op := "delete " + store
	path := apiPrefix + "/" + url.PathEscape(store) + "/" + url.PathEscape(id)
	return c.do(ctx, op, http.MethodDelete, path, idempotencyKey, nil, nil)
}

// Changes pulls one page of the server change feed after cursor.
func (c *RemoteClient) Changes(ctx context.Context, cursor int64, limit int) (ChangePage, error) {
	var page ChangePage
	path := apiPrefix + "/changes?since=" + strconv.FormatInt(cursor, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, "pull changes", http.MethodGet, path, "", nil, &page); err != nil {
		return ChangePage{}, err
	}
	return page, nil
}

// Notify hands a push notification to the backend.
func (c *RemoteClient) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.do(ctx, "notify", http.MethodPost, apiPrefix+"/notify", "", payload, nil)
}

// ----------------------------------------------------------------------------
// Internal request helper
// ----------------------------------------------------------------------------

// apiError is the backend's error body.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RemoteClient) do(ctx context.Context, op, method, path string, idempotencyKey string, body json.RawMessage, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &RemoteError{Class: ClassAuthExpired, Op: op, Err: err}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &RemoteError{Class: ClassPermanent, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Class: ClassTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RemoteError{Class: ClassTransient, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		rerr := &RemoteError{
			Class:      ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Op:         op,
		}
		var ae apiError
		if json.Unmarshal(data, &ae) == nil {
			rerr.Code = ae.Error.Code
			rerr.Message = ae.Error.Message
		}
		return rerr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Warn("remote response did not decode", "op", op, "error", err)
			return &RemoteError{Class: ClassPermanent, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
