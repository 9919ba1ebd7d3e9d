package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const defaultRequestTimeout = 15 * time.Second

// Client talks to the auth server. Every request flows through one
// pipeline: bounded retries for transport failures on idempotent methods,
// at most one refresh-and-replay on 401, and conditional GETs backed by an
// ETag cache.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authority  *TokenAuthority
	flow       *SignInFlow

	maxRetries uint64
	baseDelay  time.Duration

	cacheMu sync.Mutex
	cache   map[string]cachedResponse
}

type cachedResponse struct {
	etag string
	body []byte
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) {
		c.authority = NewTokenAuthority(store, c.refreshTokens)
	}
}

// WithMaxRetries bounds transport-level retries per request. Zero disables
// them.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithRetryBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		cache:      map[string]cachedResponse{},
	}
	c.authority = NewTokenAuthority(NewMemoryTokenStore(), c.refreshTokens)
	for _, opt := range opts {
		opt(c)
	}
	c.flow = newSignInFlow(c)
	return c
}

// Authority exposes the token authority, mainly for tests and advanced
// callers.
func (c *Client) Authority() *TokenAuthority {
	return c.authority
}

// Flow returns the sign-in state machine bound to this client.
func (c *Client) Flow() *SignInFlow {
	return c.flow
}

// Get performs an authenticated conditional GET.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, true, out)
}

// Post performs an authenticated POST.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, true, out)
}

// public posts without attaching credentials; sign-in endpoints use it.
func (c *Client) public(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, false, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	token := ""
	if authed {
		var err error
		token, err = c.authority.GetValidToken(ctx)
		if err != nil {
			return err
		}
	}

	data, err := c.doOnce(ctx, method, path, payload, token)
	if authed && isUnauthorized(err) {
		// One refresh and replay; a second 401 means the session is gone.
		token, err = c.authority.RefreshStale(ctx, token)
		if err != nil {
			return err
		}
		data, err = c.doOnce(ctx, method, path, payload, token)
		if isUnauthorized(err) {
			c.authority.Invalidate()
			return &Error{Kind: KindSessionExpired, Message: "replay after refresh was rejected"}
		}
	}
	if err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return nil
}

// doOnce runs a single logical request, retrying transport failures with
// fibonacci backoff when the method is safe to repeat.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, token string) ([]byte, error) {
	backoff := retry.WithMaxRetries(c.retriesFor(method), retry.NewFibonacci(c.baseDelay))

	var data []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		data, err = c.attempt(ctx, method, path, payload, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) retriesFor(method string) uint64 {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return c.maxRetries
	default:
		// Replaying a non-idempotent request could double its effect.
		return 0
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	var cached cachedResponse
	if method == http.MethodGet {
		cached = c.cachedFor(path)
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(classifyTransportError(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return cached.body, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.RetryableError(classifyTransportError(err))
		}
		if method == http.MethodGet {
			if etag := resp.Header.Get("ETag"); etag != "" {
				c.storeCached(path, cachedResponse{etag: etag, body: data})
			}
		}
		return data, nil

	case resp.StatusCode >= 500:
		// The server saw the request; only safe methods retry.
		return nil, retry.RetryableError(errorFromResponse(resp))

	default:
		return nil, errorFromResponse(resp)
	}
}

func (c *Client) cachedFor(path string) cachedResponse {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.cache[path]
}

func (c *Client) storeCached(path string, entry cachedResponse) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[path] = entry
}

// refreshTokens is the authority's refresh hook. The refresh token rides
// in the Authorization header, same as an access token would.
func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp struct {
		AccessToken     string    `json:"access_token"`
		RefreshToken    string    `json:"refresh_token"`
		AccessExpiresAt time.Time `json:"expires_at"`
	}
	data, err := c.doOnce(ctx, http.MethodPost, "/auth/refresh", nil, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return TokenPair{}, fmt.Errorf("failed to decode response body: %w", err)
	}
	return TokenPair{
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		AccessExpiresAt: resp.AccessExpiresAt,
	}, nil
}

func isUnauthorized(err error) bool {
	var clientErr *Error
	if errors.As(err, &clientErr) {
		rejected := clientErr.HTTPStatus == http.StatusUnauthorized ||
			clientErr.HTTPStatus == http.StatusForbidden
		return rejected && clientErr.Kind == KindSessionExpired
	}
	return false
}

func classifyTransportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, err: err}
	}
	return &Error{Kind: KindConnectionLost, err: err}
}
