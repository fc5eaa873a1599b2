package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoCredentials is returned when a login is needed but none were given.
var ErrNoCredentials = errors.New("cadence: no credentials configured")

// Client calls the cadence REST API. It logs in lazily and logs in again
// once when a request is rejected with 401.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer

	username string
	password string

	mu    sync.Mutex
	token string

	// OnLogin, when set, is called after every successful login.
	OnLogin func(*LoginResult)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredentials sets the account used for automatic logins.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithToken starts the client with an existing access token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the server at baseURL, e.g. "https://auth.example.com".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current access token, if any.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Login authenticates with the configured credentials. riskScore is the
// behavioral score measured on the login form.
func (c *Client) Login(ctx context.Context, riskScore float64) (*LoginResult, error) {
	if c.username == "" {
		return nil, ErrNoCredentials
	}
	var res LoginResult
	err := c.send(ctx, http.MethodPost, "/api/v1/login", "", map[string]any{
		"username":  c.username,
		"password":  c.password,
		"riskScore": riskScore,
	}, &res)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = res.AccessToken
	c.mu.Unlock()
	if c.OnLogin != nil {
		c.OnLogin(&res)
	}
	return &res, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	return c.send(ctx, http.MethodPost, "/api/v1/register", "", map[string]any{
		"username": username,
		"email":    email,
		"password": password,
	}, nil)
}

// Do performs an authenticated request, decoding a JSON response into out
// when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, method, path, token, body, out)

		var apiErr *Error
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && c.username != "" {
			c.mu.Lock()
			if c.token == token {
				c.token = ""
			}
			c.mu.Unlock()
			continue
		}
		return err
	}
	return nil
}

// SecurityEvents lists security events, newest first.
func (c *Client) SecurityEvents(ctx context.Context, q EventQuery) (*EventPage, error) {
	v := url.Values{}
	if q.Username != "" {
		v.Set("username", q.Username)
	}
	if q.EventType != "" {
		v.Set("eventType", q.EventType)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	path := "/api/v1/security-events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page EventPage
	if err := c.Do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Unblock re-enables a blocked account. Requires the admin role.
func (c *Client) Unblock(ctx context.Context, username string) error {
	return c.Do(ctx, http.MethodPost, "/api/v1/admin/users/"+url.PathEscape(username)+"/unblock", nil, nil)
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if t := c.Token(); t != "" {
		return t, nil
	}
	if _, err := c.Login(ctx, 0); err != nil {
		return "", err
	}
	return c.Token(), nil
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// streamURL maps the base URL onto the websocket endpoint.
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/behavioral"
	return u.String(), nil
}
