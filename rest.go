package rocketterm

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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 30 * time.Second
	apiPrefix      = "/api/v1/"
)

// ============================================================================
// RESTClient
// ============================================================================

// RESTClient talks to the request/response API of the server.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger

	mu     sync.RWMutex
	userID string
	token  string
}

type RESTOption func(*RESTClient)

func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTClient) { c.httpClient.Timeout = timeout }
}

// WithRateLimit throttles outgoing requests to r per second with the given
// burst. Servers apply their own per-endpoint limits which are much more
// painful to hit than a local throttle.
func WithRateLimit(r float64, burst int) RESTOption {
	return func(c *RESTClient) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
		}
	}
}

func WithRESTLogger(l *slog.Logger) RESTOption {
	return func(c *RESTClient) { c.log = l }
}

// NewRESTClient creates a client for the server at serverURL.
func NewRESTClient(serverURL string, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:    strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCredentials sets the user ID and auth token sent with every request.
func (c *RESTClient) SetCredentials(userID, token string) {
	c.mu.Lock()
	c.userID, c.token = userID, token
	c.mu.Unlock()
}

func (c *RESTClient) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Login performs a password login and stores the resulting credentials.
func (c *RESTClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			UserID    string `json:"userId"`
			AuthToken string `json:"authToken"`
		} `json:"data"`
	}
	body := map[string]string{"user": username, "password": password}
	if err := c.Post(ctx, "login", body, &resp); err != nil {
		return nil, &LoginError{Reason: err.Error()}
	}
	if resp.Data.AuthToken == "" {
		return nil, &LoginError{Reason: "no auth token in response"}
	}
	c.SetCredentials(resp.Data.UserID, resp.Data.AuthToken)
	return &LoginResult{UserID: resp.Data.UserID, Token: resp.Data.AuthToken}, nil
}

// Info queries the unauthenticated server info endpoint.
func (c *RESTClient) Info(ctx context.Context) (*ServerInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/info", "info", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ServerInfo](data)
}

// Get calls endpoint (relative to /api/v1/) and decodes the reply into out.
func (c *RESTClient) Get(ctx context.Context, endpoint string, query url.Values, out any) error {
	data, err := c.doRequest(ctx, http.MethodGet, apiPrefix+endpoint, endpoint, nil, query)
	if err != nil {
		return err
	}
	return decodeInto(data, out)
}

// Post sends body as JSON to endpoint and decodes the reply into out.
func (c *RESTClient) Post(ctx context.Context, endpoint string, body, out any) error {
	data, err := c.doRequest(ctx, http.MethodPost, apiPrefix+endpoint, endpoint, body, nil)
	if err != nil {
		return err
	}
	return decodeInto(data, out)
}

func decodeInto(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

type restStatus struct {
	Success   *bool  `json:"success"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (c *RESTClient) doRequest(ctx context.Context, method, path, name string, body any, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("X-User-Id", c.userID)
		req.Header.Set("X-Auth-Token", c.token)
	}
	c.mu.RUnlock()

	c.log.Debug("rest request", "method", method, "endpoint", name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkResponse(name, resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkResponse maps HTTP and payload level failures to typed errors.
func checkResponse(name string, resp *http.Response, data []byte) error {
	var st restStatus
	_ = json.Unmarshal(data, &st)
	reason := st.Error
	if reason == "" {
		reason = st.Message
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || st.ErrorType == "error-too-many-requests":
		return &RateLimitError{Method: name, Reset: parseResetHeader(resp.Header.Get("X-RateLimit-Reset"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{Method: name, Reason: reason}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &MethodCallError{Method: name, Code: strconv.Itoa(resp.StatusCode), Reason: reason}
	case st.Success != nil && !*st.Success, st.Status == "error":
		return &MethodCallError{Method: name, Code: st.ErrorType, Reason: reason}
	}
	return nil
}

// parseResetHeader reads the reset time in milliseconds since the epoch.
func parseResetHeader(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
