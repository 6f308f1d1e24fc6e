package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrAuthFailed = errors.New("provider authentication failed")

// ErrProviderUnavailable marks transient provider failures (5xx, timeouts,
// connection errors). Jobs hitting it are requeued with backoff instead of
// failing terminally.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ThrottledError reports a provider 429 with the time to wait before retrying.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("provider throttled, retry after %s", e.RetryAfter)
}

type restClient struct {
	baseURL   string
	authHdr   string
	authValue string
	http      *http.Client
	limiter   <-chan time.Time
}

// newRestClient builds an HTTP client for one provider. Base URL, auth header
// name and rate limit come from provider-prefixed env vars, e.g.
// CRM_A_API_BASE_URL.
func newRestClient(envPrefix string, defaultBaseURL string, secret string) (*restClient, error) {
	baseURL := strings.TrimSpace(os.Getenv(envPrefix + "_API_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	authHeader := strings.TrimSpace(os.Getenv(envPrefix + "_API_KEY_HEADER"))
	if authHeader == "" {
		authHeader = "Authorization"
	}
	if strings.TrimSpace(secret) == "" {
		return nil, ErrAuthFailed
	}
	authValue := secret
	if authHeader == "Authorization" && !strings.HasPrefix(secret, "Bearer ") {
		authValue = "Bearer " + secret
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv(envPrefix + "_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv(envPrefix + "_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &restClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authHdr:   authHeader,
		authValue: authValue,
		http:      &http.Client{Timeout: timeout},
		limiter:   time.Tick(interval),
	}, nil
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *restClient) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return listResponse{}, err
	}
	req.Header.Set(c.authHdr, c.authValue)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return listResponse{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp, body); err != nil {
		return listResponse{}, err
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

// putRecord writes one record at the provider, returning the provider's
// response body.
func (c *restClient) putRecord(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	<-c.limiter
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.authHdr, c.authValue)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyStatus(resp, body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{RetryAfter: retryAfterFromHeader(resp.Header)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("provider api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func retryAfterFromHeader(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}
