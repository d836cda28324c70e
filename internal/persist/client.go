// Package persist loads and saves the full settings document over the lamp's
// REST endpoint.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lampsync/internal/settings"
)

var (
	ErrLoad = errors.New("load settings")
	ErrSave = errors.New("save settings")
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRateLimitRPS = 5.0
)

// Client talks to GET/PUT {baseURL}/settings.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a persistence client. Requests are throttled to
// rateLimitRPS so a misbehaving caller cannot hammer the lamp.
func NewClient(baseURL string, timeout time.Duration, rateLimitRPS float64) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if rateLimitRPS <= 0 {
		rateLimitRPS = DefaultRateLimitRPS
	}
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// BaseURL returns the persistence endpoint base address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close closes idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) url() string {
	return c.baseURL + "/settings"
}

func (c *Client) request(ctx context.Context, method string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// Load fetches the persisted settings document.
func (c *Client) Load(ctx context.Context) (*settings.Settings, error) {
	resp, err := c.request(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrLoad, err)
	}
	if !success(resp.StatusCode) {
		return nil, fmt.Errorf("%w: unexpected status code %d: %s", ErrLoad, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	s, err := settings.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	log.Debug().Str("url", c.url()).Int("bytes", len(data)).Msg("Settings loaded")
	return s, nil
}

// Save sends body as the full settings document. The caller owns
// serialization so the bytes sent are exactly the ones it will record as the
// new baseline.
func (c *Client) Save(ctx context.Context, body []byte) error {
	resp, err := c.request(ctx, http.MethodPut, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: unexpected status code %d: %s", ErrSave, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debug().Str("url", c.url()).Int("bytes", len(body)).Msg("Settings saved")
	return nil
}

func success(code int) bool {
	return code >= 200 && code < 300
}
