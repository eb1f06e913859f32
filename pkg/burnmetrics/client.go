package burnmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Source is the read-side contract the freeze evaluator depends on.
type Source interface {
	// WindowBurns returns one burn measurement per requested window for
	// the named SLO, in the order requested.
	WindowBurns(ctx context.Context, slo string, windows []time.Duration) ([]WindowBurn, error)

	// HealthCheck probes the metrics source.
	HealthCheck(ctx context.Context) error
}

// Client is the HTTP client for the burn-rate metrics source.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient builds a Client; nil config/logger fall back to defaults.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "Growthgate-BurnMetrics-Client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("burnmetrics request: %s %s -> %d", req.Method, req.URL.String(), resp.StatusCode)

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("metrics source error [%d]: %s (code: %s)", resp.StatusCode, errResp.Error, errResp.ErrorCode)
		}
		return fmt.Errorf("metrics source error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			c.logger.Debugf("burnmetrics retry %d for %s", attempt, endpoint)
		}
		req, err := c.createRequest(ctx, method, endpoint)
		if err != nil {
			return err
		}
		if lastErr = c.doRequest(req, result); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("metrics source unavailable after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// WindowBurns implements Source.
func (c *Client) WindowBurns(ctx context.Context, slo string, windows []time.Duration) ([]WindowBurn, error) {
	if slo == "" {
		return nil, fmt.Errorf("slo name required")
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("at least one window required")
	}

	params := url.Values{}
	params.Set("slo", slo)
	for _, w := range windows {
		params.Add("window", w.String())
	}

	var resp windowBurnResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, "/api/v1/burn?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Windows) != len(windows) {
		return nil, fmt.Errorf("metrics source returned %d windows, requested %d", len(resp.Windows), len(windows))
	}
	out := make([]WindowBurn, len(resp.Windows))
	for i, wb := range resp.Windows {
		wb.Duration = windows[i]
		out[i] = wb
	}
	return out, nil
}

// HealthCheck implements Source.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.doRequestWithRetry(ctx, http.MethodGet, "/health", nil)
}
