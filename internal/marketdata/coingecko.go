// CoinGecko adapter for the markets endpoint. Includes client-side rate
// limiting, bounded request timeouts, and retry with exponential backoff for
// transient failures.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// CoinGecko public API base URL
	coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

	// API endpoint for current market snapshots
	marketsEndpoint = "/coins/markets"

	// Demo-tier API key header
	apiKeyHeader = "x-cg-demo-api-key"

	// Request configuration; the fetch must complete within this bound
	requestTimeout = 10 * time.Second

	// Rate limiting configuration (public tier allows ~30 req/min)
	maxRequestsPerSecond = 0.5
	rateLimitBurst       = 1

	// Retry configuration
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	maxElapsedRetry   = 30 * time.Second
)

// CoinGeckoClient implements the Source interface against the CoinGecko API.
type CoinGeckoClient struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	apiKey      string
	logger      *slog.Logger
}

// CoinGeckoOption customizes a CoinGeckoClient.
type CoinGeckoOption func(*CoinGeckoClient)

// WithBaseURL overrides the API base URL. Used for tests and proxies.
func WithBaseURL(baseURL string) CoinGeckoOption {
	return func(c *CoinGeckoClient) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithAPIKey attaches a demo API key to every request.
func WithAPIKey(key string) CoinGeckoOption {
	return func(c *CoinGeckoClient) { c.apiKey = key }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) CoinGeckoOption {
	return func(c *CoinGeckoClient) { c.logger = logger }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) CoinGeckoOption {
	return func(c *CoinGeckoClient) { c.httpClient.Timeout = timeout }
}

// WithRateLimit overrides the client-side request rate cap.
func WithRateLimit(requestsPerSecond float64) CoinGeckoOption {
	return func(c *CoinGeckoClient) {
		if requestsPerSecond > 0 {
			c.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), rateLimitBurst)
		}
	}
}

// NewCoinGeckoClient creates a new CoinGecko adapter with rate limiting and
// a bounded request timeout.
func NewCoinGeckoClient(opts ...CoinGeckoOption) *CoinGeckoClient {
	client := &CoinGeckoClient{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), rateLimitBurst),
		baseURL:     coinGeckoBaseURL,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// FetchMarkets implements the Source interface.
func (c *CoinGeckoClient) FetchMarkets(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("vs_currency", req.VsCurrency)
	params.Set("ids", strings.Join(req.IDs, ","))

	requestURL := c.baseURL + marketsEndpoint + "?" + params.Encode()

	c.logger.Debug("fetching market snapshots",
		"currency", req.VsCurrency,
		"ids", strings.Join(req.IDs, ","))

	body, err := c.getWithRetry(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	var tickers []Ticker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("failed to parse markets response: %w", err)
	}

	c.logger.Debug("fetched market snapshots", "count", len(tickers))

	return &FetchResponse{
		Tickers:   tickers,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// HealthCheck implements the HealthChecker interface using the ping endpoint.
func (c *CoinGeckoClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// getWithRetry issues a GET with exponential backoff. Network errors, 5xx and
// 429 responses are retried; other 4xx responses fail permanently.
func (c *CoinGeckoClient) getWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	var body []byte

	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialRetryDelay
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.MaxElapsedTime = maxElapsedRetry

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		responseBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(responseBody)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				c.logger.Warn("retryable source error", "status", resp.StatusCode)
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		body = responseBody
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

func (c *CoinGeckoClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
}

// truncateBody keeps error payloads log-friendly.
func truncateBody(body []byte) string {
	const maxLen = 256
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// Compile-time interface compliance check
var (
	_ Source        = (*CoinGeckoClient)(nil)
	_ HealthChecker = (*CoinGeckoClient)(nil)
)
