package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (20MB). A 500 node page of
	// intrusion sets with descriptions stays well under it.
	MaxResponseSize = 20 * 1024 * 1024
)

// Client wraps the HTTP client with logging and size limits
type Client struct {
	client *http.Client
	logger ectologger.Logger
}

type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do sends req with the caller's trace context and request id, and buffers
// the body up to MaxResponseSize.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if requestID := appctx.GetRequestID(ctx); requestID != "" && req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	logger := c.logger.WithContext(ctx).WithFields(map[string]any{
		"method": req.Method,
		"url":    req.URL.Redacted(),
	})

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		logger.WithError(err).Error("HTTP request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	logger.WithFields(map[string]any{"status": resp.StatusCode, "duration": duration}).Debug("HTTP request completed")

	return &Response{StatusCode: resp.StatusCode, Body: body, Duration: duration}, nil
}

func readLimited(resp *http.Response) ([]byte, error) {
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: more than %d bytes", MaxResponseSize)
	}
	return body, nil
}

// PostJSON marshals payload and POSTs it to url with the given headers.
func (c *Client) PostJSON(ctx context.Context, url string, payload any, headers map[string]string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return c.Do(ctx, req)
}
