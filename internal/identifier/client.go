// Package identifier calls the external identifier service that assigns
// secure identifiers to patients and images.
package identifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sendit/internal/chunk"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/ratelimit"
	"github.com/kursadbilgin/sendit/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 60 * time.Second
	DefaultChunkSize = 950
)

// Service is the port used by the pipeline.
type Service interface {
	Deidentify(ctx context.Context, study string, req Request) ([]domain.EntityResult, error)
}

type ClientConfig struct {
	BaseURL   string
	Token     string
	ChunkSize int
	Retry     retry.Policy
	Limiter   ratelimit.RateLimiter
	Logger    *zap.Logger
}

// Client talks to the identifier service over HTTP.
type Client struct {
	client    *resty.Client
	baseURL   string
	token     string
	chunkSize int
	retry     retry.Policy
	limiter   ratelimit.RateLimiter
	logger    *zap.Logger
}

type response struct {
	Results json.RawMessage `json:"results"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)

	return NewClientWithResty(cfg, client)
}

func NewClientWithResty(cfg ClientConfig, client *resty.Client) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("identifier service url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid identifier service url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetRetryCount(0)

	chunkSize := cfg.ChunkSize
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	policy := cfg.Retry
	policy.Retryable = IsTransient
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:    client,
		baseURL:   baseURL,
		token:     cfg.Token,
		chunkSize: chunkSize,
		retry:     policy,
		limiter:   cfg.Limiter,
		logger:    logger,
	}, nil
}

// Deidentify sends req in chunks of at most chunkSize items and reassembles
// the results per entity. Each chunk is retried on transient failures.
func (c *Client) Deidentify(ctx context.Context, study string, req Request) ([]domain.EntityResult, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("identifier client is not initialized")
	}
	if strings.TrimSpace(study) == "" {
		return nil, fmt.Errorf("%w: study is required", domain.ErrValidation)
	}

	flat := make([]entityItem, 0, req.ItemCount())
	for i, entity := range req.Identifiers {
		for _, item := range entity.Items {
			flat = append(flat, entityItem{entity: i, item: item})
		}
	}

	merged := make([]domain.EntityResult, 0, len(req.Identifiers))
	position := make(map[string]int)
	total := chunk.Count(len(flat), c.chunkSize)
	n := 0
	for part := range chunk.Of(flat, c.chunkSize) {
		n++
		payload := split(req.Identifiers, part)

		policy := c.retry
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("identifier request failed, retrying",
				zap.Int("chunk", n),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}

		results, err := retry.Do(ctx, policy, func(ctx context.Context) ([]domain.EntityResult, error) {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx, ratelimit.KeyIdentifier); err != nil {
					return nil, err
				}
			}
			return c.post(ctx, study, payload)
		})
		if err != nil {
			return nil, fmt.Errorf("identifier chunk %d/%d: %w", n, total, err)
		}

		for _, result := range results {
			if pos, ok := position[result.ID]; ok {
				merged[pos].Items = append(merged[pos].Items, result.Items...)
				continue
			}
			position[result.ID] = len(merged)
			merged = append(merged, result)
		}
	}

	return merged, nil
}

func (c *Client) post(ctx context.Context, study string, payload Request) ([]domain.EntityResult, error) {
	request := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	if c.token != "" {
		request.SetAuthToken(c.token)
	}

	resp, err := request.Post(c.endpoint(study))
	if err != nil {
		return nil, &ServiceError{
			Message:   "identifier request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if resp == nil {
		return nil, &ServiceError{
			Message:   "identifier service returned empty response",
			Transient: true,
		}
	}

	statusCode := resp.StatusCode()
	body := strings.TrimSpace(resp.String())
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ServiceError{
			StatusCode: statusCode,
			Message:    fmt.Sprintf("identifier service returned status %d: %s", statusCode, truncate(body, 256)),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var decoded response
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingResults, err)
	}
	if len(decoded.Results) == 0 || string(decoded.Results) == "null" {
		return nil, ErrMissingResults
	}

	var results []domain.EntityResult
	if err := json.Unmarshal(decoded.Results, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingResults, err)
	}
	return results, nil
}

func (c *Client) endpoint(study string) string {
	return fmt.Sprintf("%s/api/%s/deidentify", c.baseURL, url.PathEscape(study))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
