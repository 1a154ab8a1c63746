package sis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sissync/internal/chunk"
	"sissync/internal/ratelimit"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the SIS API. It carries the raw status
// code for the classifier to triage; this package never decides
// fatal-vs-recoverable itself.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sis api: %s: %s", e.Status, e.Body)
}

// Config contains SIS API client configuration
type Config struct {
	Endpoint    string
	Token       string
	CallTimeout time.Duration
}

// Client is the HTTP implementation of Source
type Client struct {
	baseURL     *url.URL
	token       string
	callTimeout time.Duration
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

type pageResponse struct {
	Records  []RawRecord `json:"records"`
	NextPage string      `json:"nextPage"`
}

// NewClient creates a SIS API client. Every fetch passes through the rate
// limiter before touching the network.
func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sis endpoint is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid sis endpoint: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:     base,
		token:       cfg.Token,
		callTimeout: timeout,
		httpClient:  &http.Client{},
		limiter:     limiter,
		logger:      logger,
	}, nil
}

// FetchPage fetches one page of attendance records for (school, chunk).
// The request is scoped to the single chunk's date range, never wider.
func (c *Client) FetchPage(ctx context.Context, schoolID string, ch chunk.Chunk, pageToken string) (Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return Page{}, err
		}
	}

	// Per-call timeout, shorter than the overall run
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := *c.baseURL
	u.Path = u.Path + "/attendance"
	q := u.Query()
	q.Set("school", schoolID)
	q.Set("start", ch.Start.Format("2006-01-02"))
	q.Set("end", ch.End.Format("2006-01-02"))
	if pageToken != "" {
		q.Set("page", pageToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("sis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var pr pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Page{}, fmt.Errorf("failed to decode sis response: %w", err)
	}

	c.logger.Debug("Fetched page",
		zap.String("school", schoolID),
		zap.String("chunk", ch.String()),
		zap.Int("records", len(pr.Records)),
		zap.Bool("done", pr.NextPage == ""),
	)

	return Page{Records: pr.Records, NextToken: pr.NextPage}, nil
}
