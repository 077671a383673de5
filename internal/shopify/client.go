// Package shopify implements the media gallery contract on the Shopify Admin GraphQL API.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/imagerotation/internal/media"
)

type Config struct {
	Shop       string
	Token      string
	APIVersion string
	// BaseURL overrides https://<shop>.
	BaseURL           string
	Timeout           time.Duration
	Retries           int
	CreateConcurrency int
	Poll              media.PollConfig
	HTTPClient        *http.Client
}

type Client struct {
	endpoint          string
	token             string
	client            *http.Client
	timeout           time.Duration
	retries           int
	createConcurrency int
	poll              media.PollConfig
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Shop == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("shopify shop required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("shopify access token required for %s", cfg.Shop)
	}
	version := cfg.APIVersion
	if version == "" {
		version = "2024-10"
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + cfg.Shop
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		endpoint:          fmt.Sprintf("%s/admin/api/%s/graphql.json", base, version),
		token:             cfg.Token,
		client:            client,
		timeout:           timeout,
		retries:           retries,
		createConcurrency: cfg.CreateConcurrency,
		poll:              cfg.Poll,
	}, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code"`
}

// userErrorsErr turns mutation user errors into ErrRejected, or ErrMediaNotFound when the provider
// says the media does not exist.
func userErrorsErr(op string, errs []userError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	notFound := false
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		if e.Code == "MEDIA_DOES_NOT_EXIST" || e.Code == "FILE_DOES_NOT_EXIST" || strings.Contains(strings.ToLower(e.Message), "does not exist") {
			notFound = true
		}
	}
	sentinel := media.ErrRejected
	if notFound {
		sentinel = media.ErrMediaNotFound
	}
	return fmt.Errorf("%s: %w: %s", op, sentinel, strings.Join(msgs, "; "))
}

// query runs a read. Transient failures are retried.
func (c *Client) query(ctx context.Context, q string, vars map[string]interface{}, out interface{}) error {
	return c.do(ctx, q, vars, out, true)
}

// mutate runs a write. Only throttled requests are retried, since the provider rejected those
// before executing them.
func (c *Client) mutate(ctx context.Context, q string, vars map[string]interface{}, out interface{}) error {
	return c.do(ctx, q, vars, out, false)
}

func (c *Client) do(ctx context.Context, q string, vars map[string]interface{}, out interface{}, retryTransient bool) error {
	body, err := json.Marshal(graphQLRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("shopify marshal request: %w", err)
	}
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var throttled bool
		throttled, lastErr = c.roundTrip(ctx, body, out)
		if lastErr == nil {
			return nil
		}
		if !media.IsTransient(lastErr) || (!retryTransient && !throttled) {
			return lastErr
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
			}
		}
	}
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, body []byte, out interface{}) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("shopify build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: shopify request: %v", media.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return true, fmt.Errorf("%w: shopify throttled: %s", media.ErrTransient, resp.Status)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("%w: shopify unavailable: %s", media.ErrTransient, resp.Status)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%w: shopify %s: %s", media.ErrRejected, resp.Status, strings.TrimSpace(string(msg)))
	}

	var gql graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return false, fmt.Errorf("%w: shopify decode response: %v", media.ErrTransient, err)
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		throttled := false
		for _, e := range gql.Errors {
			msgs = append(msgs, e.Message)
			if e.Extensions.Code == "THROTTLED" {
				throttled = true
			}
		}
		if throttled {
			return true, fmt.Errorf("%w: shopify throttled: %s", media.ErrTransient, strings.Join(msgs, "; "))
		}
		return false, fmt.Errorf("%w: shopify graphql: %s", media.ErrRejected, strings.Join(msgs, "; "))
	}
	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(gql.Data, out); err != nil {
		return false, fmt.Errorf("shopify decode data: %w", err)
	}
	return false, nil
}
