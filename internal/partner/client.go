package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"marketplace-core/internal/marketerr"
	"marketplace-core/internal/retry"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

// Client is the REST client for one authentication partner.
type Client struct {
	partnerID  string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	logger     *zap.Logger
}

// NewClient creates a partner client. Calls get policy.Attempts tries, each bounded by
// policy.AttemptTimeout.
func NewClient(partnerID, baseURL, apiKey string, policy retry.Policy) *Client {
	if policy.Attempts <= 0 {
		policy.Attempts = 3
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = 10 * time.Second
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 200 * time.Millisecond
	}
	return &Client{
		partnerID:  partnerID,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		policy:     policy,
		logger:     util.GetLogger().Named("partner").With(zap.String("partner_id", partnerID)),
	}
}

// Submit opens a case with the partner.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/requests", req, &resp); err != nil {
		return nil, fmt.Errorf("partner %s: submit: %w", c.partnerID, err)
	}
	return &resp, nil
}

// GetStatus returns the progress of a case.
func (c *Client) GetStatus(ctx context.Context, requestID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := fmt.Sprintf("/requests/%s/status", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("partner %s: status %s: %w", c.partnerID, requestID, err)
	}
	return &resp, nil
}

// GetResult returns the verdict of a finished case.
func (c *Client) GetResult(ctx context.Context, requestID string) (*ResultResponse, error) {
	var resp ResultResponse
	path := fmt.Sprintf("/requests/%s/result", url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("partner %s: result %s: %w", c.partnerID, requestID, err)
	}
	return &resp, nil
}

// Cancel withdraws a case.
func (c *Client) Cancel(ctx context.Context, requestID, reason string) (*CancelResponse, error) {
	var resp CancelResponse
	path := fmt.Sprintf("/requests/%s/cancel", url.PathEscape(requestID))
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("partner %s: cancel %s: %w", c.partnerID, requestID, err)
	}
	return &resp, nil
}

// do performs a JSON request with bounded retries. Transport failures and 5xx answers
// are retried; other 4xx answers are returned immediately.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		util.PartnerRequestLatency.WithLabelValues(c.partnerID, method).Observe(time.Since(start).Seconds())
	}()

	rejected := false
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("Partner call failed", zap.String("path", path), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(marketerr.ErrNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw))
		case resp.StatusCode >= 400:
			rejected = true
			return retry.Permanent(fmt.Errorf("rejected with status %d: %s", resp.StatusCode, truncate(raw)))
		}

		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case rejected, errors.Is(err, marketerr.ErrNotFound), errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", marketerr.ErrUnavailable, err)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
