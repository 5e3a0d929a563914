// Package crm is the narrow gateway to the external CRM REST endpoint. Every
// remote operation goes through Request; callers own the shape of what comes
// back, the gateway only distinguishes transport failure from API refusal.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnavailable marks transient transport-level failures. Callers decide per
// call site whether that is fatal or soft-failed with a default.
var ErrUnavailable = errors.New("crm unavailable")

// envelope is the CRM's uniform response wrapper.
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{http: client, logger: logger}
}

// Request executes one named operation, e.g. "crm.contact.list". GET requests
// carry params in the query string, anything else sends body as JSON. The raw
// result payload is returned as-is; a null result is a miss, not an error.
func (c *Client) Request(ctx context.Context, operation string, params url.Values, verb string, body any) (json.RawMessage, error) {
	started := time.Now()

	req := c.http.R().SetContext(ctx)
	var response envelope
	req.SetResult(&response)

	var resp *resty.Response
	var err error
	if verb == http.MethodGet || verb == "" {
		resp, err = req.SetQueryParamsFromValues(params).Get("/" + operation + ".json")
	} else {
		resp, err = req.SetHeader("Content-Type", "application/json").
			SetBody(body).
			Execute(verb, "/"+operation+".json")
	}

	if err != nil {
		c.logger.Warn("crm request failed",
			zap.String("operation", operation),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %w", operation, ErrUnavailable)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		c.logger.Warn("crm request failed",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode()),
			zap.Duration("duration", time.Since(started)),
		)
		return nil, fmt.Errorf("%s: status %d: %w", operation, resp.StatusCode(), ErrUnavailable)
	}
	if response.Error != "" {
		c.logger.Warn("crm request rejected",
			zap.String("operation", operation),
			zap.String("crm_error", response.Error),
			zap.String("description", response.ErrorDescription),
		)
		return nil, fmt.Errorf("%s: %s", operation, response.Error)
	}

	c.logger.Debug("crm request",
		zap.String("operation", operation),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(started)),
	)
	return response.Result, nil
}

// RequestList handles the two list shapes the CRM returns: a bare array, or
// an object wrapping the array in an "items" field.
func (c *Client) RequestList(ctx context.Context, operation string, params url.Values, verb string, body any) ([]json.RawMessage, error) {
	result, err := c.Request(ctx, operation, params, verb, body)
	if err != nil {
		return nil, err
	}
	return UnwrapList(result)
}

// UnwrapList normalizes a list result payload into its element sequence.
func UnwrapList(result json.RawMessage) ([]json.RawMessage, error) {
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var bare []json.RawMessage
	if err := json.Unmarshal(result, &bare); err == nil {
		return bare, nil
	}

	var wrapped struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(result, &wrapped); err != nil {
		return nil, fmt.Errorf("unexpected list shape: %w", err)
	}
	return wrapped.Items, nil
}
