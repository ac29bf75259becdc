// Package client is an HTTP client for the prediction server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cnc-twin/internal/ml"
	"cnc-twin/internal/server"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// ErrUnavailable is returned by Health when the server has no model loaded.
var ErrUnavailable = errors.New("prediction server has no model loaded")

// HeaderRequestID carries the per-request id.
const HeaderRequestID = "X-Request-ID"

type Client struct {
	base string
	rest *resty.Client
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: base, rest: r}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().
		SetContext(ctx).
		SetHeader(HeaderRequestID, uuid.NewString())
}

// Predict sends one loose telemetry sample.
func (c *Client) Predict(ctx context.Context, sample map[string]any) (ml.Prediction, error) {
	var out ml.Prediction
	resp, err := c.request(ctx).
		SetBody(sample).
		SetResult(&out).
		Post(c.base + "/predict")
	if err != nil {
		return ml.Prediction{}, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return ml.Prediction{}, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// Health returns the server's model status. A server without models yields
// the status together with ErrUnavailable.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	resp, err := c.request(ctx).
		SetResult(&out).
		SetError(&out).
		Get(c.base + "/health")
	if err != nil {
		return server.HealthResponse{}, fmt.Errorf("request failed: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return out, nil
	case http.StatusServiceUnavailable:
		return out, ErrUnavailable
	default:
		return server.HealthResponse{}, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), resp.String())
	}
}

// ModelInfo returns the served models and the latest training run.
func (c *Client) ModelInfo(ctx context.Context) (server.ModelInfo, error) {
	var out server.ModelInfo
	resp, err := c.request(ctx).
		SetResult(&out).
		Get(c.base + "/model/info")
	if err != nil {
		return server.ModelInfo{}, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return server.ModelInfo{}, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}
