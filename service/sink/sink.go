// Package sink posts finished form definitions to the remote demo endpoint.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"formdesk-server/service/form"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// ErrRejected is returned for any non-2xx answer from the sink.
var ErrRejected = errors.New("Server responded with error")

type Submitter interface {
	Submit(ctx context.Context, payload form.Payload) ([]byte, error)
}

// Client is a Submitter backed by resty. Retries are disabled: one call to
// Submit is exactly one POST.
type Client struct {
	url   string
	resty *resty.Client
}

var _ Submitter = (*Client)(nil)

func NewClient(url string, timeout time.Duration) *Client {
	rc := resty.New()
	rc.
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "formdesk-server/1.0")
	return &Client{url: url, resty: rc}
}

func (c *Client) URL() string {
	return c.url
}

// Submit returns the raw JSON body of a 2xx response.
func (c *Client) Submit(ctx context.Context, payload form.Payload) ([]byte, error) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	resp, err := c.resty.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		slog.Warn("sink rejected submission", "url", c.url, "status", resp.StatusCode())
		return nil, fmt.Errorf("%w (status %d)", ErrRejected, resp.StatusCode())
	}
	out := resp.Body()
	if !sonic.Valid(out) {
		return nil, errors.New("failed to decode sink response: body is not valid JSON")
	}
	slog.Info("form submitted to sink", "url", c.url, "status", resp.StatusCode(), "name", payload.Name)
	return out, nil
}
