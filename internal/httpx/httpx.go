// Package httpx is the thin blocking HTTP transport the engine performs
// all its remote calls through: envelope delivery, key probing and remote
// post fetching. Keeping it behind an interface lets tests substitute a
// recording fake.
package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Response is the subset of an HTTP response the engine cares about.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport performs blocking HTTP calls.
type Transport interface {
	Post(ctx context.Context, url, contentType string, body []byte) (*Response, error)
	Get(ctx context.Context, url string) (*Response, error)
}

// Client implements Transport on top of net/http.
type Client struct {
	hc *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{hc: &http.Client{Timeout: timeout}}
}

func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}
