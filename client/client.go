// Package client talks to the HTTP API; the Telegram bot uses it.
package client

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	iface "DendroDetServer/interface"
)

const DefaultTimeout = 120 * time.Second

// ProcessResponse mirrors POST /process-image.
type ProcessResponse struct {
	RequestID      string               `json:"request_id"`
	Filename       string               `json:"filename"`
	FileSize       int64                `json:"file_size"`
	ContentType    string               `json:"content_type"`
	AnalysisResult iface.AnalysisResult `json:"analysis_result"`
}

type apiError struct {
	Detail string `json:"detail"`
}

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout)}
}

func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("api unhealthy: %d", resp.StatusCode())
	}
	return nil
}

// ProcessImage uploads a JPEG photo for analysis.
func (c *Client) ProcessImage(ctx context.Context, filename string, data []byte) (*ProcessResponse, error) {
	var out ProcessResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", filename, "image/jpeg", bytes.NewReader(data)).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/process-image")
	if err != nil {
		return nil, fmt.Errorf("process request: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return &out, nil
}

// Result fetches a stored result by request id.
func (c *Client) Result(ctx context.Context, id string) (*ProcessResponse, error) {
	var out ProcessResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/results/{id}")
	if err != nil {
		return nil, fmt.Errorf("result request: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return &out, nil
}

func responseError(resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e.Detail != "" {
		return fmt.Errorf("api error %d: %s", resp.StatusCode(), e.Detail)
	}
	return fmt.Errorf("api error: %d", resp.StatusCode())
}
