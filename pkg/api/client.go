package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/netonboard/pkg/engine"
)

// Client talks to a netonboard server. API errors come back as
// *engine.EngineError so callers can use the engine predicates.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// Submit creates an onboarding task.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/onboarding/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a task. A positive wait long-polls until it is terminal.
func (c *Client) Get(ctx context.Context, id string, wait time.Duration) (*engine.Task, error) {
	path := "/onboarding/" + url.PathEscape(id) + "/"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var task engine.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// List returns all tasks.
func (c *Client) List(ctx context.Context) ([]*engine.Task, error) {
	var out TaskList
	if err := c.do(ctx, http.MethodGet, "/onboarding/", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Delete cancels a task if active and removes it.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/onboarding/"+url.PathEscape(id)+"/", nil, nil)
}

// Cancel requests cancellation without removing the task.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/onboarding/"+url.PathEscape(id)+"/cancel/", nil, nil)
}

// Drivers returns the registered driver descriptors.
func (c *Client) Drivers(ctx context.Context) ([]engine.Descriptor, error) {
	var out DriverList
	if err := c.do(ctx, http.MethodGet, "/drivers/", nil, &out); err != nil {
		return nil, err
	}
	return out.Drivers, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return engine.NewConnectionError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Kind == "" {
		return engine.NewError(engine.KindInternal, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	ee := engine.NewError(body.Error.Kind, body.Error.Message, nil)
	if body.Error.Code != "" {
		ee = ee.WithCode(body.Error.Code)
	}
	for k, v := range body.Error.Details {
		ee = ee.WithDetail(k, v)
	}
	return ee
}
