// Package cron calls the dashboard's per-configuration logging endpoints.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Endpoint identifies a logging route of the control plane.
type Endpoint string

const (
	EndpointLogData    Endpoint = "/api/cron/log-data"
	EndpointBillLogger Endpoint = "/api/cron/bill-logger"
)

// RequestIDHeader carries a per-call correlation id.
const RequestIDHeader = "X-Request-Id"

// ErrConfigNotFound is returned when the control plane no longer knows the configuration.
var ErrConfigNotFound = errors.New("configuration not found")

// CallError is a non-2xx response from the control plane.
type CallError struct {
	Endpoint Endpoint
	ConfigID string
	Status   int
	Body     string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s?configId=%s: status %d: %s", e.Endpoint, e.ConfigID, e.Status, e.Body)
}

// Result is the decoded success body.
type Result struct {
	Logged int `json:"logged"`
}

// Client calls the control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the control plane at baseURL (e.g. http://localhost:3000).
// Timeouts are applied per call by the caller's context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Call invokes endpoint for configID and returns the number of rows logged.
func (c *Client) Call(ctx context.Context, endpoint Endpoint, configID string) (Result, error) {
	u := c.baseURL + string(endpoint) + "?configId=" + url.QueryEscape(configID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s?configId=%s: %w", endpoint, configID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("read response after %v: %w", time.Since(start), err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, fmt.Errorf("%s?configId=%s: %w", endpoint, configID, ErrConfigNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &CallError{Endpoint: endpoint, ConfigID: configID, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
