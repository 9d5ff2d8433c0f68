// Package client talks to a running control surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/perbu/harreplay/pkg/environment"
)

// StatusError is returned when the control surface answers with an
// unexpected status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control surface returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Client calls the control surface at BaseURL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A bare host:port is taken as http.
func New(baseURL string, httpClient *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// Install uploads a trace and returns the resulting status.
func (c *Client) Install(ctx context.Context, har io.Reader) (*environment.Status, error) {
	body, err := c.do(ctx, http.MethodPut, "/har", har, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	var st environment.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

// InstallFile uploads the trace stored at path.
func (c *Client) InstallFile(ctx context.Context, path string) (*environment.Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()
	return c.Install(ctx, f)
}

// Reset rewinds the replay and returns the new epoch.
func (c *Client) Reset(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/reset", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return resp.Header.Get("X-Replay-Epoch"), nil
}

// Status returns the clusters and listeners of the installed trace.
func (c *Client) Status(ctx context.Context) (*environment.Status, error) {
	body, err := c.do(ctx, http.MethodGet, "/topology", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var st environment.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

// Hosts returns the hosts file lines of the installed trace.
func (c *Client) Hosts(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/hosts", nil, http.StatusOK)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != want {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
