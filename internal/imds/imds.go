// Package imds is the thin HTTP client for the host metadata service.
package imds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the link-local metadata service address.
	DefaultEndpoint = "http://169.254.169.254"

	requestTimeout = 2 * time.Second
)

// Client fetches metadata items from the upstream service.
type Client struct {
	endpoint string
	http     *http.Client
}

// New builds a client against the given endpoint, defaulting to the
// link-local address when empty.
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// Data returns the raw body of one metadata path.
func (c *Client) Data(ctx context.Context, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return "", fmt.Errorf("building metadata request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request for %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata request for %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading metadata response for %s: %w", path, err)
	}
	return string(body), nil
}

// Items returns the child entries of a listing path, one per line.
func (c *Client) Items(ctx context.Context, path string) ([]string, error) {
	body, err := c.Data(ctx, path)
	if err != nil {
		return nil, err
	}

	var items []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return items, nil
}
