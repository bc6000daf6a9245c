// Package directory is the HTTP client for the profile directory,
// used only when the local cache misses.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rsavin/huddle/internal/core"
	"github.com/rsavin/huddle/internal/domain"
)

type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Resolve(ctx context.Context, id domain.UserID) (*domain.Profile, error) {
	url := fmt.Sprintf("%s/v1/profiles/%s", c.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: lookup %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, core.ErrNotFound
	default:
		return nil, fmt.Errorf("directory: lookup %s: status %d", id, resp.StatusCode)
	}

	var p domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("directory: decode profile: %w", err)
	}
	if p.ID == "" {
		p.ID = id
	}
	p.Name = domain.ClampDisplayName(p.Name)
	return &p, nil
}
