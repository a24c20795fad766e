// Package campaigns resolves campaign metadata from the campaign directory service.
package campaigns

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
)

// ErrNotFound is returned when the directory does not know a campaign.
var ErrNotFound = errors.New("campaigns: campaign not found")

// Campaign is the subset of directory metadata settlement depends on.
type Campaign struct {
	ID              string `json:"id" yaml:"id" toml:"id"`
	ContractAddress string `json:"contractAddress,omitempty" yaml:"contract_address" toml:"contract_address"`
	Brand           string `json:"brand,omitempty" yaml:"brand" toml:"brand"`
	Active          bool   `json:"active" yaml:"active" toml:"active"`
}

// Directory is the read-only campaign catalogue.
type Directory interface {
	ListActive(ctx context.Context) ([]Campaign, error)
	Get(ctx context.Context, id string) (Campaign, error)
}

// StaticDirectory serves campaigns declared in configuration.
type StaticDirectory struct {
	byID  map[string]Campaign
	order []string
}

// NewStaticDirectory indexes the supplied campaigns by id.
func NewStaticDirectory(list []Campaign) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]Campaign, len(list))}
	for _, c := range list {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		c.ID = id
		if _, exists := d.byID[id]; !exists {
			d.order = append(d.order, id)
		}
		d.byID[id] = c
	}
	return d
}

// ListActive returns the active campaigns in declaration order.
func (d *StaticDirectory) ListActive(context.Context) ([]Campaign, error) {
	out := make([]Campaign, 0, len(d.order))
	for _, id := range d.order {
		if c := d.byID[id]; c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get returns a single campaign.
func (d *StaticDirectory) Get(_ context.Context, id string) (Campaign, error) {
	c, ok := d.byID[strings.TrimSpace(id)]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

// HTTPDirectory queries a remote directory over JSON/HTTP.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory constructs a directory client rooted at baseURL.
func NewHTTPDirectory(baseURL string, timeout time.Duration) (*HTTPDirectory, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("campaigns: directory url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("campaigns: directory url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("campaigns: directory url %q must be an absolute http(s) url", trimmed)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{baseURL: trimmed, client: &http.Client{Timeout: timeout}}, nil
}

// ListActive fetches GET /campaigns/active.
func (d *HTTPDirectory) ListActive(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := d.getJSON(ctx, "/campaigns/active", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches GET /campaigns/{id}.
func (d *HTTPDirectory) Get(ctx context.Context, id string) (Campaign, error) {
	var out Campaign
	if err := d.getJSON(ctx, "/campaigns/"+url.PathEscape(strings.TrimSpace(id)), &out); err != nil {
		return Campaign{}, err
	}
	return out, nil
}

func (d *HTTPDirectory) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("campaigns: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("campaigns: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("campaigns: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("campaigns: decode %s: %w", path, err)
	}
	return nil
}
