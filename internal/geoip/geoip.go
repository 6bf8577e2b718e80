// Package geoip resolves IP addresses to coarse locations through an
// external lookup service. Lookups are best-effort: the pipeline treats
// a missing result as an enrichment gap, never as a failure.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Location is a resolved geolocation.
type Location struct {
	Country   string  `json:"country"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Resolver looks up the location of an IP. A nil Location with nil
// error means the service had no answer for that IP.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// Config holds lookup service settings.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client resolves IPs against an HTTP geolocation service that answers
// GET {base_url}/{ip} with a JSON Location body.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a Client with the configured timeout (3s default).
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "geoip").Logger(),
	}
}

func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("building geoip request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup for %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip lookup for %s: status %d", ip, resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("decoding geoip response: %w", err)
	}
	if loc.Country == "" {
		return nil, nil
	}
	return &loc, nil
}
