// Package geocode resolves coordinates into human readable place names using a
// Nominatim-compatible reverse geocoding service.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultTimeout   = 4 * time.Second
	DefaultUserAgent = "beaconmap-telemetry-server"

	cacheTTL     = 24 * time.Hour
	cacheCleanup = time.Hour
	maxBodyBytes = 1 << 20
)

// Address is the subset of the Nominatim address breakdown used to build names.
type Address struct {
	Road         string `json:"road"`
	City         string `json:"city"`
	Town         string `json:"town"`
	Village      string `json:"village"`
	Municipality string `json:"municipality"`
	County       string `json:"county"`
}

type reverseResponse struct {
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
	Error       string  `json:"error"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client performs reverse geocoding lookups and memoizes their results.
type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	http      *http.Client
	cache     *cache.Cache
}

// New builds a Client. A nil HTTPClient uses a dedicated client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		http:      opts.HTTPClient,
		cache:     cache.New(cacheTTL, cacheCleanup),
	}
}

// ReverseName returns a short place name for the coordinate. Lookups are bounded
// by the client timeout regardless of the caller's deadline.
func (c *Client) ReverseName(ctx context.Context, lat, lon float64) (string, error) {
	key := cacheKey(lat, lon)
	if name, ok := c.cache.Get(key); ok {
		return name.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create reverse request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reverse geocode: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read reverse response: %w", err)
	}

	var payload reverseResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode reverse response: %w", err)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("reverse geocode: %s", payload.Error)
	}

	name := PlaceName(payload.Address, payload.DisplayName)
	if name == "" {
		return "", fmt.Errorf("reverse geocode: no place name for %s", key)
	}

	c.cache.SetDefault(key, name)
	return name, nil
}

// PlaceName builds "road, locality" from an address, falling back to the display name.
func PlaceName(addr Address, displayName string) string {
	locality := firstNonEmpty(addr.City, addr.Town, addr.Village, addr.Municipality, addr.County)
	road := strings.TrimSpace(addr.Road)

	switch {
	case road != "" && locality != "":
		return road + ", " + locality
	case locality != "":
		return locality
	case road != "":
		return road
	}
	return strings.TrimSpace(displayName)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// cacheKey rounds to four decimals, roughly 11 m.
func cacheKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lon, 'f', 4, 64)
}
