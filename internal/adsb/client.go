package adsb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/geo"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	// DefaultBaseURL is the public ADSB.lol API.
	DefaultBaseURL = "https://api.adsb.lol"

	maxRadiusNM = 250
)

// Client fetches aircraft around a point from an ADSB.lol style API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logger.Logger
}

// NewClient creates a new ADS-B client
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     log.Named("adsb-cli"),
	}
}

// RadiusNM converts a search radius to the whole nautical miles the API
// accepts, capped at 250.
func RadiusNM(km float64) int {
	nm := int(geo.KmToNauticalMiles(km))
	if nm > maxRadiusNM {
		return maxRadiusNM
	}
	return nm
}

// PointURL builds the point query for a centre and radius.
func (c *Client) PointURL(lat, lon, radiusKm float64) string {
	return fmt.Sprintf("%s/v2/point/%s/%s/%d", c.baseURL,
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64),
		RadiusNM(radiusKm))
}

// FetchPoint returns the targets within radiusKm of (lat, lon).
func (c *Client) FetchPoint(ctx context.Context, lat, lon, radiusKm float64) ([]Target, error) {
	urlStr := c.PointURL(lat, lon, radiusKm)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("Fetching ADS-B data", logger.String("url", urlStr))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	targets, err := decodePoint(body)
	if err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.Warn("Unexpected ADS-B response", logger.String("body", preview))
		return nil, err
	}

	c.logger.Debug("Fetched ADS-B data", logger.Int("aircraft_count", len(targets)))
	return targets, nil
}

// decodePoint accepts either {"ac": [...]} or a bare array of targets.
func decodePoint(body []byte) ([]Target, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty response body")
	}

	if body[0] == '[' {
		var list []Target
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return list, nil
	}

	var resp pointResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return resp.AC, nil
}
