// Package webhook delivers flight events to the club logbook over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// Notification is the webhook body.
type Notification struct {
	Type     string `json:"type"`
	Origin   string `json:"origin"`
	ID       string `json:"id"`
	Airfield string `json:"airfield,omitempty"`
}

type Config struct {
	Enabled bool
	URL     string
	APIKey  string
	Origin  string
	Timeout time.Duration
}

// Client posts notifications. A disabled client accepts and discards them.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Origin == "" {
		cfg.Origin = "FSK"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.Named("webhook"),
	}
}

// Enabled reports whether notifications are delivered.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.URL != ""
}

// Notify posts n and waits for the response. Any status but 200 is an error.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	if !c.Enabled() {
		return nil
	}
	if n.Origin == "" {
		n.Origin = c.cfg.Origin
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Send delivers n on its own goroutine. Failures are logged only.
func (c *Client) Send(n Notification) {
	if !c.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()

		err := c.Notify(ctx, n)
		switch e := err.(type) {
		case nil:
			c.logger.Info("Sent webhook",
				logger.String("type", n.Type),
				logger.String("aircraft_id", n.ID))
		case *StatusError:
			c.logger.Warn("Webhook rejected", logger.Int("status_code", e.Code), logger.String("aircraft_id", n.ID))
		default:
			c.logger.Error("Error sending webhook", logger.Error(err), logger.String("aircraft_id", n.ID))
		}
	}()
}

// StatusError is a non-200 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}
