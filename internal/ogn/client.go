package ogn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// Stream yields raw beacons one at a time. Next returns io.EOF when the
// stream has ended and ctx.Err() when ctx is done.
type Stream interface {
	Next(ctx context.Context) (RawBeacon, error)
}

// ClientConfig configures the APRS-IS client.
type ClientConfig struct {
	Addr       string // host:port
	User       string
	AppName    string
	AppVersion string
	Filter     string

	ReconnectDelay time.Duration
	Keepalive      time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int
}

// RangeFilter builds the server-side "r/lat/lon/km" filter.
func RangeFilter(lat, lon, radiusKm float64) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("r/%s/%s/%s", f(lat), f(lon), f(radiusKm))
}

// Client is a pull-based APRS-IS reader. The connection is opened lazily
// by Next and reopened after any read failure.
type Client struct {
	cfg    ClientConfig
	dialer *net.Dialer
	logger *logger.Logger

	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	stop   chan struct{} // closes the keepalive and watcher of the current connection

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64
}

// Status is a snapshot of the client for the health endpoint.
type Status struct {
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Lines       uint64 `json:"lines"`
}

func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("aprs server address is required")
	}
	if cfg.User == "" {
		cfg.User = "N0CALL"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 4 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 4096
	}
	return &Client{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout},
		logger: log.Named("ogn-aprs"),
		state:  "stopped",
	}, nil
}

// LoginLine is the first line sent after connecting.
func (c *Client) LoginLine() string {
	line := fmt.Sprintf("user %s pass -1 vers %s %s", c.cfg.User, c.cfg.AppName, c.cfg.AppVersion)
	if c.cfg.Filter != "" {
		line += " filter " + c.cfg.Filter
	}
	return line + "\n"
}

// Next blocks until the next non-comment line arrives.
func (c *Client) Next(ctx context.Context) (RawBeacon, error) {
	for {
		if err := ctx.Err(); err != nil {
			c.disconnect("stopped", "")
			return RawBeacon{}, err
		}

		reader := c.currentReader()
		if reader == nil {
			var err error
			if reader, err = c.connect(ctx); err != nil {
				c.setState("error", err.Error())
				c.logger.Warn("APRS connect failed", logger.Error(err), logger.String("addr", c.cfg.Addr))
				if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
					return RawBeacon{}, ctx.Err()
				}
				continue
			}
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				c.disconnect("stopped", "")
				return RawBeacon{}, ctx.Err()
			}
			c.logger.Warn("APRS connection lost", logger.Error(err))
			c.disconnect("disconnected", err.Error())
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				return RawBeacon{}, ctx.Err()
			}
			continue
		}

		if len(line) > c.cfg.MaxLineBytes {
			c.setState("connected", fmt.Sprintf("line too large (%d bytes)", len(line)))
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] == '#' {
			c.logger.Debug("APRS server comment", logger.String("line", string(line)))
			continue
		}

		now := time.Now().UTC()
		c.mu.Lock()
		c.lastSeen = now
		c.count++
		c.mu.Unlock()

		return RawBeacon{Line: string(line), Received: now}, nil
	}
}

func (c *Client) currentReader() *bufio.Reader {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.reader
}

func (c *Client) connect(ctx context.Context) (*bufio.Reader, error) {
	c.setState("connecting", "")
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	if _, err := io.WriteString(conn, c.LoginLine()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send login: %w", err)
	}

	reader := bufio.NewReader(conn)
	stop := make(chan struct{})

	c.connMu.Lock()
	c.conn = conn
	c.reader = reader
	c.stop = stop
	c.connMu.Unlock()

	go c.keepalive(conn, stop)
	go func() {
		// Unblock a pending read when ctx ends.
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	c.setState("connected", "")
	c.logger.Info("Connected to APRS server",
		logger.String("addr", c.cfg.Addr),
		logger.String("filter", c.cfg.Filter))
	return reader, nil
}

func (c *Client) keepalive(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := io.WriteString(conn, "#keepalive\n"); err != nil {
				c.logger.Debug("APRS keepalive failed", logger.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

// disconnect tears down the current connection, if any. It is safe to call
// from Close while Next is blocked in a read.
func (c *Client) disconnect(state, lastErr string) {
	c.connMu.Lock()
	if c.conn != nil {
		close(c.stop)
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
		c.stop = nil
	}
	c.connMu.Unlock()
	c.setState(state, lastErr)
}

// Close drops the current connection and unblocks a pending Next, which
// then reconnects unless its context is done.
func (c *Client) Close() {
	c.disconnect("stopped", "")
}

// Snapshot reports the connection state.
func (c *Client) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Status{
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Lines:     c.count,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) setState(state, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// LineStream reads beacons from any reader, one per line. It is used to
// replay captured feeds.
type LineStream struct {
	scanner *bufio.Scanner
	now     func() time.Time
}

func NewLineStream(r io.Reader) *LineStream {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 64*1024)
	return &LineStream{scanner: s, now: func() time.Time { return time.Now().UTC() }}
}

func (s *LineStream) Next(ctx context.Context) (RawBeacon, error) {
	for {
		if err := ctx.Err(); err != nil {
			return RawBeacon{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return RawBeacon{}, err
			}
			return RawBeacon{}, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return RawBeacon{Line: string(line), Received: s.now()}, nil
	}
}
