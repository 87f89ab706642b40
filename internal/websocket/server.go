package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fsk-gliding/ogn-tracker/internal/adsb"
	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/tracker"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// HeartbeatText is the plain-text keep-alive frame.
const HeartbeatText = "Connected to plane tracker"

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	trackTimeout   = 5 * time.Second
)

// OGNSource supplies the OGN live table for new subscribers.
type OGNSource interface {
	Snapshot() []tracker.Aircraft
}

// ADSBSource supplies the ADS-B live table for new subscribers.
type ADSBSource interface {
	Snapshot() []adsb.Aircraft
}

// TrackStore answers track requests.
type TrackStore interface {
	AircraftTrack(ctx context.Context, aircraftID string, limit int) ([]storage.Position, error)
}

// Options tune the hub. Zero values take the defaults.
type Options struct {
	Heartbeat      time.Duration
	Tick           time.Duration
	SendBuffer     int
	TrackLimit     int
	AllowedOrigins []string
}

// request is an inbound subscriber frame.
type request struct {
	Type       string `json:"type"`
	AircraftID string `json:"aircraft_id"`
}

// Client is one connected subscriber.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	addr   string
	mu     sync.Mutex
	closed bool
}

// Server is the subscriber hub. Run owns the client set; Pump feeds it from
// the outbound queues.
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	upgrader   websocket.Upgrader
	opts       Options
	logger     *logger.Logger
	mu         sync.RWMutex

	ogn    OGNSource
	adsb   ADSBSource
	tracks TrackStore
}

// NewServer creates a new WebSocket server
func NewServer(opts Options, log *logger.Logger) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.TrackLimit <= 0 {
		opts.TrackLimit = 100
	}
	s := &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
		opts:       opts,
		logger:     log.Named("web-socket"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetSources wires the live tables and the track store. Any may be nil.
func (s *Server) SetSources(ogn OGNSource, adsbSrc ADSBSource, tracks TrackStore) {
	s.ogn = ogn
	s.adsb = adsbSrc
	s.tracks = tracks
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ClientCount returns the number of registered subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run manages registration and fan-out until ctx is done, then closes every
// client.
func (s *Server) Run(ctx context.Context) {
	s.logger.Info("Starting WebSocket server")
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				client.markClosed()
			}
			s.mu.Unlock()
			s.logger.Info("WebSocket server stopped")
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Info("Client registered",
				logger.String("remote_addr", client.addr),
				logger.Int("client_count", count))

		case client := <-s.unregister:
			if s.remove(client) {
				s.logger.Info("Client unregistered",
					logger.String("remote_addr", client.addr),
					logger.Int("client_count", s.ClientCount()))
			}

		case frame := <-s.broadcast:
			s.fanOut(frame)
		}
	}
}

// fanOut offers frame to every client without blocking. Clients whose
// buffer is full are dropped.
func (s *Server) fanOut(frame []byte) {
	var slow []*Client
	s.mu.RLock()
	for client := range s.clients {
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range slow {
		if s.remove(client) {
			s.logger.Warn("Dropped slow client", logger.String("remote_addr", client.addr))
		}
	}
}

func (s *Server) remove(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; !ok {
		return false
	}
	delete(s.clients, client)
	client.markClosed()
	return true
}

// Pump drains the outbound queues every tick and broadcasts the messages in
// drain order. The queues are drained even with nobody connected.
func (s *Server) Pump(ctx context.Context, queues *outbound.Queues) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.flush(ctx, queues) {
				return
			}
		}
	}
}

func (s *Server) flush(ctx context.Context, queues *outbound.Queues) bool {
	msgs := queues.DrainMessages()
	if len(msgs) == 0 || s.ClientCount() == 0 {
		return true
	}
	for _, msg := range msgs {
		frame, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("Failed to marshal message", logger.Error(err), logger.String("type", msg.Type))
			continue
		}
		select {
		case s.broadcast <- frame:
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	}
	return true
}

// initialFrames are the snapshots sent on connect; empty tables are skipped.
func (s *Server) initialFrames() [][]byte {
	var frames [][]byte
	add := func(msgType string, data any) {
		frame, err := json.Marshal(outbound.Message{Type: msgType, Data: data})
		if err != nil {
			s.logger.Error("Failed to marshal snapshot", logger.Error(err), logger.String("type", msgType))
			return
		}
		frames = append(frames, frame)
	}
	if s.ogn != nil {
		if list := s.ogn.Snapshot(); len(list) > 0 {
			add(outbound.TypeAircraftData, list)
		}
	}
	if s.adsb != nil {
		if list := s.adsb.Snapshot(); len(list) > 0 {
			add(outbound.TypeADSBAircraftData, list)
		}
	}
	return frames
}

// HandleConnection upgrades the request and serves the subscriber.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, s.opts.SendBuffer),
		server: s,
		addr:   r.RemoteAddr,
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	frames := s.initialFrames()
	for _, frame := range frames {
		client.enqueue(frame)
	}
	s.logger.Debug("Sent initial snapshots",
		logger.String("remote_addr", client.addr),
		logger.Int("frames", len(frames)))

	go client.writePump()
	go client.readPump()
}

// markClosed stops delivery to the client. The write pump then closes the
// connection.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// enqueue offers one frame to this client only.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	// Drop the HTTP server's request read deadline; subscribers may stay silent.
	c.conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Warn("WebSocket read error", logger.Error(err))
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.server.logger.Warn("Received non-JSON message from client", logger.String("remote_addr", c.addr))
			continue
		}
		c.server.logger.Debug("Received WebSocket message",
			logger.String("type", req.Type),
			logger.String("remote_addr", c.addr))

		if req.Type == outbound.TypeTrackRequest && req.AircraftID != "" {
			c.answerTrack(req.AircraftID)
		}
	}
}

// answerTrack replies with the stored track; a failed lookup answers with
// an empty one.
func (c *Client) answerTrack(aircraftID string) {
	track := []storage.Position{}
	if c.server.tracks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
		positions, err := c.server.tracks.AircraftTrack(ctx, aircraftID, c.server.opts.TrackLimit)
		cancel()
		if err != nil {
			c.server.logger.Error("Failed to load aircraft track",
				logger.Error(err),
				logger.String("aircraft_id", aircraftID))
		} else if positions != nil {
			track = positions
		}
	}

	frame, err := json.Marshal(outbound.Message{Type: outbound.TypeAircraftTrack, Data: track})
	if err != nil {
		c.server.logger.Error("Failed to marshal track", logger.Error(err))
		return
	}
	if !c.enqueue(frame) {
		c.server.logger.Warn("Track reply dropped", logger.String("aircraft_id", aircraftID))
	}
}

// writePump is the only writer on the connection: queued frames and the
// heartbeat.
func (c *Client) writePump() {
	heartbeat := time.NewTicker(c.server.opts.Heartbeat)
	defer func() {
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.server.logger.Debug("Write failed", logger.Error(err), logger.String("remote_addr", c.addr))
				return
			}

		case <-heartbeat.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(HeartbeatText)); err != nil {
				c.server.logger.Debug("Heartbeat failed", logger.Error(err), logger.String("remote_addr", c.addr))
				return
			}
		}
	}
}
