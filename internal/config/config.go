package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP / websocket server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Region    RegionConfig    `toml:"region"`    // Tracking area shared by both sources
	OGN       OGNConfig       `toml:"ogn"`       // APRS-IS feed settings
	ADSB      ADSBConfig      `toml:"adsb"`      // Polled secondary source settings
	Tracking  TrackingConfig  `toml:"tracking"`  // Live-state and flight-state housekeeping
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
	Reference ReferenceConfig `toml:"reference"` // Device database, airfields and club caches
	Webhook   WebhookConfig   `toml:"webhook"`   // Outbound flight event webhook
	NATS      NATSConfig      `toml:"nats"`      // Optional flight event bus
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // Port for HTTP and the /ws endpoint
	Host               string   `toml:"host"`                  // Host address to bind to (0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	HeartbeatSecs      int      `toml:"heartbeat_seconds"`     // Interval of the plain-text keep-alive frame
	BroadcastTickMs    int      `toml:"broadcast_tick_ms"`     // How often outbound queues are drained
	StaticDir          string   `toml:"static_dir"`            // Optional map frontend served at /
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
	File   string `toml:"file"`   // Optional rotating log file
}

// RegionConfig describes the single tracking area
type RegionConfig struct {
	Name      string  `toml:"name"`      // Label attached to aircraft inside the area
	Latitude  float64 `toml:"latitude"`  // Center latitude
	Longitude float64 `toml:"longitude"` // Center longitude
	RadiusKm  float64 `toml:"radius_km"` // Radius in kilometres
}

// OGNConfig contains APRS-IS connection settings for the glider network feed
type OGNConfig struct {
	Server             string `toml:"server"`              // host:port of the APRS-IS server
	User               string `toml:"user"`                // Login callsign (read-only logins use N0CALL)
	AppName            string `toml:"app_name"`            // Software name sent in the login line
	AppVersion         string `toml:"app_version"`         // Software version sent in the login line
	ReconnectDelaySecs int    `toml:"reconnect_delay_seconds"`
	KeepaliveSecs      int    `toml:"keepalive_seconds"` // Interval for "#keepalive" lines
	DialTimeoutSecs    int    `toml:"dial_timeout_seconds"`
}

// ADSBConfig contains the polled ADS-B source configuration
type ADSBConfig struct {
	Enabled          bool     `toml:"enabled"`
	BaseURL          string   `toml:"base_url"`                // e.g. https://api.adsb.lol
	IntervalSecs     int      `toml:"interval_seconds"`        // Poll interval
	TimeoutSecs      int      `toml:"timeout_seconds"`         // HTTP timeout per request
	MaxAltitudeFt    float64  `toml:"max_altitude_ft"`         // Targets above this barometric altitude are ignored
	IgnoredCallsigns []string `toml:"ignored_callsigns"`       // Ground-operations markers such as TWR
	StaleSweepSecs   int      `toml:"stale_sweep_seconds"`     // Interval of the last-seen sweep
	RemovalTimeout   int      `toml:"removal_timeout_seconds"` // Last-seen age that evicts an entry
}

// TrackingConfig contains live-state and flight-state housekeeping settings
type TrackingConfig struct {
	RemovalTimeoutSecs   int     `toml:"removal_timeout_seconds"`   // OGN live state eviction age
	ReaperIntervalSecs   int     `toml:"reaper_interval_seconds"`   // How often the reaper runs
	FlightStateIdleSecs  int     `toml:"flight_state_idle_seconds"` // Flight states idle this long are dropped
	FlightCleanupSecs    int     `toml:"flight_cleanup_seconds"`    // How often flight states are cleaned up
	StorageMinSpeedKmh   float64 `toml:"storage_min_speed_kmh"`     // Club positions slower than this are not stored
	TrackLimit           int     `toml:"track_limit"`               // Positions returned for a track request
	MagneticTrackEnabled bool    `toml:"magnetic_track_enabled"`    // Attach WMM magnetic track to live states
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // sqlite or postgres
	SQLitePath     string `toml:"sqlite_path"`      // Database file for the sqlite backend
	PostgresDSN    string `toml:"postgres_dsn"`     // Connection string for the postgres backend
	WriterQueueLen int    `toml:"writer_queue_len"` // Pending asynchronous writes before drops
}

// ReferenceConfig contains reference data settings
type ReferenceConfig struct {
	DDBURL             string `toml:"ddb_url"`             // Glidernet device database download
	DDBRefreshHours    int    `toml:"ddb_refresh_hours"`   // Device database refresh interval
	DDBTimeoutSecs     int    `toml:"ddb_timeout_seconds"` // Download timeout
	AirfieldsFile      string `toml:"airfields_file"`      // JSON gazetteer
	HomefieldRefreshS  int    `toml:"homefield_refresh_seconds"`
	ClubPlanesRefreshS int    `toml:"club_planes_refresh_seconds"`
}

// WebhookConfig contains the outbound flight event webhook settings
type WebhookConfig struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	Origin      string `toml:"origin"` // Value of the "origin" field in the payload
	TimeoutSecs int    `toml:"timeout_seconds"`
}

// NATSConfig contains the optional event bus settings
type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Default returns a configuration carrying every default. Load decodes the
// TOML file over it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8765,
			Host:               "0.0.0.0",
			CORSAllowedOrigins: []string{"*"},
			ReadTimeoutSecs:    15,
			WriteTimeoutSecs:   15,
			IdleTimeoutSecs:    60,
			HeartbeatSecs:      5,
			BroadcastTickMs:    100,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Region: RegionConfig{
			Name:      "Denmark",
			Latitude:  55.923624,
			Longitude: 9.755859,
			RadiusKm:  195,
		},
		OGN: OGNConfig{
			Server:             "aprs.glidernet.org:14580",
			User:               "N0CALL",
			AppName:            "ogn-tracker",
			AppVersion:         "1.0",
			ReconnectDelaySecs: 5,
			KeepaliveSecs:      240,
			DialTimeoutSecs:    10,
		},
		ADSB: ADSBConfig{
			Enabled:          true,
			BaseURL:          "https://api.adsb.lol",
			IntervalSecs:     5,
			TimeoutSecs:      10,
			MaxAltitudeFt:    5000,
			IgnoredCallsigns: []string{"TWR"},
			StaleSweepSecs:   60,
			RemovalTimeout:   600,
		},
		Tracking: TrackingConfig{
			RemovalTimeoutSecs:   600,
			ReaperIntervalSecs:   60,
			FlightStateIdleSecs:  1800,
			FlightCleanupSecs:    300,
			StorageMinSpeedKmh:   10,
			TrackLimit:           100,
			MagneticTrackEnabled: true,
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			SQLitePath:     "data/tracker.db",
			WriterQueueLen: 1024,
		},
		Reference: ReferenceConfig{
			DDBURL:             "https://ddb.glidernet.org/download/",
			DDBRefreshHours:    24,
			DDBTimeoutSecs:     30,
			AirfieldsFile:      "configs/dk_airfields.json",
			HomefieldRefreshS:  300,
			ClubPlanesRefreshS: 1800,
		},
		Webhook: WebhookConfig{
			Origin:      "FSK",
			TimeoutSecs: 5,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "tracker.events",
		},
	}
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	config := Default()

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference.
// A .env file in the working directory is loaded first so its values can
// override the file. When no file is found the defaults are used.
func LoadWithFallback(preferredPath string) (*Config, error) {
	// Missing .env is normal in production.
	_ = godotenv.Load()

	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	if preferredPath != "" {
		return nil, fmt.Errorf("config file not found: %s", preferredPath)
	}

	config := Default()
	config.applyEnv()
	return config, nil
}

// applyEnv overlays the environment variables the deployment sets.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
		c.Webhook.Enabled = true
	}
	if v := os.Getenv("WEBHOOK_API_KEY"); v != "" {
		c.Webhook.APIKey = v
	}
	if v := os.Getenv("WEBHOOK_ENABLED"); v != "" {
		c.Webhook.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("WEBSOCKET_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("WEBSOCKET_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
}

// Validate validates the configuration and fills in zero values with defaults
func (c *Config) Validate() error {
	def := Default()

	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.HeartbeatSecs <= 0 {
		c.Server.HeartbeatSecs = def.Server.HeartbeatSecs
	}
	if c.Server.BroadcastTickMs <= 0 {
		c.Server.BroadcastTickMs = def.Server.BroadcastTickMs
	}

	if err := c.ValidateRegion(); err != nil {
		return err
	}

	// Validate OGN config
	if c.OGN.Server == "" {
		return fmt.Errorf("ogn.server is required")
	}
	if c.OGN.User == "" {
		c.OGN.User = def.OGN.User
	}
	if c.OGN.ReconnectDelaySecs <= 0 {
		c.OGN.ReconnectDelaySecs = def.OGN.ReconnectDelaySecs
	}
	if c.OGN.KeepaliveSecs <= 0 {
		c.OGN.KeepaliveSecs = def.OGN.KeepaliveSecs
	}
	if c.OGN.DialTimeoutSecs <= 0 {
		c.OGN.DialTimeoutSecs = def.OGN.DialTimeoutSecs
	}

	// Validate ADSB config
	if c.ADSB.Enabled && c.ADSB.BaseURL == "" {
		return fmt.Errorf("adsb.base_url is required when adsb is enabled")
	}
	if c.ADSB.IntervalSecs <= 0 {
		c.ADSB.IntervalSecs = def.ADSB.IntervalSecs
	}
	if c.ADSB.TimeoutSecs <= 0 {
		c.ADSB.TimeoutSecs = def.ADSB.TimeoutSecs
	}
	if c.ADSB.MaxAltitudeFt <= 0 {
		c.ADSB.MaxAltitudeFt = def.ADSB.MaxAltitudeFt
	}
	if c.ADSB.StaleSweepSecs <= 0 {
		c.ADSB.StaleSweepSecs = def.ADSB.StaleSweepSecs
	}
	if c.ADSB.RemovalTimeout <= 0 {
		c.ADSB.RemovalTimeout = def.ADSB.RemovalTimeout
	}

	if err := c.ValidateTracking(); err != nil {
		return err
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}

	// Validate reference data config
	if c.Reference.DDBRefreshHours <= 0 {
		c.Reference.DDBRefreshHours = def.Reference.DDBRefreshHours
	}
	if c.Reference.DDBTimeoutSecs <= 0 {
		c.Reference.DDBTimeoutSecs = def.Reference.DDBTimeoutSecs
	}
	if c.Reference.HomefieldRefreshS <= 0 {
		c.Reference.HomefieldRefreshS = def.Reference.HomefieldRefreshS
	}
	if c.Reference.ClubPlanesRefreshS <= 0 {
		c.Reference.ClubPlanesRefreshS = def.Reference.ClubPlanesRefreshS
	}

	// Validate webhook config
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when the webhook is enabled (set WEBHOOK_URL or webhook.enabled = false)")
	}
	if c.Webhook.Origin == "" {
		c.Webhook.Origin = def.Webhook.Origin
	}
	if c.Webhook.TimeoutSecs <= 0 {
		c.Webhook.TimeoutSecs = def.Webhook.TimeoutSecs
	}

	// Validate NATS config
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}

	return nil
}

// ValidateRegion validates the tracking area
func (c *Config) ValidateRegion() error {
	if c.Region.Latitude < -90 || c.Region.Latitude > 90 {
		return fmt.Errorf("invalid region latitude: %f", c.Region.Latitude)
	}
	if c.Region.Longitude < -180 || c.Region.Longitude > 180 {
		return fmt.Errorf("invalid region longitude: %f", c.Region.Longitude)
	}
	if c.Region.RadiusKm <= 0 {
		return fmt.Errorf("region.radius_km must be positive")
	}
	return nil
}

// ValidateTracking validates the housekeeping intervals
func (c *Config) ValidateTracking() error {
	def := Default().Tracking
	if c.Tracking.RemovalTimeoutSecs <= 0 {
		c.Tracking.RemovalTimeoutSecs = def.RemovalTimeoutSecs
	}
	if c.Tracking.ReaperIntervalSecs <= 0 {
		c.Tracking.ReaperIntervalSecs = def.ReaperIntervalSecs
	}
	if c.Tracking.FlightStateIdleSecs <= 0 {
		c.Tracking.FlightStateIdleSecs = def.FlightStateIdleSecs
	}
	if c.Tracking.FlightCleanupSecs <= 0 {
		c.Tracking.FlightCleanupSecs = def.FlightCleanupSecs
	}
	if c.Tracking.TrackLimit <= 0 {
		c.Tracking.TrackLimit = def.TrackLimit
	}
	if c.Tracking.StorageMinSpeedKmh < 0 {
		return fmt.Errorf("tracking.storage_min_speed_kmh must not be negative")
	}
	if c.Tracking.FlightStateIdleSecs < c.Tracking.RemovalTimeoutSecs {
		return fmt.Errorf("tracking.flight_state_idle_seconds (%d) must not be shorter than removal_timeout_seconds (%d)",
			c.Tracking.FlightStateIdleSecs, c.Tracking.RemovalTimeoutSecs)
	}
	return nil
}

// ValidateStorage validates the persistence backend selection
func (c *Config) ValidateStorage() error {
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required when storage.type is sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn (or DATABASE_URL) is required when storage.type is postgres")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'sqlite' or 'postgres')", c.Storage.Type)
	}
	if c.Storage.WriterQueueLen <= 0 {
		c.Storage.WriterQueueLen = Default().Storage.WriterQueueLen
	}
	return nil
}

// Seconds converts a seconds setting into a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
