package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Session   SessionConfig
	Selectors SelectorConfig
	Store     StoreConfig
	Bus       BusConfig
	Report    ReportConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// DefaultProxy is the proxy URL for all tabs.
	DefaultProxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// ControlURL attaches to an already running Chrome instead of launching one.
	ControlURL string

	// Stealth injects anti-detection JS into detail tabs.
	Stealth bool // default: true

	// BlockedResourceTypes lists resource types blocked in every tab.
	// default: ["Image", "Font", "Media"]
	BlockedResourceTypes []string

	// BlockAds drops requests to known ad and tracking hosts.
	BlockAds bool // default: true
}

// SessionConfig bounds a scrape session.
type SessionConfig struct {
	// ListURL is the default list view for a session start.
	ListURL string

	// RecordCap is the global record limit per session.
	RecordCap int // default: 100

	// RowsPerPass caps the rows processed by one orchestrator invocation.
	RowsPerPass int // default: 3

	// DispatchTimeout bounds one detail worker round trip.
	DispatchTimeout time.Duration // default: 2m

	// DispatchRetries is how often a row is re-dispatched after a plumbing
	// failure before the session is stopped.
	DispatchRetries int // default: 2

	// PaginationTimeout bounds the wait for new rows after "next".
	PaginationTimeout time.Duration // default: 15s

	// PollInterval is the change detector's polling fallback period.
	PollInterval time.Duration // default: 500ms

	// SettleDelay is slept after a detail view becomes ready.
	SettleDelay time.Duration // default: 500ms

	// NavigationSettle is slept after in-page row navigation and back.
	NavigationSettle time.Duration // default: 3s

	// ReadyTimeout bounds the wait for the detail view's ready element.
	ReadyTimeout time.Duration // default: 15s

	// Marker tags detail URLs opened for extraction.
	Marker string // default: "tiscrape=1"
}

// SelectorConfig describes the list view layout.
type SelectorConfig struct {
	Row       string
	Container string
	Next      string
	Ready     string

	// ExtractMode is "layout" (named selectors) or "article" (readability).
	ExtractMode string // default: "layout"
}

// StoreConfig selects the Progress Store backend.
type StoreConfig struct {
	Backend   string // "badger", "redis" or "memory"; default: "badger"
	Path      string // badger directory; default: "./data/harvest"
	RedisAddr string // default: "localhost:6379"
	Key       string // default: "harvest:state"
}

// BusConfig controls the optional NATS mirror of bus events.
type BusConfig struct {
	NATSURL string // empty disables the mirror
	Subject string // default: "harvest.events"
}

// ReportConfig controls the outbound session report.
type ReportConfig struct {
	Endpoint string        // default: "http://localhost:8000/api/v1/logs"
	Secret   string        // HMAC secret; empty disables signing
	Timeout  time.Duration // default: 10s
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Default list view layout of the trend listing the tool was built for.
const (
	DefaultRowSelector       = "[class*='--Tbody'] [class*='--TrRow'] [class*='--QueryStringTuxTex']"
	DefaultContainerSelector = "[class*='--Tbody']"
	DefaultNextSelector      = "[class*='--PaginationNext']:not([disabled]), [class*='--ViewMoreBtn']:not([disabled])"
	DefaultReadySelector     = "span.TUXText--weight-bold"
)

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("HARVEST_HOST", "0.0.0.0"),
			Port: envIntOr("HARVEST_PORT", 8080),
			Mode: envOr("HARVEST_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("HARVEST_HEADLESS", true),
			DefaultProxy: os.Getenv("HARVEST_PROXY"),
			NoSandbox:    envBoolOr("HARVEST_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("HARVEST_BROWSER_BIN"),
			ControlURL:   os.Getenv("HARVEST_CDP_URL"),
			Stealth:      envBoolOr("HARVEST_STEALTH", true),
			BlockedResourceTypes: envSliceOr("HARVEST_BLOCKED_RESOURCES", []string{
				"Image", "Font", "Media",
			}),
			BlockAds: envBoolOr("HARVEST_BLOCK_ADS", true),
		},
		Session: SessionConfig{
			ListURL:           os.Getenv("HARVEST_LIST_URL"),
			RecordCap:         envIntOr("HARVEST_RECORD_CAP", 100),
			RowsPerPass:       envIntOr("HARVEST_ROWS_PER_PASS", 3),
			DispatchTimeout:   envDurationOr("HARVEST_DISPATCH_TIMEOUT", 2*time.Minute),
			DispatchRetries:   envIntOr("HARVEST_DISPATCH_RETRIES", 2),
			PaginationTimeout: envDurationOr("HARVEST_PAGINATION_TIMEOUT", 15*time.Second),
			PollInterval:      envDurationOr("HARVEST_POLL_INTERVAL", 500*time.Millisecond),
			SettleDelay:       envDurationOr("HARVEST_SETTLE_DELAY", 500*time.Millisecond),
			NavigationSettle:  envDurationOr("HARVEST_NAV_SETTLE", 3*time.Second),
			ReadyTimeout:      envDurationOr("HARVEST_READY_TIMEOUT", 15*time.Second),
			Marker:            envOr("HARVEST_MARKER", "tiscrape=1"),
		},
		Selectors: SelectorConfig{
			Row:         envOr("HARVEST_ROW_SELECTOR", DefaultRowSelector),
			Container:   envOr("HARVEST_CONTAINER_SELECTOR", DefaultContainerSelector),
			Next:        envOr("HARVEST_NEXT_SELECTOR", DefaultNextSelector),
			Ready:       envOr("HARVEST_READY_SELECTOR", DefaultReadySelector),
			ExtractMode: envOr("HARVEST_EXTRACT_MODE", "layout"),
		},
		Store: StoreConfig{
			Backend:   envOr("HARVEST_STORE", "badger"),
			Path:      envOr("HARVEST_STORE_PATH", "./data/harvest"),
			RedisAddr: envOr("HARVEST_REDIS_ADDR", "localhost:6379"),
			Key:       envOr("HARVEST_STORE_KEY", "harvest:state"),
		},
		Bus: BusConfig{
			NATSURL: os.Getenv("HARVEST_NATS_URL"),
			Subject: envOr("HARVEST_NATS_SUBJECT", "harvest.events"),
		},
		Report: ReportConfig{
			Endpoint: envOr("HARVEST_LOG_ENDPOINT", "http://localhost:8000/api/v1/logs"),
			Secret:   os.Getenv("HARVEST_LOG_SECRET"),
			Timeout:  envDurationOr("HARVEST_LOG_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("HARVEST_AUTH_ENABLED", true),
			APIKeys: envSliceOr("HARVEST_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("HARVEST_RATE_RPS", 5.0),
			Burst:             envIntOr("HARVEST_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("HARVEST_LOG_LEVEL", "info"),
			Format: envOr("HARVEST_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
