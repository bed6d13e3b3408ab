package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Parleo realtime core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// Redis (active call sessions, busy index, locks, dedup caches).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWTSecret is a hex-encoded 32-byte secret for socket and media bearer tokens.
	JWTSecret string

	// ICE / TURN.
	STUNURLs   string // comma-separated stun: URLs
	TURNURLs   string // comma-separated turn:/turns: URLs
	TURNSecret string // shared secret for time-limited TURN credentials
	TURNTTL    int    // TURN credential lifetime in seconds

	// SFU control plane.
	SFUAPIURL string // REST API base, e.g. "https://api.daily.co/v1"
	SFUAPIKey string
	SFUDomain string // room URL base, e.g. "https://parleo.daily.co"

	// Push gateway (backup wake-up when the callee's socket is silent).
	PushGatewayURL string
	PushLicenseKey string

	// Media processing queue.
	QueueProvider    string // "local" or "remote"
	RemoteQueueURL   string // base URL of the remote long-poll queue
	QueueConcurrency int
	QueueMaxAttempts int

	// Media upload limits, megabytes per media type.
	MaxImageMB    int
	MaxVideoMB    int
	MaxAudioMB    int
	MaxDocumentMB int

	UploadURLTTL  int    // presigned upload URL lifetime in seconds
	CDNBaseURL    string // public base URL for processed media
	HLSEnabled    bool
	HLSMinSeconds int // minimum video duration before HLS transcoding kicks in
	HLSMinWidth   int // minimum source width before HLS transcoding kicks in

	// RetentionDays is how long soft-deleted attachments are kept before purge.
	RetentionDays int
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultRedisAddr     = "localhost:6379"
	defaultTURNTTL       = 3600
	defaultQueueProvider = "local"
	defaultConcurrency   = 4
	defaultMaxAttempts   = 3
	defaultMaxImageMB    = 25
	defaultMaxVideoMB    = 500
	defaultMaxAudioMB    = 50
	defaultMaxDocMB      = 100
	defaultUploadURLTTL  = 900
	defaultHLSMinSecs    = 30
	defaultHLSMinWidth   = 1280
	defaultRetentionDays = 30
)

// envPrefix is the prefix for all Parleo environment variables.
const envPrefix = "PARLEO_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("parleod", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and media storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP/WebSocket server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", defaultRedisAddr, "redis server address (host:port)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for bearer tokens (auto-generated if empty)")
	fs.StringVar(&cfg.STUNURLs, "stun-urls", "stun:stun.l.google.com:19302", "comma-separated STUN server URLs")
	fs.StringVar(&cfg.TURNURLs, "turn-urls", "", "comma-separated TURN server URLs")
	fs.StringVar(&cfg.TURNSecret, "turn-secret", "", "shared secret for time-limited TURN credentials")
	fs.IntVar(&cfg.TURNTTL, "turn-ttl", defaultTURNTTL, "TURN credential lifetime in seconds")
	fs.StringVar(&cfg.SFUAPIURL, "sfu-api-url", "", "SFU control plane REST API base URL")
	fs.StringVar(&cfg.SFUAPIKey, "sfu-api-key", "", "SFU control plane API key")
	fs.StringVar(&cfg.SFUDomain, "sfu-domain", "", "SFU room URL base (e.g. https://example.daily.co)")
	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", "", "URL of the push gateway for call wake-up notifications")
	fs.StringVar(&cfg.PushLicenseKey, "push-license-key", "", "license key for authenticating with the push gateway")
	fs.StringVar(&cfg.QueueProvider, "queue-provider", defaultQueueProvider, "media queue provider (local, remote)")
	fs.StringVar(&cfg.RemoteQueueURL, "remote-queue-url", "", "base URL of the remote long-poll queue")
	fs.IntVar(&cfg.QueueConcurrency, "queue-concurrency", defaultConcurrency, "number of concurrent media workers")
	fs.IntVar(&cfg.QueueMaxAttempts, "queue-max-attempts", defaultMaxAttempts, "media job delivery attempts before dead-lettering")
	fs.IntVar(&cfg.MaxImageMB, "max-image-mb", defaultMaxImageMB, "maximum image upload size in MB")
	fs.IntVar(&cfg.MaxVideoMB, "max-video-mb", defaultMaxVideoMB, "maximum video upload size in MB")
	fs.IntVar(&cfg.MaxAudioMB, "max-audio-mb", defaultMaxAudioMB, "maximum audio upload size in MB")
	fs.IntVar(&cfg.MaxDocumentMB, "max-document-mb", defaultMaxDocMB, "maximum document upload size in MB")
	fs.IntVar(&cfg.UploadURLTTL, "upload-url-ttl", defaultUploadURLTTL, "presigned upload URL lifetime in seconds")
	fs.StringVar(&cfg.CDNBaseURL, "cdn-base-url", "", "public base URL for processed media")
	fs.BoolVar(&cfg.HLSEnabled, "hls-enabled", false, "enable HLS transcoding for long/wide videos")
	fs.IntVar(&cfg.HLSMinSeconds, "hls-min-seconds", defaultHLSMinSecs, "minimum video duration in seconds before HLS transcoding")
	fs.IntVar(&cfg.HLSMinWidth, "hls-min-width", defaultHLSMinWidth, "minimum video width before HLS transcoding")
	fs.IntVar(&cfg.RetentionDays, "retention-days", defaultRetentionDays, "days to keep soft-deleted attachments before purge")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	type binding struct {
		env   string
		apply func(string)
	}

	intp := func(dst *int) func(string) {
		return func(val string) {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
	strp := func(dst *string) func(string) {
		return func(val string) { *dst = val }
	}
	boolp := func(dst *bool) func(string) {
		return func(val string) {
			if v, err := strconv.ParseBool(val); err == nil {
				*dst = v
			}
		}
	}

	bindings := map[string]binding{
		"data-dir":           {envPrefix + "DATA_DIR", strp(&cfg.DataDir)},
		"http-port":          {envPrefix + "HTTP_PORT", intp(&cfg.HTTPPort)},
		"log-level":          {envPrefix + "LOG_LEVEL", strp(&cfg.LogLevel)},
		"log-format":         {envPrefix + "LOG_FORMAT", strp(&cfg.LogFormat)},
		"redis-addr":         {envPrefix + "REDIS_ADDR", strp(&cfg.RedisAddr)},
		"redis-password":     {envPrefix + "REDIS_PASSWORD", strp(&cfg.RedisPassword)},
		"redis-db":           {envPrefix + "REDIS_DB", intp(&cfg.RedisDB)},
		"jwt-secret":         {envPrefix + "JWT_SECRET", strp(&cfg.JWTSecret)},
		"stun-urls":          {envPrefix + "STUN_URLS", strp(&cfg.STUNURLs)},
		"turn-urls":          {envPrefix + "TURN_URLS", strp(&cfg.TURNURLs)},
		"turn-secret":        {envPrefix + "TURN_SECRET", strp(&cfg.TURNSecret)},
		"turn-ttl":           {envPrefix + "TURN_TTL", intp(&cfg.TURNTTL)},
		"sfu-api-url":        {envPrefix + "SFU_API_URL", strp(&cfg.SFUAPIURL)},
		"sfu-api-key":        {envPrefix + "SFU_API_KEY", strp(&cfg.SFUAPIKey)},
		"sfu-domain":         {envPrefix + "SFU_DOMAIN", strp(&cfg.SFUDomain)},
		"push-gateway-url":   {envPrefix + "PUSH_GATEWAY_URL", strp(&cfg.PushGatewayURL)},
		"push-license-key":   {envPrefix + "PUSH_LICENSE_KEY", strp(&cfg.PushLicenseKey)},
		"queue-provider":     {envPrefix + "QUEUE_PROVIDER", strp(&cfg.QueueProvider)},
		"remote-queue-url":   {envPrefix + "REMOTE_QUEUE_URL", strp(&cfg.RemoteQueueURL)},
		"queue-concurrency":  {envPrefix + "QUEUE_CONCURRENCY", intp(&cfg.QueueConcurrency)},
		"queue-max-attempts": {envPrefix + "QUEUE_MAX_ATTEMPTS", intp(&cfg.QueueMaxAttempts)},
		"max-image-mb":       {envPrefix + "MAX_IMAGE_MB", intp(&cfg.MaxImageMB)},
		"max-video-mb":       {envPrefix + "MAX_VIDEO_MB", intp(&cfg.MaxVideoMB)},
		"max-audio-mb":       {envPrefix + "MAX_AUDIO_MB", intp(&cfg.MaxAudioMB)},
		"max-document-mb":    {envPrefix + "MAX_DOCUMENT_MB", intp(&cfg.MaxDocumentMB)},
		"upload-url-ttl":     {envPrefix + "UPLOAD_URL_TTL", intp(&cfg.UploadURLTTL)},
		"cdn-base-url":       {envPrefix + "CDN_BASE_URL", strp(&cfg.CDNBaseURL)},
		"hls-enabled":        {envPrefix + "HLS_ENABLED", boolp(&cfg.HLSEnabled)},
		"hls-min-seconds":    {envPrefix + "HLS_MIN_SECONDS", intp(&cfg.HLSMinSeconds)},
		"hls-min-width":      {envPrefix + "HLS_MIN_WIDTH", intp(&cfg.HLSMinWidth)},
		"retention-days":     {envPrefix + "RETENTION_DAYS", intp(&cfg.RetentionDays)},
	}

	for flagName, b := range bindings {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(b.env)
		if !ok || val == "" {
			continue
		}
		b.apply(val)
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.QueueProvider {
	case "local":
	case "remote":
		if c.RemoteQueueURL == "" {
			return fmt.Errorf("remote-queue-url is required when queue-provider is remote")
		}
	default:
		return fmt.Errorf("queue-provider must be local or remote, got %q", c.QueueProvider)
	}

	if c.QueueConcurrency < 1 {
		return fmt.Errorf("queue-concurrency must be at least 1, got %d", c.QueueConcurrency)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("queue-max-attempts must be at least 1, got %d", c.QueueMaxAttempts)
	}
	if c.TURNTTL < 60 {
		return fmt.Errorf("turn-ttl must be at least 60 seconds, got %d", c.TURNTTL)
	}
	if c.UploadURLTTL < 60 {
		return fmt.Errorf("upload-url-ttl must be at least 60 seconds, got %d", c.UploadURLTTL)
	}

	// Generate an ephemeral JWT secret if none is configured. Tokens will not
	// survive a restart, which is acceptable for development.
	if c.JWTSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(buf)
		slog.Warn("no jwt-secret configured, generated an ephemeral one; tokens will not survive restart")
	}
	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}

	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JWTSecretBytes decodes the hex-encoded JWT secret.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt-secret must be hex-encoded: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("jwt-secret must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// UploadURLLifetime returns the presigned upload URL lifetime.
func (c *Config) UploadURLLifetime() time.Duration {
	return time.Duration(c.UploadURLTTL) * time.Second
}

// TURNLifetime returns the TURN credential lifetime.
func (c *Config) TURNLifetime() time.Duration {
	return time.Duration(c.TURNTTL) * time.Second
}

// STUNList splits the comma-separated STUN URL list.
func (c *Config) STUNList() []string {
	return splitCSV(c.STUNURLs)
}

// TURNList splits the comma-separated TURN URL list.
func (c *Config) TURNList() []string {
	return splitCSV(c.TURNURLs)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaxBytesFor returns the upload size limit in bytes for a media type string
// (image, video, audio, document). Unknown types fall back to the document limit.
func (c *Config) MaxBytesFor(mediaType string) int64 {
	mb := c.MaxDocumentMB
	switch mediaType {
	case "image":
		mb = c.MaxImageMB
	case "video":
		mb = c.MaxVideoMB
	case "audio":
		mb = c.MaxAudioMB
	}
	return int64(mb) * 1024 * 1024
}
