package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode      = "MULTIFLEXER_MODE"
	envVarLogFormat = "MULTIFLEXER_LOG_FORMAT"
	envVarLogLevel  = "MULTIFLEXER_LOG_LEVEL"

	// Hub.
	envVarHubListenAddr   = "MULTIFLEXER_HUB_LISTEN_ADDR"
	envVarShutdownTimeout = "MULTIFLEXER_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling / WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	// Receiver.
	envVarSignalingURL       = "MULTIFLEXER_SIGNALING_URL"
	envVarReceiverName       = "MULTIFLEXER_RECEIVER_NAME"
	envVarMQTTBroker         = "MQTT_BROKER"
	envVarMQTTClientID       = "MQTT_CLIENT_ID"
	envVarStatsInterval      = "STATS_INTERVAL"
	envVarICEStateCheckDelay = "ICE_STATE_CHECK_DELAY"
	envVarUIOverlayDelay     = "UI_OVERLAY_DELAY"
	envVarSessionTimeout     = "SESSION_TIMEOUT"
	envVarSurfaceRetryMax    = "SURFACE_RETRY_MAX"

	DefaultHubListenAddr = "127.0.0.1:3001"
	DefaultSignalingURL  = "ws://127.0.0.1:3001/ws"
	DefaultReceiverName  = "Receiver-1"
	DefaultMQTTBroker    = "127.0.0.1:1883"
	DefaultMQTTClientID  = "multiflexer-receiver"

	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second

	DefaultStatsInterval = 1 * time.Second
	// DefaultICEStateCheckDelay is how long a disconnected/failed ICE state must
	// persist before the session treats the connection as actually down.
	DefaultICEStateCheckDelay = 800 * time.Millisecond
	DefaultUIOverlayDelay     = 50 * time.Millisecond
	// DefaultSessionTimeout bounds the live window: the receiver terminates this
	// long after the first decoded frame arrives.
	DefaultSessionTimeout = 180 * time.Second
	// DefaultSurfaceRetryMax caps how many times slot assignment re-polls for a
	// display surface before giving up on a sender.
	DefaultSurfaceRetryMax = 200

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config carries settings for both binaries. The hub ignores the receiver
// fields and vice versa; a single loader keeps env handling uniform.
type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	// Hub.
	HubListenAddr   string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration

	// Receiver.
	SignalingURL       string
	ReceiverName       string
	MQTTBroker         string
	MQTTClientID       string
	StatsInterval      time.Duration
	ICEStateCheckDelay time.Duration
	UIOverlayDelay     time.Duration
	SessionTimeout     time.Duration
	SurfaceRetryMax    int

	// ICE servers handed to media engine construction.
	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	hubListenAddr := envOrDefault(lookup, envVarHubListenAddr, DefaultHubListenAddr)
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	receiverName := envOrDefault(lookup, envVarReceiverName, DefaultReceiverName)
	mqttBroker := envOrDefault(lookup, envVarMQTTBroker, DefaultMQTTBroker)
	mqttClientID := envOrDefault(lookup, envVarMQTTClientID, DefaultMQTTClientID)
	allowedOriginsRaw := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	statsInterval, err := envDurationOrDefault(lookup, envVarStatsInterval, DefaultStatsInterval)
	if err != nil {
		return Config{}, err
	}
	iceStateCheckDelay, err := envDurationOrDefault(lookup, envVarICEStateCheckDelay, DefaultICEStateCheckDelay)
	if err != nil {
		return Config{}, err
	}
	uiOverlayDelay, err := envDurationOrDefault(lookup, envVarUIOverlayDelay, DefaultUIOverlayDelay)
	if err != nil {
		return Config{}, err
	}
	sessionTimeout, err := envDurationOrDefault(lookup, envVarSessionTimeout, DefaultSessionTimeout)
	if err != nil {
		return Config{}, err
	}
	surfaceRetryMax, err := envIntOrDefault(lookup, envVarSurfaceRetryMax, DefaultSurfaceRetryMax)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "stun:stun.l.google.com:19302")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("multiflexer", flag.ContinueOnError)
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn, error")
	fs.StringVar(&hubListenAddr, "listen-addr", hubListenAddr, "hub listen address")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "hub websocket url")
	fs.StringVar(&receiverName, "receiver-name", receiverName, "display name announced to the room")
	fs.StringVar(&mqttBroker, "mqtt-broker", mqttBroker, "mqtt broker host:port")
	fs.DurationVar(&sessionTimeout, "session-timeout", sessionTimeout, "terminate this long after the first frame")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarMaxSignalingMessagesPerSecond)
	}
	if statsInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarStatsInterval)
	}
	if sessionTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envVarSessionTimeout)
	}
	if receiverName == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarReceiverName)
	}

	return Config{
		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  logLevel,

		HubListenAddr:   hubListenAddr,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsRaw),

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,

		SignalingURL:       signalingURL,
		ReceiverName:       receiverName,
		MQTTBroker:         mqttBroker,
		MQTTClientID:       mqttClientID,
		StatsInterval:      statsInterval,
		ICEStateCheckDelay: iceStateCheckDelay,
		UIOverlayDelay:     uiOverlayDelay,
		SessionTimeout:     sessionTimeout,
		SurfaceRetryMax:    surfaceRetryMax,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
