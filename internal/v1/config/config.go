package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"go.uber.org/zap"
)

// DefaultSTUNURLs are the public resolvers used when STUN_URLS is unset.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config holds the validated environment of the signaling server.
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  []string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	MaxChatHistory   int
	RoomCleanupGrace time.Duration

	// Rate Limits (ulule formatted, e.g. "100-M")
	RateLimitAPI        string
	RateLimitWsIP       string
	RateLimitWsMessages string

	OtelCollectorAddr string
	OtelInsecure      bool
}

// ClientConfig holds the validated environment of the terminal chat client.
type ClientConfig struct {
	SignalingURL string
	RoomCode     string
	Username     string

	STUNURLs          []string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	TypingTimeout     time.Duration

	AudioFile string
	VideoFile string

	MetricsAddr string
	LogFile     string
	GoEnv       string
	LogLevel    string
}

// ValidateEnv validates the server environment and returns a Config object.
// Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Conditional: REDIS_ADDR (defaulted if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			logging.Warn(context.Background(), "REDIS_ADDR not set, using default", zap.String("addr", cfg.RedisAddr))
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = splitList(getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000"))

	var err error
	if cfg.MaxChatHistory, err = getIntOrDefault("MAX_CHAT_HISTORY", 100); err != nil || cfg.MaxChatHistory < 1 {
		errors = append(errors, fmt.Sprintf("MAX_CHAT_HISTORY must be a positive integer (got '%s')", os.Getenv("MAX_CHAT_HISTORY")))
	}
	if cfg.RoomCleanupGrace, err = getDurationOrDefault("ROOM_CLEANUP_GRACE", 5*time.Second); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "120-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsMessages = getEnvOrDefault("RATE_LIMIT_WS_MESSAGES", "600-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}
	cfg.OtelInsecure = os.Getenv("OTEL_INSECURE") == "true"

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ValidateClientEnv validates the chat client environment. Flags may fill
// RoomCode and Username afterwards, so those are checked by the caller.
func ValidateClientEnv() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	var errors []string

	cfg.SignalingURL = os.Getenv("SIGNALING_URL")
	if cfg.SignalingURL == "" {
		cfg.SignalingURL = "ws://localhost:8080/ws"
	}
	if err := validateWebSocketURL(cfg.SignalingURL); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.RoomCode = os.Getenv("ROOM_CODE")
	cfg.Username = os.Getenv("CHAT_USERNAME")

	cfg.STUNURLs = DefaultSTUNURLs
	if raw := os.Getenv("STUN_URLS"); raw != "" {
		cfg.STUNURLs = splitList(raw)
		for _, u := range cfg.STUNURLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
				errors = append(errors, fmt.Sprintf("STUN_URLS entries must start with 'stun:' (got '%s')", u))
			}
		}
	}

	var err error
	if cfg.ReconnectAttempts, err = getIntOrDefault("RECONNECT_ATTEMPTS", 10); err != nil || cfg.ReconnectAttempts < 1 {
		errors = append(errors, fmt.Sprintf("RECONNECT_ATTEMPTS must be a positive integer (got '%s')", os.Getenv("RECONNECT_ATTEMPTS")))
	}
	if cfg.ReconnectDelay, err = getDurationOrDefault("RECONNECT_DELAY", 5*time.Second); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.ConnectTimeout, err = getDurationOrDefault("CONNECT_TIMEOUT", 60*time.Second); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.TypingTimeout, err = getDurationOrDefault("TYPING_TIMEOUT", 3*time.Second); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.AudioFile = os.Getenv("MEDIA_AUDIO_FILE")
	cfg.VideoFile = os.Getenv("MEDIA_VIDEO_FILE")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return cfg, nil
}

func validateWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("SIGNALING_URL must be a ws:// or wss:// URL (got '%s')", raw)
	}
	return nil
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && isValidPort(parts[1])
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "Environment configuration validated",
		zap.String("port", cfg.Port),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("redis_password", redactSecret(cfg.RedisPassword)),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.String("rate_limit_ws_ip", cfg.RateLimitWsIP),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration like '5s' (got '%s')", key, value)
	}
	return d, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// redactSecret redacts a secret by showing only the first 4 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
