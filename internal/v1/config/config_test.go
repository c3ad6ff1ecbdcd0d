package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD", "GO_ENV", "LOG_LEVEL",
	"ALLOWED_ORIGINS", "MAX_CHAT_HISTORY", "ROOM_CLEANUP_GRACE", "OTEL_COLLECTOR_ADDR",
	"SIGNALING_URL", "ROOM_CODE", "CHAT_USERNAME", "STUN_URLS", "RECONNECT_ATTEMPTS",
	"RECONNECT_DELAY", "CONNECT_TIMEOUT", "TYPING_TIMEOUT",
}

// setupTestEnv clears every variable the package reads and restores them afterwards
func setupTestEnv(t *testing.T) func() {
	t.Helper()
	origVars := make(map[string]string, len(envKeys))
	for _, key := range envKeys {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to be 8080, got %s", cfg.Port)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to production, got %s", cfg.GoEnv)
	}
	if cfg.MaxChatHistory != 100 {
		t.Errorf("Expected MAX_CHAT_HISTORY default 100, got %d", cfg.MaxChatHistory)
	}
	if cfg.RoomCleanupGrace != 5*time.Second {
		t.Errorf("Expected ROOM_CLEANUP_GRACE default 5s, got %s", cfg.RoomCleanupGrace)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Unexpected default origins: %v", cfg.AllowedOrigins)
	}
}

func TestValidateEnv_MissingPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT is required") {
		t.Errorf("Expected error message about PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected default REDIS_ADDR, got %s", cfg.RedisAddr)
	}
}

func TestValidateEnv_MultipleErrors(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "no-port")
	os.Setenv("MAX_CHAT_HISTORY", "zero")
	os.Setenv("ROOM_CLEANUP_GRACE", "soon")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	msg := err.Error()
	for _, want := range []string{"PORT is required", "REDIS_ADDR must be", "MAX_CHAT_HISTORY", "ROOM_CLEANUP_GRACE"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in aggregated error, got: %v", want, err)
		}
	}
}

func TestValidateClientEnv_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := ValidateClientEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.SignalingURL != "ws://localhost:8080/ws" {
		t.Errorf("Unexpected default SIGNALING_URL: %s", cfg.SignalingURL)
	}
	if len(cfg.STUNURLs) != 3 || cfg.STUNURLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("Unexpected default STUN servers: %v", cfg.STUNURLs)
	}
	if cfg.ReconnectAttempts != 10 || cfg.ReconnectDelay != 5*time.Second || cfg.ConnectTimeout != 60*time.Second {
		t.Errorf("Unexpected reconnect defaults: %d %s %s", cfg.ReconnectAttempts, cfg.ReconnectDelay, cfg.ConnectTimeout)
	}
	if cfg.TypingTimeout != 3*time.Second {
		t.Errorf("Unexpected typing timeout: %s", cfg.TypingTimeout)
	}
}

func TestValidateClientEnv_Overrides(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SIGNALING_URL", "wss://chat.example.com/ws")
	os.Setenv("ROOM_CODE", "ABC123")
	os.Setenv("CHAT_USERNAME", "alice")
	os.Setenv("STUN_URLS", "stun:a.example.com:3478, stun:b.example.com:3478")
	os.Setenv("RECONNECT_ATTEMPTS", "3")
	os.Setenv("RECONNECT_DELAY", "250ms")

	cfg, err := ValidateClientEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RoomCode != "ABC123" || cfg.Username != "alice" {
		t.Errorf("Unexpected identity: %s / %s", cfg.RoomCode, cfg.Username)
	}
	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[1] != "stun:b.example.com:3478" {
		t.Errorf("Unexpected STUN servers: %v", cfg.STUNURLs)
	}
	if cfg.ReconnectAttempts != 3 || cfg.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("Unexpected reconnect settings: %d %s", cfg.ReconnectAttempts, cfg.ReconnectDelay)
	}
}

func TestValidateClientEnv_Invalid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SIGNALING_URL", "http://chat.example.com")
	os.Setenv("STUN_URLS", "turn:relay.example.com")
	os.Setenv("RECONNECT_ATTEMPTS", "-1")
	os.Setenv("TYPING_TIMEOUT", "0s")

	_, err := ValidateClientEnv()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"SIGNALING_URL", "STUN_URLS", "RECONNECT_ATTEMPTS", "TYPING_TIMEOUT"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in aggregated error, got: %v", want, err)
		}
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"localhost:6379", true},
		{"redis:1", true},
		{":6379", false},
		{"localhost", false},
		{"localhost:0", false},
		{"a:b:c", false},
	}
	for _, tt := range tests {
		if got := isValidHostPort(tt.addr); got != tt.valid {
			t.Errorf("isValidHostPort(%q) = %v, want %v", tt.addr, got, tt.valid)
		}
	}
}

func TestRedactSecret(t *testing.T) {
	if redactSecret("") != "" {
		t.Error("empty secret should stay empty")
	}
	if redactSecret("short") != "***" {
		t.Error("short secrets should be fully masked")
	}
	if redactSecret("supersecretpassword") != "supe***" {
		t.Errorf("unexpected redaction: %s", redactSecret("supersecretpassword"))
	}
}
