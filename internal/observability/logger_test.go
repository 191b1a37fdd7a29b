package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		level slog.Level
		want  bool // whether we expect the message to appear
	}{
		{
			name:  "info level logs info",
			cfg:   Config{Level: "info", Format: "json"},
			level: slog.LevelInfo,
			want:  true,
		},
		{
			name:  "info level does not log debug",
			cfg:   Config{Level: "info", Format: "json"},
			level: slog.LevelDebug,
			want:  false,
		},
		{
			name:  "debug level logs debug",
			cfg:   Config{Level: "debug", Format: "text"},
			level: slog.LevelDebug,
			want:  true,
		},
		{
			name:  "error level does not log warn",
			cfg:   Config{Level: "error", Format: "json"},
			level: slog.LevelWarn,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.cfg.Output = buf
			logger := NewLogger(tt.cfg)

			logger.Log(context.Background(), tt.level, "test message")

			got := strings.Contains(buf.String(), "test message")
			if got != tt.want {
				t.Errorf("expected message presence=%v, got=%v, output=%s", tt.want, got, buf.String())
			}
		})
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "info", Format: "json", Output: buf})

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got=%v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key='value', got=%v", entry["key"])
	}
}

func TestLoggerContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: buf})

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithComponent(ctx, "keycloak")

	logger.With("static_key", "static_value").InfoContext(ctx, "test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["request_id"] != "req-123" {
		t.Errorf("expected request_id='req-123', got=%v", entry["request_id"])
	}
	if entry["component"] != "keycloak" {
		t.Errorf("expected component='keycloak', got=%v", entry["component"])
	}
	if entry["static_key"] != "static_value" {
		t.Errorf("expected static_key='static_value', got=%v", entry["static_key"])
	}
}

func TestLoggerWithoutContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Level: "info", Format: "json", Output: buf})

	logger.InfoContext(context.Background(), "plain")

	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id in output: %s", buf.String())
	}
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		want      string
	}{
		{name: "stores request id", requestID: "req-123", want: "req-123"},
		{name: "empty request id returns original context", requestID: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			if got := RequestIDFromContext(ctx); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFromContextNilContext(t *testing.T) {
	if got := RequestIDFromContext(nil); got != "" { //nolint:staticcheck // testing nil context handling
		t.Errorf("expected empty request id, got %q", got)
	}
	if got := ComponentFromContext(nil); got != "" { //nolint:staticcheck // testing nil context handling
		t.Errorf("expected empty component, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got %q", cfg.Level)
	}
	if cfg.Format != "text" {
		t.Errorf("expected format 'text', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Error("expected output to be os.Stderr")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("NSSKEYCLOAK_LOG_LEVEL", "debug")
	t.Setenv("NSSKEYCLOAK_LOG_FORMAT", "json")

	cfg := ConfigFromEnv()
	if cfg.Level != "debug" {
		t.Errorf("expected level 'debug', got %q", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected format 'json', got %q", cfg.Format)
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != slog.Default() {
		t.Error("expected slog.Default() for nil logger")
	}
	l := NewLogger(DefaultConfig())
	if OrDefault(l) != l {
		t.Error("expected the provided logger back")
	}
}
