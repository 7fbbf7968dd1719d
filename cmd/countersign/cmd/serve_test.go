package cmd

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/countersign-labs/countersign/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateAuditStore(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Audit.Output = "stdout"
	if _, err := createAuditStore(cfg, logger); err != nil {
		t.Errorf("stdout output: %v", err)
	}

	cfg.Audit.Output = "file://" + filepath.Join(t.TempDir(), "audit")
	store, err := createAuditStore(cfg, logger)
	if err != nil {
		t.Fatalf("file output: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("close file store: %v", err)
	}

	cfg.Audit.Output = "syslog://nope"
	if _, err := createAuditStore(cfg, logger); err == nil {
		t.Error("expected error for unsupported output")
	}
}
