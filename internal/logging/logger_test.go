package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/waymark/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestNewWritesToProjectLogFile(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir, slog.LevelInfo)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hidden detail")
	logger.Info("session created", "session_id", "abcd1234")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(projectDir, config.WaymarkDir, "logs", logFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "session_id=abcd1234") {
		t.Fatalf("expected structured attribute in %q", text)
	}
	if strings.Contains(text, "hidden detail") {
		t.Fatalf("debug record leaked at info level: %q", text)
	}
}
