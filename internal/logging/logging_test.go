package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevelAcceptsWarningAlias(t *testing.T) {
	level, err := parseLevel("WARNING")
	if err != nil {
		t.Fatalf("parse level: %v", err)
	}
	if level != slog.LevelWarn {
		t.Fatalf("expected warn level, got %v", level)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	level, err := parseLevel("")
	if err != nil {
		t.Fatalf("parse level: %v", err)
	}
	if level != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", level)
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	m := NewManager()
	if err := m.Configure("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLoggerTagsComponent(t *testing.T) {
	m := NewManager()
	if m.Logger("radio") == nil {
		t.Fatalf("expected component logger")
	}
}
