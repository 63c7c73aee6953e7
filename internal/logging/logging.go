// Package logging owns the daemon's slog configuration. Components get
// their own tagged child logger so log lines are attributable.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Manager holds the configured root logger.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewManager() *Manager {
	m := &Manager{}
	m.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return m
}

// Configure rebuilds the root logger at the given level and installs it as
// the process default.
func (m *Manager) Configure(rawLevel string) error {
	level, err := parseLevel(rawLevel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(m.logger)
	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger.With("component", component)
}

func parseLevel(raw string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unsupported log level: %q", raw)
	}
}
