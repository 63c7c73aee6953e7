package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"meshcored/internal/domain"
)

type SettingsRepo struct {
	db *sql.DB
}

func NewSettingsRepo(db *sql.DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// Get returns the single settings row, or defaults when none was saved yet.
func (r *SettingsRepo) Get(ctx context.Context) (domain.AppSettings, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT settings FROM app_settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultAppSettings(), nil
	}
	if err != nil {
		return domain.AppSettings{}, fmt.Errorf("read settings: %w", err)
	}

	settings := domain.DefaultAppSettings()
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return domain.AppSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	if settings.LastMessageTimes == nil {
		settings.LastMessageTimes = map[string]int64{}
	}
	return settings, nil
}

func (r *SettingsRepo) Save(ctx context.Context, s domain.AppSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO app_settings(id, settings) VALUES(1, ?)
		ON CONFLICT(id) DO UPDATE SET settings = excluded.settings
	`, string(raw))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Update applies fn to the current settings and saves the result.
func (r *SettingsRepo) Update(ctx context.Context, fn func(*domain.AppSettings)) (domain.AppSettings, error) {
	settings, err := r.Get(ctx)
	if err != nil {
		return domain.AppSettings{}, err
	}
	fn(&settings)
	if err := r.Save(ctx, settings); err != nil {
		return domain.AppSettings{}, err
	}
	return settings, nil
}
