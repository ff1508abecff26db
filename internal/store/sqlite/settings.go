package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"autobuy/internal/model"
)

const (
	keyEmailSettings   = "email_settings"
	keyWebhookSettings = "webhook_settings"
)

func (s *Store) getSetting(ctx context.Context, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

func (s *Store) putSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`, key, string(raw), time.Now().Unix())
	return err
}

// GetEmailSettings 读取邮件通知设置，未配置时返回零值（Enabled=false）。
func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, error) {
	var v model.EmailSettings
	err := s.getSetting(ctx, keyEmailSettings, &v)
	if errors.Is(err, ErrNotFound) {
		return model.EmailSettings{}, nil
	}
	return v, err
}

func (s *Store) SaveEmailSettings(ctx context.Context, v model.EmailSettings) error {
	return s.putSetting(ctx, keyEmailSettings, v)
}

func (s *Store) GetWebhookSettings(ctx context.Context) (model.WebhookSettings, error) {
	var v model.WebhookSettings
	err := s.getSetting(ctx, keyWebhookSettings, &v)
	if errors.Is(err, ErrNotFound) {
		return model.WebhookSettings{}, nil
	}
	return v, err
}

func (s *Store) SaveWebhookSettings(ctx context.Context, v model.WebhookSettings) error {
	return s.putSetting(ctx, keyWebhookSettings, v)
}
