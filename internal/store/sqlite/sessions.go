package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"autobuy/internal/model"
)

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if sess.Hostname == "" || sess.Username == "" {
		return errors.New("hostname 和 username 不能为空")
	}
	sess.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (hostname, username, access_token, refresh_token, clearance, user_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, username) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			clearance = excluded.clearance,
			user_id = excluded.user_id,
			updated_at = excluded.updated_at
	`, sess.Hostname, sess.Username, sess.AccessToken, sess.RefreshToken, sess.Clearance, sess.UserID, sess.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) GetSession(ctx context.Context, hostname, username string) (model.Session, error) {
	var (
		sess      model.Session
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT hostname, username, access_token, refresh_token, clearance, user_id, updated_at
		FROM sessions WHERE hostname = ? AND username = ?
	`, hostname, username).Scan(&sess.Hostname, &sess.Username, &sess.AccessToken, &sess.RefreshToken, &sess.Clearance, &sess.UserID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return sess, nil
}

// SaveCookies 浏览器登录后把 cookie 落库，token 记录缺失时作为回退来源。
func (s *Store) SaveCookies(ctx context.Context, hostname, username string, cookies []model.Cookie) error {
	b, err := json.Marshal(cookies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (hostname, username, cookies_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hostname, username) DO UPDATE SET
			cookies_json = excluded.cookies_json,
			updated_at = excluded.updated_at
	`, hostname, username, string(b), time.Now().UnixMilli())
	return err
}

func (s *Store) GetCookies(ctx context.Context, hostname, username string) ([]model.Cookie, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT cookies_json FROM sessions WHERE hostname = ? AND username = ?
	`, hostname, username).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cookies []model.Cookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}
