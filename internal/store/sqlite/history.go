package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"autobuy/internal/model"
)

// AddHistory 追加一条购买记录，超出上限时淘汰最旧的。
func (s *Store) AddHistory(ctx context.Context, rec model.HistoryRecord) (model.HistoryRecord, error) {
	if strings.TrimSpace(rec.Site) == "" {
		return model.HistoryRecord{}, errors.New("site 不能为空")
	}
	if strings.TrimSpace(rec.Username) == "" {
		return model.HistoryRecord{}, errors.New("username 不能为空")
	}
	if rec.Price < 0 {
		return model.HistoryRecord{}, errors.New("price 不能为负数")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, time, site, username, item_id, price, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Time.UnixMilli(), strings.TrimSpace(rec.Site), strings.TrimSpace(rec.Username), rec.ItemID, rec.Price, string(payload))
	if err != nil {
		return model.HistoryRecord{}, err
	}

	// 淘汰：保留最近 maxHistory 条
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM history WHERE id IN (
			SELECT id FROM history ORDER BY time DESC, id DESC LIMIT -1 OFFSET ?
		)
	`, s.maxHistory)
	if err != nil {
		return model.HistoryRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListHistory(ctx context.Context, f model.HistoryFilter) ([]model.HistoryRecord, error) {
	query := `SELECT id, time, site, username, item_id, price, payload_json FROM history WHERE 1=1`
	var args []any
	if f.Site != "" {
		query += ` AND site = ?`
		args = append(args, f.Site)
	}
	if f.Username != "" {
		query += ` AND username = ?`
		args = append(args, f.Username)
	}
	if !f.From.IsZero() {
		query += ` AND time >= ?`
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		query += ` AND time <= ?`
		args = append(args, f.To.UnixMilli())
	}
	query += ` ORDER BY time DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var (
			rec     model.HistoryRecord
			ts      int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Site, &rec.Username, &rec.ItemID, &rec.Price, &payload); err != nil {
			return nil, err
		}
		rec.Time = time.UnixMilli(ts)
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteHistory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ClearHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	return err
}

func (s *Store) CountHistory(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n)
	return n, err
}

// HistorySummary 按（站点, 账号）聚合：次数、总花费、最低/平均/最高单价、首末购买时间。
func (s *Store) HistorySummary(ctx context.Context, f model.HistoryFilter) (model.HistorySummary, error) {
	records, err := s.ListHistory(ctx, f)
	if err != nil {
		return model.HistorySummary{}, err
	}

	type agg struct {
		summary model.HistoryAccountSummary
	}
	byKey := make(map[string]*agg)
	var keys []string
	out := model.HistorySummary{ExportedAt: time.Now(), TotalRecords: len(records)}

	for _, r := range records {
		out.TotalSpent += r.Price
		key := r.Site + "__" + r.Username
		a := byKey[key]
		if a == nil {
			a = &agg{summary: model.HistoryAccountSummary{
				Site: r.Site, Username: r.Username,
				MinPrice: r.Price, MaxPrice: r.Price,
				FirstBuy: r.Time, LastBuy: r.Time,
			}}
			byKey[key] = a
			keys = append(keys, key)
		}
		sm := &a.summary
		sm.Count++
		sm.TotalSpent += r.Price
		if r.Price < sm.MinPrice {
			sm.MinPrice = r.Price
		}
		if r.Price > sm.MaxPrice {
			sm.MaxPrice = r.Price
		}
		if r.Time.Before(sm.FirstBuy) {
			sm.FirstBuy = r.Time
		}
		if r.Time.After(sm.LastBuy) {
			sm.LastBuy = r.Time
		}
	}

	for _, key := range keys {
		sm := byKey[key].summary
		if sm.Count > 0 {
			sm.AvgPrice = sm.TotalSpent / float64(sm.Count)
		}
		out.ByAccount = append(out.ByAccount, sm)
	}
	return out, nil
}
