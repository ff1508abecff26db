package sqlite

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"time"

	"autobuy/internal/model"
)

// 历史导出：CSV / JSON / JSONL / 聚合汇总。格式沿用既有 schema，
// JSON 导出可以原样重新导入（round-trip）。

type historyExport struct {
	ExportedAt time.Time             `json:"exportedAt"`
	Count      int                   `json:"count"`
	Records    []model.HistoryRecord `json:"records"`
}

func (s *Store) ExportHistoryCSV(ctx context.Context, f model.HistoryFilter) ([]byte, error) {
	records, err := s.ListHistory(ctx, f)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"id", "time", "site", "username", "itemId", "price", "payload"})
	for _, r := range records {
		price := json.Number(jsonFloat(r.Price))
		_ = w.Write([]string{
			r.ID,
			r.Time.Format(time.RFC3339Nano),
			r.Site,
			r.Username,
			r.ItemID,
			string(price),
			string(r.Payload),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) ExportHistoryJSON(ctx context.Context, f model.HistoryFilter) ([]byte, error) {
	records, err := s.ListHistory(ctx, f)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(historyExport{
		ExportedAt: time.Now(),
		Count:      len(records),
		Records:    records,
	}, "", "  ")
}

func (s *Store) ExportHistoryJSONL(ctx context.Context, f model.HistoryFilter) ([]byte, error) {
	records, err := s.ListHistory(ctx, f)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ImportHistoryJSON 导入 ExportHistoryJSON 的输出，按记录逐条写入。
func (s *Store) ImportHistoryJSON(ctx context.Context, data []byte) (int, error) {
	var exp historyExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range exp.Records {
		if _, err := s.AddHistory(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
