package model

import (
	"encoding/json"
	"time"
)

// HistoryRecord 一次成功购买。Payload 保留站点原始响应，便于事后排查。
type HistoryRecord struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"time"`
	Site     string          `json:"site"`
	Username string          `json:"username"`
	ItemID   string          `json:"itemId,omitempty"`
	Price    float64         `json:"price"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type HistoryFilter struct {
	Site     string
	Username string
	From     time.Time
	To       time.Time
}

// HistorySummary 按账号聚合的导出视图。
type HistorySummary struct {
	ExportedAt   time.Time               `json:"exportedAt"`
	TotalRecords int                     `json:"totalRecords"`
	TotalSpent   float64                 `json:"totalSpent"`
	ByAccount    []HistoryAccountSummary `json:"byAccount"`
}

type HistoryAccountSummary struct {
	Site       string    `json:"site"`
	Username   string    `json:"username"`
	Count      int       `json:"count"`
	TotalSpent float64   `json:"totalSpent"`
	AvgPrice   float64   `json:"avgPrice"`
	MinPrice   float64   `json:"minPrice"`
	MaxPrice   float64   `json:"maxPrice"`
	FirstBuy   time.Time `json:"firstBuy"`
	LastBuy    time.Time `json:"lastBuy"`
}
