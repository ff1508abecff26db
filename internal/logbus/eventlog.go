package logbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const eventLogMaxSize = 50 * 1024 * 1024

// EventLog 按行追加的 JSONL 事件流，按天聚合统计用。写失败只忽略，
// 事件日志不能反过来拖垮引擎。
type EventLog struct {
	mu   sync.Mutex
	path string
}

type Event struct {
	TS       time.Time `json:"ts"`
	Type     string    `json:"type"`
	Site     string    `json:"site,omitempty"`
	Username string    `json:"username,omitempty"`
	ItemID   string    `json:"itemId,omitempty"`
	Price    float64   `json:"price,omitempty"`
	Cooldown int64     `json:"cooldownMs,omitempty"`
	Spent    float64   `json:"spent,omitempty"`
	Count    int       `json:"count,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Success  *bool     `json:"success,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Msg      string    `json:"msg,omitempty"`
}

func NewEventLog(dir string) *EventLog {
	_ = os.MkdirAll(dir, 0o755)
	return &EventLog{path: filepath.Join(dir, "events.jsonl")}
}

func (l *EventLog) write(e Event) {
	if l == nil {
		return
	}
	e.TS = time.Now()
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

func (l *EventLog) rotateLocked() {
	st, err := os.Stat(l.path)
	if err != nil || st.Size() <= eventLogMaxSize {
		return
	}
	_ = os.Rename(l.path, fmt.Sprintf("%s.%d", l.path, time.Now().UnixMilli()))
}

func (l *EventLog) Buy(site, username, itemID string, price float64) {
	l.write(Event{Type: "buy", Site: site, Username: username, ItemID: itemID, Price: price})
}

func (l *EventLog) RateLimit(site, username string, cooldown time.Duration) {
	l.write(Event{Type: "rateLimit", Site: site, Username: username, Cooldown: cooldown.Milliseconds()})
}

func (l *EventLog) OutOfMoney(site, username string, spent float64) {
	l.write(Event{Type: "outOfMoney", Site: site, Username: username, Spent: spent})
}

func (l *EventLog) SessionRefresh(site, username string, ok bool) {
	l.write(Event{Type: "sessionRefresh", Site: site, Username: username, Success: &ok})
}

func (l *EventLog) EngineStart(site, username string) {
	l.write(Event{Type: "engineStart", Site: site, Username: username})
}

func (l *EventLog) EngineStop(site, username, reason string) {
	l.write(Event{Type: "engineStop", Site: site, Username: username, Reason: reason})
}

func (l *EventLog) EngineRestart(site, username string, attempt int) {
	l.write(Event{Type: "engineRestart", Site: site, Username: username, Attempt: attempt})
}

func (l *EventLog) Stock(site, username string, count int) {
	l.write(Event{Type: "stock", Site: site, Username: username, Count: count})
}

func (l *EventLog) Error(site, username, msg string) {
	l.write(Event{Type: "error", Site: site, Username: username, Msg: msg})
}

// ReadEvents 读取最近 limitDays 天的事件，坏行跳过。
func (l *EventLog) ReadEvents(limitDays int) []Event {
	if limitDays <= 0 {
		limitDays = 7
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	cutoff := time.Now().AddDate(0, 0, -limitDays)
	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.TS.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type AccountStats struct {
	Username   string  `json:"username"`
	Buys       int     `json:"buys"`
	Spent      float64 `json:"spent"`
	RateLimits int     `json:"rateLimits"`
	Restarts   int     `json:"restarts"`
}

type HourStats struct {
	Hour       string `json:"hour"`
	AvgStock   int    `json:"avgStock"`
	Buys       int    `json:"buys"`
	RateLimits int    `json:"rateLimits"`
}

type Stats struct {
	Days            int                     `json:"days"`
	TotalBuys       int                     `json:"totalBuys"`
	TotalSpent      float64                 `json:"totalSpent"`
	TotalRateLimits int                     `json:"totalRateLimits"`
	TotalRestarts   int                     `json:"totalRestarts"`
	ByAccount       map[string]AccountStats `json:"byAccount"`
	HourlyStock     []HourStats             `json:"hourlyStock"`
}

// GetStats 按账号和小时聚合最近 days 天的事件。
func (l *EventLog) GetStats(days int) Stats {
	if days <= 0 {
		days = 1
	}
	events := l.ReadEvents(days)

	type hourAgg struct {
		buys, rateLimits, stock, samples int
	}
	byAccount := make(map[string]AccountStats)
	byHour := make(map[string]*hourAgg)
	stats := Stats{Days: days, ByAccount: byAccount}

	for _, e := range events {
		user := e.Username
		if user == "" {
			user = "unknown"
		}
		acc := byAccount[user]
		acc.Username = user
		hour := e.TS.Format("15")
		h := byHour[hour]
		if h == nil {
			h = &hourAgg{}
			byHour[hour] = h
		}

		switch e.Type {
		case "buy":
			stats.TotalBuys++
			stats.TotalSpent += e.Price
			acc.Buys++
			acc.Spent += e.Price
			h.buys++
		case "rateLimit":
			stats.TotalRateLimits++
			acc.RateLimits++
			h.rateLimits++
		case "engineRestart":
			stats.TotalRestarts++
			acc.Restarts++
		case "stock":
			if e.Count > 0 {
				h.stock += e.Count
				h.samples++
			}
		}
		byAccount[user] = acc
	}

	for hour, h := range byHour {
		avg := 0
		if h.samples > 0 {
			avg = h.stock / h.samples
		}
		stats.HourlyStock = append(stats.HourlyStock, HourStats{
			Hour: hour + ":00", AvgStock: avg, Buys: h.buys, RateLimits: h.rateLimits,
		})
	}
	return stats
}
