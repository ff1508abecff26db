package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"autobuy/internal/logbus"
	"autobuy/internal/model"
)

const webhookTimeout = 8 * time.Second

// SettingsStore 通知配置来源，*sqlite.Store 满足它。每次发送前现读，
// 改配置不用重启。
type SettingsStore interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, error)
	GetWebhookSettings(ctx context.Context) (model.WebhookSettings, error)
}

// Webhook 把事件 POST 到用户配置的地址，支持通用 JSON 和 discord embed 两种格式。
type Webhook struct {
	store  SettingsStore
	bus    *logbus.Bus
	client *resty.Client
}

func NewWebhook(store SettingsStore, bus *logbus.Bus) *Webhook {
	return &Webhook{
		store:  store,
		bus:    bus,
		client: resty.New().SetTimeout(webhookTimeout),
	}
}

func (w *Webhook) OnBought(ctx context.Context, evt BoughtEvent) {
	w.send(ctx, "bought",
		fmt.Sprintf("✅ [%s] %s 购买成功：%s ￥%.2f", evt.Site, evt.Username, evt.ItemID, evt.Price),
		map[string]any{
			"site":     evt.Site,
			"username": evt.Username,
			"itemId":   evt.ItemID,
			"price":    evt.Price,
		})
}

func (w *Webhook) OnOutOfMoney(ctx context.Context, siteID, username string) {
	w.send(ctx, "out_of_money",
		fmt.Sprintf("💸 [%s] %s 余额不足，已停止", siteID, username),
		map[string]any{"site": siteID, "username": username})
}

func (w *Webhook) OnEngineError(ctx context.Context, siteID, username string, err error) {
	w.send(ctx, "engine_error",
		fmt.Sprintf("⚠️ [%s] %s 引擎异常：%v", siteID, username, err),
		map[string]any{"site": siteID, "username": username, "error": err.Error()})
}

func (w *Webhook) OnStart(ctx context.Context, siteID, username string) {
	w.send(ctx, "start",
		fmt.Sprintf("▶️ [%s] %s 开始监控", siteID, username),
		map[string]any{"site": siteID, "username": username})
}

func (w *Webhook) OnStop(ctx context.Context, siteID, username, reason string) {
	w.send(ctx, "stop",
		fmt.Sprintf("⏹️ [%s] %s 已停止（%s）", siteID, username, reason),
		map[string]any{"site": siteID, "username": username, "reason": reason})
}

func (w *Webhook) send(ctx context.Context, event, text string, fields map[string]any) {
	if w.store == nil {
		return
	}
	settings, err := w.store.GetWebhookSettings(ctx)
	if err != nil {
		w.log("warn", "读取 webhook 配置失败: "+err.Error())
		return
	}
	if !settings.Enabled || strings.TrimSpace(settings.URL) == "" {
		return
	}
	// Events 为空表示全部事件都发
	if len(settings.Events) > 0 && !settings.Events[event] {
		return
	}

	var payload any
	if strings.EqualFold(settings.Format, "discord") {
		payload = map[string]any{
			"embeds": []map[string]any{{
				"title":       eventTitle(event),
				"description": text,
				"color":       eventColor(event),
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			}},
		}
	} else {
		body := map[string]any{
			"event":   event,
			"message": text,
			"time":    time.Now().Format(time.RFC3339),
		}
		for k, v := range fields {
			body[k] = v
		}
		payload = body
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(settings.URL)
	if err != nil {
		w.log("warn", fmt.Sprintf("webhook 发送失败（%s）: %v", event, err))
		return
	}
	if resp.StatusCode() >= 400 {
		w.log("warn", fmt.Sprintf("webhook 返回 %d（%s）", resp.StatusCode(), event))
	}
}

func eventTitle(event string) string {
	switch event {
	case "bought":
		return "购买成功"
	case "out_of_money":
		return "余额不足"
	case "engine_error":
		return "引擎异常"
	case "start":
		return "开始监控"
	case "stop":
		return "已停止"
	default:
		return event
	}
}

func eventColor(event string) int {
	switch event {
	case "bought":
		return 0x2ecc71
	case "out_of_money", "engine_error":
		return 0xe74c3c
	default:
		return 0x3498db
	}
}

func (w *Webhook) log(level, msg string) {
	if w.bus != nil {
		w.bus.Log(level, msg, nil)
	}
}
