package notify

import (
	"context"
	"time"
)

// BoughtEvent 一次成功购买。
type BoughtEvent struct {
	At       time.Time `json:"at"`
	Site     string    `json:"site"`
	Username string    `json:"username"`
	ItemID   string    `json:"itemId"`
	Price    float64   `json:"price"`
}

// Notifier 购买/异常事件的外发通道。全部尽力而为：通知失败只记日志，
// 绝不影响抢购主流程。
type Notifier interface {
	OnBought(ctx context.Context, evt BoughtEvent)
	OnOutOfMoney(ctx context.Context, siteID, username string)
	OnEngineError(ctx context.Context, siteID, username string, err error)
	OnStart(ctx context.Context, siteID, username string)
	OnStop(ctx context.Context, siteID, username, reason string)
}

// Noop 什么都不发，未配置通知时的占位实现。
type Noop struct{}

func (Noop) OnBought(context.Context, BoughtEvent)                 {}
func (Noop) OnOutOfMoney(context.Context, string, string)         {}
func (Noop) OnEngineError(context.Context, string, string, error) {}
func (Noop) OnStart(context.Context, string, string)              {}
func (Noop) OnStop(context.Context, string, string, string)       {}

// Multi 把事件扇出给多个通道。
type Multi []Notifier

func (m Multi) OnBought(ctx context.Context, evt BoughtEvent) {
	for _, n := range m {
		n.OnBought(ctx, evt)
	}
}

func (m Multi) OnOutOfMoney(ctx context.Context, siteID, username string) {
	for _, n := range m {
		n.OnOutOfMoney(ctx, siteID, username)
	}
}

func (m Multi) OnEngineError(ctx context.Context, siteID, username string, err error) {
	for _, n := range m {
		n.OnEngineError(ctx, siteID, username, err)
	}
}

func (m Multi) OnStart(ctx context.Context, siteID, username string) {
	for _, n := range m {
		n.OnStart(ctx, siteID, username)
	}
}

func (m Multi) OnStop(ctx context.Context, siteID, username, reason string) {
	for _, n := range m {
		n.OnStop(ctx, siteID, username, reason)
	}
}
