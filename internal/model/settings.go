package model

// EmailSettings 购买结果的邮件汇总通知配置。
type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
}

// WebhookSettings 通用 webhook 通知配置。Format 为 "discord" 时发 embed，否则发原始 JSON。
type WebhookSettings struct {
	Enabled bool            `json:"enabled"`
	URL     string          `json:"url"`
	Format  string          `json:"format,omitempty"`
	Events  map[string]bool `json:"events,omitempty"`
}
