package model

// AccountStatus 引擎对外广播的账号状态快照，UI 只消费不回写。
type AccountStatus struct {
	Site        string  `json:"site"`
	Username    string  `json:"username"`
	Label       string  `json:"label,omitempty"`
	TotalBought int     `json:"totalBought"`
	TotalSpent  float64 `json:"totalSpent"`
	Stock       int     `json:"stock"`
	DelayMs     int64   `json:"delayMs"`
	Health      int     `json:"health"`
	Running     bool    `json:"running"`
	Paused      bool    `json:"paused"`
	Stopped     bool    `json:"stopped"`
}
