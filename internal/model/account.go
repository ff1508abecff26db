package model

// Account 站点配置里的一个账号。engines 只在（重）启动时重新读取 enabled 列表。
type Account struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Label    string `json:"label,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func (a Account) DisplayName() string {
	if a.Label != "" {
		return a.Label
	}
	return a.Username
}
