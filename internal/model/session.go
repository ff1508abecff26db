package model

import "time"

// Session 一个（站点, 账号）的登录态，落库后重启可复用。
type Session struct {
	Hostname     string    `json:"hostname"`
	Username     string    `json:"username"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Clearance    string    `json:"clearance,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s Session) Key() string {
	return s.Hostname + "_" + s.Username
}
