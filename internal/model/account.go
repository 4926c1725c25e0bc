package model

import "time"

// Account は本人確認済みのエンドユーザーを表す。
type Account struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	AccountID      string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// VerifiedProfile はIdentity連携先が検証済みとして返すプロフィール。
// コアはこの値を再検証せずに信頼する。
type VerifiedProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
}
