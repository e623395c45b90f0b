// Package event は認証ライフサイクルの監査イベントを定義する。
//
// イベントは不変（immutable）であり、資格情報ストアのauth_eventsテーブルに
// 追記のみ（append-only）で記録される。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeUserSignedUp はパスワードアカウントが新規登録されたことを表す。
	TypeUserSignedUp Type = "UserSignedUp"
	// TypeUserProvisioned は外部IDプロバイダ経由の初回ログインでユーザーが自動作成されたことを表す。
	TypeUserProvisioned Type = "UserProvisioned"
	// TypeUserLoggedIn はログインに成功したことを表す。
	TypeUserLoggedIn Type = "UserLoggedIn"
	// TypeTokenRefreshed はリフレッシュトークンでアクセストークンが再発行されたことを表す。
	TypeTokenRefreshed Type = "TokenRefreshed"
	// TypeUserLoggedOut はログアウトしたことを表す。
	TypeUserLoggedOut Type = "UserLoggedOut"
)

// Method はログイン経路を表す。
type Method string

const (
	// MethodPassword はメールアドレスとパスワードによるログイン。
	MethodPassword Method = "password"
	// MethodFederated は外部IDプロバイダによるログイン。
	MethodFederated Method = "federated"
)

// Event は監査ログに記録される1件のイベント。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は対象ユーザーのID。
	UserID int64 `json:"user_id"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// UserSignedUpData はUserSignedUpイベントのデータ。
type UserSignedUpData struct {
	// Email は登録されたメールアドレス。
	Email string `json:"email"`
}

// UserProvisionedData はUserProvisionedイベントのデータ。
type UserProvisionedData struct {
	// Provider はIDプロバイダ名。
	Provider string `json:"provider"`
	// ProviderUserID はプロバイダ側のユーザーID。
	ProviderUserID string `json:"provider_user_id"`
	// Email はプロバイダから取得したメールアドレス。
	Email string `json:"email"`
}

// UserLoggedInData はUserLoggedInイベントのデータ。
type UserLoggedInData struct {
	// Method はログイン経路。
	Method Method `json:"method"`
	// Provider はフェデレーションログインの場合のプロバイダ名。
	Provider string `json:"provider,omitempty"`
}

// TokenRefreshedData はTokenRefreshedイベントのデータ。
type TokenRefreshedData struct{}

// UserLoggedOutData はUserLoggedOutイベントのデータ。
type UserLoggedOutData struct {
	// ProviderRevocation はプロバイダのセッション無効化を依頼したかどうか。
	ProviderRevocation bool `json:"provider_revocation"`
}
