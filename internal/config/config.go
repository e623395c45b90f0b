// Package config は認証ゲートウェイの設定を環境変数から読み込む。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// minSecretLength はJWT署名鍵に要求する最小バイト数。
const minSecretLength = 32

// Config は認証ゲートウェイの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8080"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `env:"DATABASE_PATH" envDefault:"/data/auth.db"`
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string `env:"JWT_SECRET,required"`
	// AccessTokenTTL はアクセストークンの有効期間。
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"30m"`
	// RefreshTokenTTL はリフレッシュトークンの有効期間。
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	// CookieSecure はリフレッシュトークンのCookieにSecure属性を付けるかどうか。
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"true"`
	// FrontendURLs はCORSで許可するオリジン。
	FrontendURLs []string `env:"FRONTEND_URL" envDefault:"http://localhost:3000" envSeparator:","`
	// RejectMalformedToken は不正な形式のBearerトークンを401にするかどうか。
	RejectMalformedToken bool `env:"AUTH_REJECT_MALFORMED_TOKEN" envDefault:"false"`
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// OAuth は外部IDプロバイダの設定。
	OAuth OAuth `envPrefix:"OAUTH_"`
	// Kakao はKakaoログインのクライアント設定。
	Kakao Provider `envPrefix:"KAKAO_"`
	// Google はGoogleログインのクライアント設定。
	Google Provider `envPrefix:"GOOGLE_"`
}

// OAuth は外部IDプロバイダ呼び出し全体に関わる設定。
type OAuth struct {
	// Timeout はプロバイダ呼び出し1回あたりのタイムアウト。
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
	// Retries はプロフィール取得のリトライ回数。
	Retries uint `env:"RETRIES" envDefault:"1"`
	// SuccessRedirect はフェデレーションログイン成功後のリダイレクト先。
	// 空の場合はJSONでトークンを返す。
	SuccessRedirect string `env:"SUCCESS_REDIRECT"`
}

// Provider はOAuth2クライアントの登録情報。
type Provider struct {
	// ClientID はクライアントID。空の場合はプロバイダを無効とする。
	ClientID string `env:"CLIENT_ID"`
	// ClientSecret はクライアントシークレット。
	ClientSecret string `env:"CLIENT_SECRET"`
	// RedirectURL は認可後のコールバックURL。
	RedirectURL string `env:"REDIRECT_URL"`
}

// Enabled はプロバイダが設定されているかどうかを返す。
func (p Provider) Enabled() bool {
	return p.ClientID != ""
}

// Load はプロセスの環境変数から設定を読み込む。
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom は指定した環境変数の集合から設定を読み込む。
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は項目間の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRETは%dバイト以上必要です", minSecretLength))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTLは正の値が必要です"))
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTLはREFRESH_TOKEN_TTLより短くする必要があります"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COSTは%d以上%d以下が必要です", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.OAuth.Timeout <= 0 {
		errs = append(errs, errors.New("OAUTH_TIMEOUTは正の値が必要です"))
	}
	for name, p := range map[string]Provider{"KAKAO": c.Kakao, "GOOGLE": c.Google} {
		if p.Enabled() && p.RedirectURL == "" {
			errs = append(errs, fmt.Errorf("%s_REDIRECT_URLが必要です", name))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel はLogLevelをslog.Levelに変換する。
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVELが不正です: %q", s)
}
