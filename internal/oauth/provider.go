package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	// ProviderKakao はKakaoのプロバイダ名。
	ProviderKakao = "kakao"
	// ProviderGoogle はGoogleのプロバイダ名。
	ProviderGoogle = "google"
)

// revokeStyle はプロバイダのトークン失効APIの呼び出し方。
type revokeStyle int

const (
	// revokeBearer はトークンをAuthorizationヘッダーに載せてPOSTする。
	revokeBearer revokeStyle = iota
	// revokeForm はトークンをフォームパラメータtokenとしてPOSTする。
	revokeForm
)

// Profile はプロバイダから取得したユーザーのプロフィール。
type Profile struct {
	// ProviderUserID はプロバイダ側のユーザーID。
	ProviderUserID string `json:"provider_user_id"`
	// Email はメールアドレス。同意状況によっては空になる。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
	// ProfileImage はプロフィール画像のURL。
	ProfileImage string `json:"profile_image"`
}

// Credentials はOAuth2クライアントの登録情報。
type Credentials struct {
	// ClientID はクライアントID。
	ClientID string
	// ClientSecret はクライアントシークレット。
	ClientSecret string
	// RedirectURL は認可後のコールバックURL。
	RedirectURL string
}

// Endpoints はプロバイダのAPIエンドポイント。
type Endpoints struct {
	// AuthURL は認可エンドポイント。
	AuthURL string
	// TokenURL はトークンエンドポイント。
	TokenURL string
	// UserInfoURL はプロフィール取得エンドポイント。
	UserInfoURL string
	// RevokeURL はトークン失効エンドポイント。
	RevokeURL string
}

// Provider は外部IDプロバイダ1つ分の設定。
type Provider struct {
	name        string
	config      oauth2.Config
	userInfoURL string
	revokeURL   string
	revokeStyle revokeStyle
	parse       func(body []byte) (Profile, error)
}

// Name はプロバイダ名を返す。
func (p *Provider) Name() string {
	return p.name
}

// WithEndpoints は空でないエンドポイントだけを差し替えたコピーを返す。
func (p *Provider) WithEndpoints(e Endpoints) *Provider {
	cp := *p
	cp.config.Scopes = append([]string(nil), p.config.Scopes...)
	if e.AuthURL != "" {
		cp.config.Endpoint.AuthURL = e.AuthURL
	}
	if e.TokenURL != "" {
		cp.config.Endpoint.TokenURL = e.TokenURL
	}
	if e.UserInfoURL != "" {
		cp.userInfoURL = e.UserInfoURL
	}
	if e.RevokeURL != "" {
		cp.revokeURL = e.RevokeURL
	}
	return &cp
}

// Kakao はKakaoログインのプロバイダを生成する。
func Kakao(creds Credentials) *Provider {
	endpoint := endpoints.KaKao
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &Provider{
		name: ProviderKakao,
		config: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"account_email", "profile_nickname", "profile_image"},
		},
		userInfoURL: "https://kapi.kakao.com/v2/user/me",
		revokeURL:   "https://kapi.kakao.com/v1/user/logout",
		revokeStyle: revokeBearer,
		parse:       parseKakaoProfile,
	}
}

// Google はGoogleログインのプロバイダを生成する。
func Google(creds Credentials) *Provider {
	endpoint := endpoints.Google
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &Provider{
		name: ProviderGoogle,
		config: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		revokeURL:   "https://oauth2.googleapis.com/revoke",
		revokeStyle: revokeForm,
		parse:       parseGoogleProfile,
	}
}

// kakaoUser は https://kapi.kakao.com/v2/user/me のレスポンス。
type kakaoUser struct {
	ID           json.Number `json:"id"`
	KakaoAccount struct {
		Email   string `json:"email"`
		Profile struct {
			Nickname        string `json:"nickname"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"profile"`
	} `json:"kakao_account"`
}

func parseKakaoProfile(body []byte) (Profile, error) {
	var u kakaoUser
	if err := json.Unmarshal(body, &u); err != nil {
		return Profile{}, fmt.Errorf("Kakaoプロフィールの解析に失敗: %w", err)
	}
	if _, err := strconv.ParseInt(u.ID.String(), 10, 64); err != nil {
		return Profile{}, fmt.Errorf("KakaoユーザーIDが不正です: %q", u.ID)
	}
	return Profile{
		ProviderUserID: u.ID.String(),
		Email:          u.KakaoAccount.Email,
		Name:           u.KakaoAccount.Profile.Nickname,
		ProfileImage:   u.KakaoAccount.Profile.ProfileImageURL,
	}, nil
}

// googleUser はOpenID ConnectのUserInfoレスポンス。
type googleUser struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func parseGoogleProfile(body []byte) (Profile, error) {
	var u googleUser
	if err := json.Unmarshal(body, &u); err != nil {
		return Profile{}, fmt.Errorf("Googleプロフィールの解析に失敗: %w", err)
	}
	if u.Sub == "" {
		return Profile{}, errors.New("GoogleユーザーIDがありません")
	}
	return Profile{
		ProviderUserID: u.Sub,
		Email:          u.Email,
		Name:           u.Name,
		ProfileImage:   u.Picture,
	}, nil
}
