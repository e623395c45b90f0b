package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/authgate/internal/oauth"
	"github.com/nao1215/authgate/internal/store"
	"github.com/nao1215/authgate/pkg/event"
	"github.com/nao1215/authgate/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

// Federation は外部IDプロバイダとのフェデレーション。*oauth.Serviceが満たす。
type Federation interface {
	AuthCodeURL(provider, state string) (string, error)
	Authenticate(ctx context.Context, provider, code string) (oauth.LocalIdentity, error)
	FetchProfile(ctx context.Context, provider, accessToken string) (oauth.Profile, error)
	RevokeAsync(ctx context.Context, provider, accessToken string)
}

// AuthResult はログイン系操作の結果。
type AuthResult struct {
	// AccessToken は新しく発行したアクセストークン。
	AccessToken string
	// RefreshToken は新しく発行したリフレッシュトークン。リフレッシュ時は空。
	RefreshToken string
	// User はログインしたユーザー。
	User *store.User
}

// Config はGatewayの設定。
type Config struct {
	// AccessTokenTTL はアクセストークンの有効期間。
	AccessTokenTTL time.Duration
	// RefreshTokenTTL はリフレッシュトークンの有効期間。
	RefreshTokenTTL time.Duration
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int
}

// Gateway はログイン・サインアップ・リフレッシュ・ログアウトを取りまとめる。
type Gateway struct {
	store      store.CredentialStore
	tokens     *token.Service
	federation Federation
	cfg        Config
	logger     *slog.Logger
}

// New はGatewayを生成する。
func New(st store.CredentialStore, tokens *token.Service, federation Federation, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Gateway{
		store:      st,
		tokens:     tokens,
		federation: federation,
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
	}
}

// Login はメールアドレスとパスワードで認証し、両方のトークンを発行する。
// メールアドレスが未登録ならErrNotFound、パスワードが一致しなければErrInvalidCredentialsを返す。
func (g *Gateway) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := g.store.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}

	// フェデレーションのみのアカウントはパスワードを持たない
	if !user.HasPassword() {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	result, err := g.issue(user)
	if err != nil {
		return nil, err
	}
	g.appendEvent(ctx, user.ID, event.TypeUserLoggedIn, event.UserLoggedInData{Method: event.MethodPassword})
	return result, nil
}

// SignUp はパスワードアカウントを作成し、両方のトークンを発行する。
// ユーザー・資格情報・ロールは1つのトランザクションで作成する。
// メールアドレスが登録済みならErrEmailTaken、パスワードが72バイトを超えるならErrPasswordTooLongを返す。
func (g *Gateway) SignUp(ctx context.Context, email, password string) (*AuthResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.cfg.BcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, ErrPasswordTooLong
	}
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	user, _, err := store.Provision(ctx, g.store, store.PasswordAccount{
		Email:        email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrEmailTaken) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー登録に失敗: %w", err)
	}

	g.logger.InfoContext(ctx, "ユーザーを登録しました", "user_id", user.ID)
	return g.issue(user)
}

// RefreshByCookie はリフレッシュトークンを検証し、新しいアクセストークンのみを発行する。
// リフレッシュトークンはローテーションしない。
// トークンが空・不正・期限切れ、またはユーザーが存在しない場合はErrUnauthorizedを返す。
func (g *Gateway) RefreshByCookie(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}
	userID, err := g.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	user, err := g.store.FindByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: ユーザーが存在しません", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}

	access, err := g.tokens.CreateAccessToken(user.ID, g.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	g.appendEvent(ctx, user.ID, event.TypeTokenRefreshed, event.TokenRefreshedData{})
	return &AuthResult{AccessToken: access, User: user}, nil
}

// Logout はユーザーのプロバイダトークンの失効を依頼する。常に成功する。
// アクセストークンの検証や失効に失敗してもログに記録するだけで、
// 発行済みのトークンは自然に期限切れになるまで有効なままとなる。
func (g *Gateway) Logout(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	userID, err := g.tokens.Validate(accessToken)
	if err != nil {
		g.logger.InfoContext(ctx, "ログアウト時のトークン検証に失敗", "error", err)
		return
	}

	revoked := false
	provider, providerToken, err := g.store.ProviderAccessToken(ctx, userID)
	switch {
	case err == nil:
		g.federation.RevokeAsync(ctx, provider, providerToken)
		revoked = true
	case !errors.Is(err, store.ErrNotFound):
		g.logger.WarnContext(ctx, "プロバイダトークンの取得に失敗", "user_id", userID, "error", err)
	}
	g.appendEvent(ctx, userID, event.TypeUserLoggedOut, event.UserLoggedOutData{ProviderRevocation: revoked})
}

// Me はユーザーを返す。プロバイダトークンを持つユーザーは、プロバイダから
// 表示名とプロフィール画像を取得し直して保存する。プロバイダの失敗はそのまま返す。
func (g *Gateway) Me(ctx context.Context, userID int64) (*store.User, error) {
	user, err := g.store.FindByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}

	provider, providerToken, err := g.store.ProviderAccessToken(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロバイダトークンの取得に失敗: %w", err)
	}

	profile, err := g.federation.FetchProfile(ctx, provider, providerToken)
	if err != nil {
		return nil, err
	}
	if profile.Name == user.Name && profile.ProfileImage == user.ProfileImage {
		return user, nil
	}
	if err := g.store.UpdateProfile(ctx, userID, profile.Name, profile.ProfileImage); err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	user.Name = profile.Name
	user.ProfileImage = profile.ProfileImage
	return user, nil
}

// Events はユーザーの監査イベントを古い順に返す。sinceがゼロ値でなければそれより後のものに絞る。
func (g *Gateway) Events(ctx context.Context, userID int64, since time.Time) ([]event.Event, error) {
	events, err := g.store.ListEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return events, nil
	}
	filtered := events[:0]
	for _, e := range events {
		if e.CreatedAt.After(since) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// OAuthLoginURL はプロバイダの認可画面のURLを返す。
func (g *Gateway) OAuthLoginURL(provider, state string) (string, error) {
	return g.federation.AuthCodeURL(provider, state)
}

// OAuthCallback は認可コードでフェデレーションログインを完了し、両方のトークンを発行する。
func (g *Gateway) OAuthCallback(ctx context.Context, provider, code string) (*AuthResult, error) {
	identity, err := g.federation.Authenticate(ctx, provider, code)
	if err != nil {
		return nil, err
	}
	user, err := g.store.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザー取得に失敗: %w", err)
	}
	return g.issue(user)
}

func (g *Gateway) issue(user *store.User) (*AuthResult, error) {
	access, err := g.tokens.CreateAccessToken(user.ID, g.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := g.tokens.CreateRefreshToken(user.ID, g.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

// appendEvent は監査イベントを記録する。失敗してもログに残すだけとする。
func (g *Gateway) appendEvent(ctx context.Context, userID int64, typ event.Type, data any) {
	e, err := event.New(userID, typ, data)
	if err == nil {
		err = g.store.AppendEvent(ctx, e)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "監査イベントの記録に失敗", "event_type", typ, "user_id", userID, "error", err)
	}
}
