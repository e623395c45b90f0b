package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nao1215/authgate/internal/store"
	"github.com/nao1215/authgate/pkg/event"
	"github.com/nao1215/authgate/pkg/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownProvider は登録されていないプロバイダが指定されたことを表す。
	ErrUnknownProvider = errors.New("未対応のプロバイダです")
	// ErrProviderUnavailable はプロバイダとの通信に失敗したことを表す。
	ErrProviderUnavailable = errors.New("IDプロバイダとの通信に失敗しました")
	// ErrInvalidGrant はプロバイダが認可コードを拒否したことを表す。
	ErrInvalidGrant = errors.New("認可コードが無効です")
)

const (
	// DefaultTimeout はプロバイダ呼び出し1回あたりのタイムアウトの既定値。
	DefaultTimeout = 5 * time.Second
	// DefaultRetries はプロフィール取得のリトライ回数の既定値。
	DefaultRetries = 1
)

// LocalIdentity はフェデレーションログインの結果として確立したローカルの身元。
type LocalIdentity struct {
	// UserID はローカルユーザーのID。
	UserID int64
	// Roles は付与されているロール。
	Roles []string
	// Created はこのログインでユーザーを新規作成したかどうか。
	Created bool
}

// Service は外部IDプロバイダとのフェデレーションを行う。
type Service struct {
	providers  map[string]*Provider
	store      store.CredentialStore
	httpClient *http.Client
	client     *httpclient.Client
	timeout    time.Duration
	retries    uint
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	group singleflight.Group
	wg    sync.WaitGroup
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithTimeout はプロバイダ呼び出し1回あたりのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithRetries はプロフィール取得のリトライ回数を設定する。
func WithRetries(n uint) Option {
	return func(s *Service) {
		s.retries = n
	}
}

// WithBackOff はリトライ間隔の生成方法を設定する。
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Service) {
		s.newBackOff = newBackOff
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService はフェデレーションサービスを生成する。
func NewService(st store.CredentialStore, providers []*Provider, opts ...Option) *Service {
	s := &Service{
		providers: make(map[string]*Provider, len(providers)),
		store:     st,
		timeout:   DefaultTimeout,
		retries:   DefaultRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		logger: slog.Default(),
	}
	for _, p := range providers {
		s.providers[p.name] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "oauth")
	s.httpClient = &http.Client{}
	s.client = httpclient.New("",
		httpclient.WithHTTPClient(s.httpClient),
		httpclient.WithTimeout(s.timeout),
	)
	return s
}

// Providers は登録済みのプロバイダ名を昇順で返す。
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) provider(name string) (*Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// AuthCodeURL はプロバイダの認可画面のURLを返す。
func (s *Service) AuthCodeURL(providerName, state string) (string, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return "", err
	}
	return p.config.AuthCodeURL(state), nil
}

// Exchange は認可コードをプロバイダのアクセストークンに交換する。
func (s *Service) Exchange(ctx context.Context, providerName, code string) (*oauth2.Token, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: トークン交換: %v", ErrProviderUnavailable, err)
	}
	return tok, nil
}

// FetchProfile はプロバイダのアクセストークンでプロフィールを取得する。
// 通信エラーと5xxは設定回数までリトライし、4xxは即座に失敗とする。
// 失敗した場合はErrProviderUnavailableを返す。
func (s *Service) FetchProfile(ctx context.Context, providerName, accessToken string) (Profile, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return Profile{}, err
	}

	reqCtx := httpclient.WithBearer(ctx, accessToken)
	attempt := 0
	body, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempt++
		var raw json.RawMessage
		if err := s.client.GetJSON(reqCtx, p.userInfoURL, &raw); err != nil {
			var se *httpclient.StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return raw, nil
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WarnContext(ctx, "プロフィール取得をリトライします",
				"provider", providerName, "attempt", attempt, "next", next, "error", err)
		}),
	)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: プロフィール取得: %v", ErrProviderUnavailable, err)
	}

	profile, err := p.parse(body)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return profile, nil
}

// Provision はプロフィールに対応するローカルユーザーを用意する。
// 初回ログインではユーザー・外部ID・ロールを1つのトランザクションで作成し、
// 2回目以降はプロバイダトークンのみ更新する。
// 同じプロバイダアカウントの同時ログインは1回の処理にまとめる。
func (s *Service) Provision(ctx context.Context, providerName string, profile Profile, accessToken string) (LocalIdentity, error) {
	if _, err := s.provider(providerName); err != nil {
		return LocalIdentity{}, err
	}

	// まとめられた後続の呼び出しが先頭の呼び出し元のキャンセルに巻き込まれないよう切り離す
	shared := context.WithoutCancel(ctx)
	key := providerName + ":" + profile.ProviderUserID
	v, err, _ := s.group.Do(key, func() (any, error) {
		user, created, err := store.Provision(shared, s.store, store.FederatedAccount{
			Provider:       providerName,
			ProviderUserID: profile.ProviderUserID,
			Email:          profile.Email,
			Name:           profile.Name,
			ProfileImage:   profile.ProfileImage,
			AccessToken:    accessToken,
		})
		if err != nil {
			return nil, err
		}
		return LocalIdentity{UserID: user.ID, Roles: user.Roles, Created: created}, nil
	})
	if err != nil {
		return LocalIdentity{}, fmt.Errorf("プロビジョニングに失敗: %w", err)
	}

	identity := v.(LocalIdentity)
	if identity.Created {
		s.logger.InfoContext(ctx, "ユーザーを自動登録しました", "provider", providerName, "user_id", identity.UserID)
	}
	return identity, nil
}

// Authenticate は認可コードからローカルの身元を確立する。
// コード交換、プロフィール取得、プロビジョニングを順に行い、いずれかの失敗でログインを中断する。
func (s *Service) Authenticate(ctx context.Context, providerName, code string) (LocalIdentity, error) {
	tok, err := s.Exchange(ctx, providerName, code)
	if err != nil {
		return LocalIdentity{}, err
	}
	profile, err := s.FetchProfile(ctx, providerName, tok.AccessToken)
	if err != nil {
		return LocalIdentity{}, err
	}
	identity, err := s.Provision(ctx, providerName, profile, tok.AccessToken)
	if err != nil {
		return LocalIdentity{}, err
	}

	e, err := event.New(identity.UserID, event.TypeUserLoggedIn, event.UserLoggedInData{
		Method:   event.MethodFederated,
		Provider: providerName,
	})
	if err == nil {
		err = s.store.AppendEvent(ctx, e)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "ログインイベントの記録に失敗", "user_id", identity.UserID, "error", err)
	}
	return identity, nil
}

// Revoke はプロバイダのアクセストークンを失効させる。
func (s *Service) Revoke(ctx context.Context, providerName, accessToken string) error {
	p, err := s.provider(providerName)
	if err != nil {
		return err
	}

	switch p.revokeStyle {
	case revokeForm:
		err = s.client.PostForm(ctx, p.revokeURL, url.Values{"token": {accessToken}}, nil)
	default:
		err = s.client.PostForm(httpclient.WithBearer(ctx, accessToken), p.revokeURL, nil, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: トークン失効: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// RevokeAsync はプロバイダのアクセストークンの失効を別のゴルーチンで行う。
// 呼び出し元のコンテキストがキャンセルされても失効処理は継続し、結果はログにのみ記録する。
func (s *Service) RevokeAsync(ctx context.Context, providerName, accessToken string) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.Revoke(ctx, providerName, accessToken); err != nil {
			s.logger.WarnContext(ctx, "プロバイダトークンの失効に失敗", "provider", providerName, "error", err)
			return
		}
		s.logger.InfoContext(ctx, "プロバイダトークンを失効しました", "provider", providerName)
	})
}

// Wait は実行中のRevokeAsyncがすべて終わるまで待つ。
func (s *Service) Wait() {
	s.wg.Wait()
}
