package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpiredToken は署名は正しいが有効期限を過ぎたトークンを表す。
	// 呼び出し側は再ログインを促すか判断できるよう、不正トークンと区別する。
	ErrExpiredToken = errors.New("トークンの有効期限が切れています")
	// ErrMalformedToken は構造・署名・種別のいずれかが不正なトークンを表す。
	ErrMalformedToken = errors.New("トークンが不正です")
)

// Type はトークンの種別。
type Type string

const (
	// TypeAccess はAPIリクエストを認可する短命トークン。
	TypeAccess Type = "access"
	// TypeRefresh はアクセストークンの再発行のみに使う長命トークン。
	TypeRefresh Type = "refresh"
)

// minSecretLength は署名鍵として受け付ける最小バイト数。
const minSecretLength = 32

// Claims はトークンのクレーム。SubjectにはユーザーIDを10進数で格納する。
type Claims struct {
	jwt.RegisteredClaims
	// TokenType はアクセス/リフレッシュの種別。
	TokenType Type `json:"token_type"`
}

// Service はトークンの発行と検証を行う。
// 状態を持たないため、複数のgoroutineから同時に使用できる。
type Service struct {
	secret []byte
	now    func() time.Time
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。テストで時間経過を模擬するために使う。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New は署名鍵からServiceを生成する。署名鍵はプロセス全体で1つとし、
// リクエストごとに変えてはならない。
func New(secret string, opts ...Option) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("署名鍵は%dバイト以上必要です", minSecretLength)
	}
	s := &Service{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateAccessToken はユーザーIDを主体とするアクセストークンを発行する。
func (s *Service) CreateAccessToken(userID int64, ttl time.Duration) (string, error) {
	return s.create(userID, ttl, TypeAccess)
}

// CreateRefreshToken はユーザーIDを主体とするリフレッシュトークンを発行する。
func (s *Service) CreateRefreshToken(userID int64, ttl time.Duration) (string, error) {
	return s.create(userID, ttl, TypeRefresh)
}

// Validate はアクセストークンを検証し、主体のユーザーIDを返す。
// ユーザーが現存するかは確認しない。
func (s *Service) Validate(tokenString string) (int64, error) {
	return s.validate(tokenString, TypeAccess)
}

// ValidateRefresh はリフレッシュトークンを検証し、主体のユーザーIDを返す。
func (s *Service) ValidateRefresh(tokenString string) (int64, error) {
	return s.validate(tokenString, TypeRefresh)
}

func (s *Service) create(userID int64, ttl time.Duration, typ Type) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("トークンの有効期間が不正です: %s", ttl)
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: typ,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

func (s *Service) validate(tokenString string, want Type) (int64, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if claims.TokenType != want {
		return 0, fmt.Errorf("%w: 種別が%qではありません", ErrMalformedToken, want)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: subが不正です", ErrMalformedToken)
	}
	return userID, nil
}
