package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/authgate/pkg/token"
)

// DefaultRoles は認証済みリクエストに付与するロール。
var DefaultRoles = []string{"USER"}

// TokenValidator はアクセストークンを検証してユーザーIDを返す。
// *token.Serviceが満たす。
type TokenValidator interface {
	Validate(token string) (int64, error)
}

// Identity はリクエストを送ったユーザーの身元。
type Identity struct {
	// UserID はユーザーID。
	UserID int64
	// Roles は付与されているロール。
	Roles []string
}

// ginKeyIdentity はGinコンテキストにIdentityを格納するキー。
const ginKeyIdentity = "identity"

// identityKey はcontext.ContextにIdentityを格納するキーの型。
type identityKey struct{}

// WithIdentity はコンテキストにIdentityを設定する。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext はコンテキストからIdentityを取り出す。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// GetIdentity はGinコンテキストからIdentityを取得する。
// 匿名リクエストの場合はfalseを返す。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ginKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。匿名の場合は0。
func GetUserID(c *gin.Context) int64 {
	id, _ := GetIdentity(c)
	return id.UserID
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーがない、または形式が違う場合は空文字列を返す。
func BearerToken(c *gin.Context) string {
	scheme, tok, found := strings.Cut(c.GetHeader("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// authConfig はAuthenticateの設定。
type authConfig struct {
	rejectMalformed bool
	logger          *slog.Logger
}

// AuthOption はAuthenticateの設定を変更する。
type AuthOption func(*authConfig)

// WithRejectMalformed は不正な形式のトークンを401として拒否するかどうかを設定する。
// 既定では匿名リクエストとして扱う。
func WithRejectMalformed(reject bool) AuthOption {
	return func(cfg *authConfig) {
		cfg.rejectMalformed = reject
	}
}

// WithAuthLogger はAuthenticateが使うロガーを設定する。
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(cfg *authConfig) {
		cfg.logger = logger
	}
}

// Authenticate はBearerトークンからリクエストの身元を確立するGinミドルウェアを返す。
//
// トークンがなければ匿名のまま次へ進む。検証に成功すればIdentityを
// GinコンテキストとリクエストのコンテキストにSetする。期限切れのトークンは
// 401で打ち切る。不正な形式のトークンは既定では匿名として扱う。
func Authenticate(v TokenValidator, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		raw := BearerToken(c)
		if raw == "" {
			c.Next()
			return
		}

		userID, err := v.Validate(raw)
		switch {
		case err == nil:
			id := Identity{UserID: userID, Roles: DefaultRoles}
			c.Set(ginKeyIdentity, id)
			c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		case errors.Is(err, token.ErrExpiredToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンの有効期限が切れています",
			})
			return
		default:
			if cfg.rejectMalformed {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "トークンが無効です",
				})
				return
			}
			cfg.logger.DebugContext(c.Request.Context(), "不正なトークンを匿名として扱います",
				"path", c.Request.URL.Path, "error", err)
		}
		c.Next()
	}
}

// RequireIdentity は身元が確立していないリクエストを401で打ち切るGinミドルウェアを返す。
// Authenticateの後に適用する。
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}
		c.Next()
	}
}
