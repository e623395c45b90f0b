package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/authgate/internal/store"
	"github.com/nao1215/authgate/pkg/middleware"
)

// Pinger は依存先の疎通確認を行う。ヘルスチェックで使う。
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// CookieSecure はCookieにSecure属性を付けるかどうか。
	CookieSecure bool
	// RejectMalformedToken は不正な形式のBearerトークンを401にするかどうか。
	RejectMalformedToken bool
	// OAuthSuccessRedirect はフェデレーションログイン成功後のリダイレクト先。空ならJSONを返す。
	OAuthSuccessRedirect string
}

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はrouterを公開するHTTPサーバー。
	httpServer *http.Server
	// gateway は認証処理の本体。
	gateway *Gateway
	// health はヘルスチェックで疎通を確認する依存先。nilなら確認しない。
	health Pinger
	// cookies はCookieの属性。
	cookies cookieJar
	// cfg はサーバー設定。
	cfg ServerConfig
	// logger はロガー。
	logger *slog.Logger
}

// NewServer は認証ゲートウェイのHTTPサーバーを生成する。
func NewServer(cfg ServerConfig, gw *Gateway, health Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:  router,
		gateway: gw,
		health:  health,
		cookies: cookieJar{secure: cfg.CookieSecure, refreshTTL: gw.cfg.RefreshTokenTTL},
		cfg:     cfg,
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown は処理中のリクエストを待ってHTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	authenticate := middleware.Authenticate(s.gateway.tokens,
		middleware.WithRejectMalformed(s.cfg.RejectMalformedToken),
		middleware.WithAuthLogger(s.logger),
	)

	// 認証不要のエンドポイント
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleLogin())
		auth.POST("/signup", s.handleSignUp())
		auth.POST("/refresh", s.handleRefresh())
		// ログアウトは期限切れや不正なトークンでも常に204を返す
		auth.POST("/logout", s.handleLogout())
		auth.GET("/oauth2/:provider", s.handleOAuthLogin())
		auth.GET("/oauth2/:provider/callback", s.handleOAuthCallback())
	}

	// 認証必須のエンドポイント
	authenticated := s.router.Group("/auth")
	authenticated.Use(authenticate, middleware.RequireIdentity())
	{
		authenticated.GET("/me", s.handleMe())
		// 監査イベント（クエリパラメータ: since）
		authenticated.GET("/events", s.handleEvents())
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// credentialsRequest はログイン・サインアップのリクエストボディ。
type credentialsRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。maxは文字数で数えるため、マルチバイト文字の超過はSignUpで弾く。
	Password string `json:"password" binding:"required,max=72"`
}

// userResponse はクライアントに返すユーザー情報。パスワードハッシュは含めない。
type userResponse struct {
	// ID はユーザーID。
	ID int64 `json:"id"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
	// Profile はプロフィール画像のURL。
	Profile string `json:"profile"`
	// Roles はロール。
	Roles []string `json:"roles"`
}

// loginResponse はログイン・リフレッシュのレスポンス。
type loginResponse struct {
	// AccessToken はアクセストークン。
	AccessToken string `json:"accessToken"`
	// User はユーザー情報。
	User userResponse `json:"user"`
}

// signUpResponse はサインアップのレスポンス。
type signUpResponse struct {
	// AccessToken はアクセストークン。
	AccessToken string `json:"accessToken"`
	// RefreshToken はリフレッシュトークン。Cookieと同じ値。
	RefreshToken string `json:"refreshToken"`
	// User はユーザー情報。
	User userResponse `json:"user"`
}

// toUserResponse はユーザーをレスポンス形式に変換する。
func toUserResponse(u *store.User) userResponse {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return userResponse{
		ID:      u.ID,
		Email:   u.Email,
		Name:    u.Name,
		Profile: u.ProfileImage,
		Roles:   roles,
	}
}

// respondError はエラーをHTTPステータスに変換して返す。
func (s *Server) respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "リクエスト処理に失敗", "path", c.FullPath(), "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}

// handleLogin はパスワードログインのハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メールアドレスとパスワードを指定してください"})
			return
		}

		result, err := s.gateway.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.cookies.setRefresh(c, result.RefreshToken)
		c.JSON(http.StatusOK, loginResponse{
			AccessToken: result.AccessToken,
			User:        toUserResponse(result.User),
		})
	}
}

// handleSignUp はサインアップのハンドラを返す。
func (s *Server) handleSignUp() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "メールアドレスとパスワードを指定してください"})
			return
		}

		result, err := s.gateway.SignUp(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.cookies.setRefresh(c, result.RefreshToken)
		c.JSON(http.StatusOK, signUpResponse{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			User:         toUserResponse(result.User),
		})
	}
}

// handleRefresh はCookieのリフレッシュトークンでアクセストークンを再発行するハンドラを返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		refreshToken, _ := c.Cookie(RefreshCookieName)

		result, err := s.gateway.RefreshByCookie(c.Request.Context(), refreshToken)
		if err != nil {
			s.respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, loginResponse{
			AccessToken: result.AccessToken,
			User:        toUserResponse(result.User),
		})
	}
}

// handleLogout はログアウトのハンドラを返す。
// プロバイダトークンの失効結果にかかわらず、リフレッシュトークンのCookieを削除して204を返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.gateway.Logout(c.Request.Context(), middleware.BearerToken(c))
		s.cookies.clearRefresh(c)
		c.Status(http.StatusNoContent)
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.gateway.Me(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// eventResponse はクライアントに返す監査イベント。
type eventResponse struct {
	// ID はイベントID。
	ID string `json:"id"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Data はイベント固有のデータ。
	Data json.RawMessage `json:"data"`
	// CreatedAt は発生日時。
	CreatedAt time.Time `json:"created_at"`
}

// handleEvents は認証済みユーザーの監査イベントを返すハンドラを返す。
func (s *Server) handleEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "sinceはRFC3339形式で指定してください"})
				return
			}
			since = t
		}

		events, err := s.gateway.Events(c.Request.Context(), middleware.GetUserID(c), since)
		if err != nil {
			s.respondError(c, err)
			return
		}

		resp := make([]eventResponse, 0, len(events))
		for _, e := range events {
			resp = append(resp, eventResponse{
				ID:        e.ID,
				EventType: string(e.EventType),
				Data:      e.Data,
				CreatedAt: e.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"events": resp})
	}
}

// handleOAuthLogin はプロバイダの認可画面へリダイレクトするハンドラを返す。
func (s *Server) handleOAuthLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		state := uuid.NewString()
		redirectURL, err := s.gateway.OAuthLoginURL(c.Param("provider"), state)
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.cookies.setState(c, state)
		c.Redirect(http.StatusTemporaryRedirect, redirectURL)
	}
}

// handleOAuthCallback はプロバイダからのコールバックを処理するハンドラを返す。
// stateを検証して認可コードを交換し、ユーザーを用意してトークンを発行する。
func (s *Server) handleOAuthCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		want, _ := c.Cookie(StateCookieName)
		s.cookies.clearState(c)

		if errCode := c.Query("error"); errCode != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "プロバイダで認可が拒否されました: " + errCode})
			return
		}
		got := c.Query("state")
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stateが一致しません"})
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "認可コードがありません"})
			return
		}

		result, err := s.gateway.OAuthCallback(c.Request.Context(), c.Param("provider"), code)
		if err != nil {
			s.respondError(c, err)
			return
		}

		s.cookies.setRefresh(c, result.RefreshToken)
		if s.cfg.OAuthSuccessRedirect != "" {
			c.Redirect(http.StatusSeeOther, s.cfg.OAuthSuccessRedirect)
			return
		}
		c.JSON(http.StatusOK, loginResponse{
			AccessToken: result.AccessToken,
			User:        toUserResponse(result.User),
		})
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.health != nil {
			if err := s.health.Ping(c.Request.Context()); err != nil {
				s.logger.WarnContext(c.Request.Context(), "ヘルスチェックに失敗", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "authgate"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authgate"})
	}
}
