package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/authgate/internal/oauth"
	"github.com/nao1215/authgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePinger はヘルスチェック用の偽の依存先。
type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

// newTestServer はテスト用のGatewayサーバーを生成する。
func newTestServer(t *testing.T, env *testEnv, cfg ServerConfig) *Server {
	t.Helper()

	return NewServer(cfg, env.gateway, env.store, discardLogger())
}

// doJSON はJSONボディとCookieを付けてリクエストを送る。
func doJSON(s *Server, method, path string, body any, header http.Header, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

// findCookie はレスポンスのSet-Cookieから指定した名前のCookieを探す。
func findCookie(t *testing.T, w *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()

	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("Cookie %s が設定されていません", name)
	return nil
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func signUp(t *testing.T, s *Server, email, password string) (signUpResponse, *http.Cookie) {
	t.Helper()

	w := doJSON(s, http.MethodPost, "/auth/signup", credentialsRequest{Email: email, Password: password}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[signUpResponse](t, w), findCookie(t, w, RefreshCookieName)
}

// TestHandleSignUp はPOST /auth/signupを検証する。
func TestHandleSignUp(t *testing.T) {
	t.Parallel()

	t.Run("トークンとユーザーを返しリフレッシュトークンのCookieを設定すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{CookieSecure: true})
		w := doJSON(s, http.MethodPost, "/auth/signup", credentialsRequest{Email: "a@x.com", Password: "pw1"}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[signUpResponse](t, w)
		assert.Equal(t, "a@x.com", resp.User.Email)
		assert.Equal(t, []string{"USER"}, resp.User.Roles)
		sub, err := env.tokens.Validate(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, resp.User.ID, sub)

		cookie := findCookie(t, w, RefreshCookieName)
		assert.Equal(t, resp.RefreshToken, cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.True(t, cookie.Secure)
		assert.Equal(t, "/", cookie.Path)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
		assert.Equal(t, 7*24*60*60, cookie.MaxAge)

		assert.NotContains(t, w.Body.String(), "password", "パスワードハッシュを返さないこと")
	})

	t.Run("登録済みのメールアドレスは409になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		signUp(t, s, "dup@x.com", "pw")

		w := doJSON(s, http.MethodPost, "/auth/signup", credentialsRequest{Email: "dup@x.com", Password: "pw"}, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("72バイトを超えるパスワードは400になりユーザーを作らないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		for _, password := range []string{
			strings.Repeat("p", 73),
			strings.Repeat("あ", 25),
		} {
			w := doJSON(s, http.MethodPost, "/auth/signup", credentialsRequest{Email: "long@x.com", Password: password}, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		}
		_, err := env.store.FindByEmail(context.Background(), "long@x.com")
		require.ErrorIs(t, err, store.ErrNotFound)

		w := doJSON(s, http.MethodPost, "/auth/signup", credentialsRequest{Email: "edge@x.com", Password: strings.Repeat("p", 72)}, nil)
		assert.Equal(t, http.StatusOK, w.Code, "72バイトちょうどは登録できること")
	})

	t.Run("不正なボディは400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		for _, body := range []any{
			map[string]string{"email": "a@x.com"},
			map[string]string{"email": "not-an-email", "password": "pw"},
			nil,
		} {
			w := doJSON(s, http.MethodPost, "/auth/signup", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		}
	})
}

// TestHandleLogin はPOST /auth/loginを検証する。
func TestHandleLogin(t *testing.T) {
	t.Parallel()

	t.Run("正しいパスワードでアクセストークンとCookieが返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, _ := signUp(t, s, "a@x.com", "pw1")

		w := doJSON(s, http.MethodPost, "/auth/login", credentialsRequest{Email: "a@x.com", Password: "pw1"}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		body := decode[map[string]any](t, w)
		assert.NotContains(t, body, "refreshToken", "ログインのボディにはリフレッシュトークンを含めないこと")
		resp := decode[loginResponse](t, w)
		assert.Equal(t, signed.User.ID, resp.User.ID)
		assert.NotEmpty(t, findCookie(t, w, RefreshCookieName).Value)
	})

	t.Run("パスワードが違う場合は401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		signUp(t, s, "a@x.com", "pw1")

		w := doJSON(s, http.MethodPost, "/auth/login", credentialsRequest{Email: "a@x.com", Password: "wrong"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("未登録のメールアドレスは404になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		w := doJSON(s, http.MethodPost, "/auth/login", credentialsRequest{Email: "missing@x.com", Password: "x"}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		body := decode[map[string]string](t, w)
		assert.Equal(t, ErrNotFound.Error(), body["error"])
	})
}

// TestHandleRefresh はPOST /auth/refreshを検証する。
func TestHandleRefresh(t *testing.T) {
	t.Parallel()

	t.Run("Cookieのリフレッシュトークンで新しいアクセストークンが返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, cookie := signUp(t, s, "r@x.com", "pw")

		w := doJSON(s, http.MethodPost, "/auth/refresh", nil, nil, cookie)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[loginResponse](t, w)
		sub, err := env.tokens.Validate(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, signed.User.ID, sub)
		assert.Empty(t, w.Result().Cookies(), "リフレッシュトークンを再発行しないこと")
	})

	t.Run("Cookieがない・不正・期限切れの場合は401になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		_, cookie := signUp(t, s, "r@x.com", "pw")

		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodPost, "/auth/refresh", nil, nil).Code)
		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodPost, "/auth/refresh", nil, nil,
			&http.Cookie{Name: RefreshCookieName, Value: "garbage"}).Code)

		env.clock.Advance(8 * 24 * time.Hour)
		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodPost, "/auth/refresh", nil, nil, cookie).Code)
	})
}

// TestHandleLogout はPOST /auth/logoutを検証する。
func TestHandleLogout(t *testing.T) {
	t.Parallel()

	assertCleared := func(t *testing.T, w *httptest.ResponseRecorder) {
		t.Helper()

		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Contains(t, w.Header().Get("Set-Cookie"), RefreshCookieName+"=;")
		assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")
		assert.Contains(t, w.Header().Get("Set-Cookie"), "HttpOnly")
	}

	t.Run("トークンの有無や状態にかかわらず204でCookieを削除すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, _ := signUp(t, s, "out@x.com", "pw")

		assertCleared(t, doJSON(s, http.MethodPost, "/auth/logout", nil, bearer(signed.AccessToken)))
		assertCleared(t, doJSON(s, http.MethodPost, "/auth/logout", nil, nil))
		assertCleared(t, doJSON(s, http.MethodPost, "/auth/logout", nil, bearer("garbage")))

		env.clock.Advance(time.Hour)
		assertCleared(t, doJSON(s, http.MethodPost, "/auth/logout", nil, bearer(signed.AccessToken)))
	})

	t.Run("保存されたプロバイダトークンが失効済みでも204を返すこと", func(t *testing.T) {
		t.Parallel()

		var revokeCalls atomic.Int32
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			revokeCalls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"this access token does not exist"}`))
		}))
		t.Cleanup(provider.Close)

		env := newTestEnv(t, nil)
		svc := oauth.NewService(env.store,
			[]*oauth.Provider{oauth.Kakao(oauth.Credentials{}).WithEndpoints(oauth.Endpoints{RevokeURL: provider.URL})},
			oauth.WithTimeout(time.Second),
			oauth.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
			oauth.WithLogger(discardLogger()),
		)
		env.gateway.federation = svc

		ctx := context.Background()
		_, err := svc.Provision(ctx, oauth.ProviderKakao, oauth.Profile{ProviderUserID: "1", Email: "k@x.com"}, "stale-token")
		require.NoError(t, err)
		user, err := env.store.FindByEmail(ctx, "k@x.com")
		require.NoError(t, err)
		access, err := env.tokens.CreateAccessToken(user.ID, time.Minute)
		require.NoError(t, err)

		s := newTestServer(t, env, ServerConfig{})
		assertCleared(t, doJSON(s, http.MethodPost, "/auth/logout", nil, bearer(access)))

		svc.Wait()
		assert.Equal(t, int32(1), revokeCalls.Load())
	})
}

// TestHandleMe はGET /auth/meを検証する。
func TestHandleMe(t *testing.T) {
	t.Parallel()

	t.Run("認証済みユーザーの情報が返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		signed, _ := signUp(t, s, "me@x.com", "pw")

		w := doJSON(s, http.MethodGet, "/auth/me", nil, bearer(signed.AccessToken))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "me@x.com", decode[userResponse](t, w).Email)
	})

	t.Run("トークンなし・期限切れは401になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, _ := signUp(t, s, "me@x.com", "pw")

		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodGet, "/auth/me", nil, nil).Code)
		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodGet, "/auth/me", nil, bearer("garbage")).Code)

		env.clock.Advance(31 * time.Minute)
		w := doJSON(s, http.MethodGet, "/auth/me", nil, bearer(signed.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("リフレッシュトークンをBearerに使うと401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{RejectMalformedToken: true})
		signed, _ := signUp(t, s, "me@x.com", "pw")

		w := doJSON(s, http.MethodGet, "/auth/me", nil, bearer(signed.RefreshToken))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("存在しないユーザーのトークンは404になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		tok, err := env.tokens.CreateAccessToken(999, time.Minute)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNotFound, doJSON(s, http.MethodGet, "/auth/me", nil, bearer(tok)).Code)
	})

	t.Run("プロバイダのプロフィール取得に失敗すると502になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		result, err := env.gateway.OAuthCallback(context.Background(), oauth.ProviderKakao, "good")
		require.NoError(t, err)

		env.federation.mu.Lock()
		env.federation.profileErr = errors.Join(oauth.ErrProviderUnavailable, errors.New("timeout"))
		env.federation.mu.Unlock()

		w := doJSON(s, http.MethodGet, "/auth/me", nil, bearer(result.AccessToken))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

// TestHandleOAuth はフェデレーションログインのエンドポイントを検証する。
func TestHandleOAuth(t *testing.T) {
	t.Parallel()

	startLogin := func(t *testing.T, s *Server) *http.Cookie {
		t.Helper()

		w := doJSON(s, http.MethodGet, "/auth/oauth2/kakao", nil, nil)
		require.Equal(t, http.StatusTemporaryRedirect, w.Code)

		state := findCookie(t, w, StateCookieName)
		assert.True(t, state.HttpOnly)
		assert.Equal(t, "/auth/oauth2", state.Path)

		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, state.Value, loc.Query().Get("state"))
		return state
	}

	t.Run("未対応のプロバイダは404になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		assert.Equal(t, http.StatusNotFound, doJSON(s, http.MethodGet, "/auth/oauth2/github", nil, nil).Code)
	})

	t.Run("コールバックでユーザーを作成しトークンとCookieを返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		state := startLogin(t, s)

		w := doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?code=good&state="+state.Value, nil, nil, state)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[loginResponse](t, w)
		assert.Equal(t, "kakao@x.com", resp.User.Email)
		assert.Equal(t, "https://img.example/k.png", resp.User.Profile)
		assert.NotEmpty(t, findCookie(t, w, RefreshCookieName).Value)
		assert.Equal(t, -1, findCookie(t, w, StateCookieName).MaxAge, "stateのCookieは使い捨てであること")
	})

	t.Run("成功時のリダイレクト先が設定されていれば303で移動すること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{OAuthSuccessRedirect: "https://app.example.com/welcome"})
		state := startLogin(t, s)

		w := doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?code=good&state="+state.Value, nil, nil, state)
		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "https://app.example.com/welcome", w.Header().Get("Location"))
		assert.NotEmpty(t, findCookie(t, w, RefreshCookieName).Value)
	})

	t.Run("stateが一致しない場合は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		state := startLogin(t, s)

		assert.Equal(t, http.StatusBadRequest,
			doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?code=good&state=forged", nil, nil, state).Code)
		assert.Equal(t, http.StatusBadRequest,
			doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?code=good&state="+state.Value, nil, nil).Code)
	})

	t.Run("認可コードの欠落・拒否・無効は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		state := startLogin(t, s)

		for _, query := range []string{
			"state=" + state.Value,
			"error=access_denied&state=" + state.Value,
			"code=bad&state=" + state.Value,
		} {
			w := doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?"+query, nil, nil, state)
			assert.Equal(t, http.StatusBadRequest, w.Code, query)
		}
	})

	t.Run("メールアドレスのないプロフィールは400になりユーザーを作らないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		env.federation.profile.Email = ""
		s := newTestServer(t, env, ServerConfig{})
		state := startLogin(t, s)

		w := doJSON(s, http.MethodGet, "/auth/oauth2/kakao/callback?code=good&state="+state.Value, nil, nil, state)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "メールアドレス"))
	})
}

// TestHandleEvents はGET /auth/eventsを検証する。
func TestHandleEvents(t *testing.T) {
	t.Parallel()

	type eventsBody struct {
		Events []eventResponse `json:"events"`
	}

	t.Run("自分の監査イベントが古い順に返ること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, cookie := signUp(t, s, "ev@x.com", "pw")
		signUp(t, s, "other@x.com", "pw")
		require.Equal(t, http.StatusOK, doJSON(s, http.MethodPost, "/auth/refresh", nil, nil, cookie).Code)

		w := doJSON(s, http.MethodGet, "/auth/events", nil, bearer(signed.AccessToken))
		require.Equal(t, http.StatusOK, w.Code)

		body := decode[eventsBody](t, w)
		require.Len(t, body.Events, 2)
		assert.Equal(t, "UserSignedUp", body.Events[0].EventType)
		assert.Equal(t, "TokenRefreshed", body.Events[1].EventType)
	})

	t.Run("sinceより後のイベントだけに絞れること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := newTestServer(t, env, ServerConfig{})
		signed, _ := signUp(t, s, "ev@x.com", "pw")

		future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		w := doJSON(s, http.MethodGet, "/auth/events?since="+future, nil, bearer(signed.AccessToken))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[eventsBody](t, w).Events)

		w = doJSON(s, http.MethodGet, "/auth/events?since=yesterday", nil, bearer(signed.AccessToken))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("匿名リクエストは401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		assert.Equal(t, http.StatusUnauthorized, doJSON(s, http.MethodGet, "/auth/events", nil, nil).Code)
	})
}

// TestHandleHealth はGET /healthを検証する。
func TestHandleHealth(t *testing.T) {
	t.Parallel()

	t.Run("依存先が正常なら200になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{})
		w := doJSON(s, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
	})

	t.Run("依存先に接続できなければ503になること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		s := NewServer(ServerConfig{}, env.gateway, fakePinger{err: errors.New("down")}, discardLogger())
		assert.Equal(t, http.StatusServiceUnavailable, doJSON(s, http.MethodGet, "/health", nil, nil).Code)
	})
}

// TestCORSPreflight はルーターにCORSが適用されていることを検証する。
func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	t.Run("許可したオリジンのプリフライトに資格情報の許可が返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, newTestEnv(t, nil), ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}})
		w := doJSON(s, http.MethodOptions, "/auth/refresh", nil, http.Header{"Origin": {"http://localhost:3000"}})

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})
}
