package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// RefreshCookieName はリフレッシュトークンを運ぶCookieの名前。
	RefreshCookieName = "REFRESH_TOKEN"
	// StateCookieName はOAuth2のstateを保持するCookieの名前。
	StateCookieName = "OAUTH_STATE"
	// stateTTL はOAuth2のstateの有効期間。
	stateTTL = 10 * time.Minute
	// oauthPath はOAuth2関連エンドポイントの共通パス。stateのCookieはこの配下にのみ送る。
	oauthPath = "/auth/oauth2"
)

// cookieJar はCookieの属性を決める設定。
type cookieJar struct {
	secure     bool
	refreshTTL time.Duration
}

// setRefresh はリフレッシュトークンのCookieを設定する。
func (j cookieJar) setRefresh(c *gin.Context, refreshToken string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		MaxAge:   int(j.refreshTTL / time.Second),
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearRefresh はリフレッシュトークンのCookieを削除する（Max-Age=0）。
func (j cookieJar) clearRefresh(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// setState はOAuth2のstateのCookieを設定する。
func (j cookieJar) setState(c *gin.Context, state string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     oauthPath,
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearState はOAuth2のstateのCookieを削除する。
func (j cookieJar) clearState(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     StateCookieName,
		Value:    "",
		Path:     oauthPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
