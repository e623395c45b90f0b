package gateway

import (
	"errors"
	"net/http"

	"github.com/nao1215/authgate/internal/oauth"
	"github.com/nao1215/authgate/internal/store"
)

var (
	// ErrNotFound はユーザーが存在しないことを表す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrInvalidCredentials はパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
	// ErrUnauthorized はリフレッシュトークンがない、または無効であることを表す。
	ErrUnauthorized = errors.New("再ログインが必要です")
	// ErrEmailTaken はメールアドレスが登録済みであることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
	// ErrPasswordTooLong はパスワードがbcryptで扱える72バイトを超えることを表す。
	ErrPasswordTooLong = errors.New("パスワードは72バイト以内で指定してください")
)

// statusFor はエラーに対応するHTTPステータスコードとクライアント向けメッセージを返す。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrNotFound.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrInvalidCredentials.Error()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, ErrUnauthorized.Error()
	case errors.Is(err, ErrEmailTaken):
		return http.StatusConflict, ErrEmailTaken.Error()
	case errors.Is(err, ErrPasswordTooLong):
		return http.StatusBadRequest, ErrPasswordTooLong.Error()
	case errors.Is(err, oauth.ErrUnknownProvider):
		return http.StatusNotFound, oauth.ErrUnknownProvider.Error()
	case errors.Is(err, oauth.ErrInvalidGrant):
		return http.StatusBadRequest, oauth.ErrInvalidGrant.Error()
	case errors.Is(err, store.ErrMissingEmail):
		return http.StatusBadRequest, "メールアドレスの提供に同意してください"
	case errors.Is(err, oauth.ErrProviderUnavailable):
		return http.StatusBadGateway, oauth.ErrProviderUnavailable.Error()
	}
	return http.StatusInternalServerError, "内部サーバーエラーが発生しました"
}
