package store

import (
	"context"
	"errors"
	"time"

	"github.com/nao1215/authgate/pkg/event"
)

var (
	// ErrNotFound は対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("レコードが見つかりません")
	// ErrEmailTaken はメールアドレスが既に登録済みであることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
	// ErrMissingEmail はプロバイダのプロフィールにメールアドレスが含まれないことを表す。
	ErrMissingEmail = errors.New("メールアドレスがありません")
)

// RoleUser はプロビジョニング時に付与される唯一のロール。
const RoleUser = "USER"

// DefaultRoles はプロビジョニング時に付与するロールの集合を返す。
func DefaultRoles() []string {
	return []string{RoleUser}
}

// User はローカルのユーザー。
type User struct {
	// ID はユーザーの一意識別子。
	ID int64 `json:"id"`
	// Email はメールアドレス。ユーザーを一意に特定する。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
	// ProfileImage はプロフィール画像のURL。
	ProfileImage string `json:"profile"`
	// Roles は付与されているロール。
	Roles []string `json:"roles"`
	// PasswordHash はパスワードアカウントのみが持つbcryptハッシュ。
	// クライアントには決して返さない。
	PasswordHash string `json:"-"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPassword はパスワードで認証できるアカウントかどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Identity は外部IDプロバイダのアカウントとローカルユーザーの紐付け。
type Identity struct {
	// Provider はIDプロバイダ名（例: "kakao"）。
	Provider string
	// ProviderUserID はプロバイダ側のユーザーID。
	ProviderUserID string
	// UserID は紐付くローカルユーザーのID。
	UserID int64
	// AccessToken は最後に受け取ったプロバイダのアクセストークン。
	AccessToken string
}

// Queries は資格情報ストアに対する個々の操作。
// トランザクション内でもトランザクション外でも同じように使える。
type Queries interface {
	// FindByEmail はメールアドレスでユーザーを取得する。存在しない場合はErrNotFound。
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByID はIDでユーザーを取得する。存在しない場合はErrNotFound。
	FindByID(ctx context.Context, id int64) (*User, error)
	// InsertUser はユーザーを作成し、採番されたIDを返す。
	InsertUser(ctx context.Context, u *User) (int64, error)
	// InsertCredential はユーザーのパスワードハッシュを保存する。
	InsertCredential(ctx context.Context, userID int64, passwordHash string) error
	// InsertRoleAssignment はユーザーにロールを付与する。
	InsertRoleAssignment(ctx context.Context, userID int64, roles []string) error
	// FindIdentity はプロバイダとプロバイダ側IDで紐付けを取得する。
	FindIdentity(ctx context.Context, provider, providerUserID string) (*Identity, error)
	// FindOrUpdateIdentity は紐付けが存在すればアクセストークンを更新し、
	// 存在しなければ作成する。紐付いているユーザーIDと、新規作成したかどうかを返す。
	FindOrUpdateIdentity(ctx context.Context, identity Identity) (int64, bool, error)
	// ProviderAccessToken はユーザーが最後に使ったプロバイダ名とそのアクセストークンを返す。
	// 外部IDを持たないユーザーの場合はErrNotFound。
	ProviderAccessToken(ctx context.Context, userID int64) (provider, accessToken string, err error)
	// UpdateProfile はプロバイダから取得した表示名とプロフィール画像を反映する。
	UpdateProfile(ctx context.Context, userID int64, name, profileImage string) error
	// AppendEvent は監査イベントを追記する。
	AppendEvent(ctx context.Context, e *event.Event) error
}

// CredentialStore は資格情報ストア。
type CredentialStore interface {
	Queries
	// InTx はfnを1つのトランザクション内で実行する。fnがエラーを返すとすべての書き込みを取り消す。
	InTx(ctx context.Context, fn func(q Queries) error) error
	// ListEvents はユーザーの監査イベントを古い順に返す。
	ListEvents(ctx context.Context, userID int64) ([]event.Event, error)
}
