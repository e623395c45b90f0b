package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/authgate/pkg/event"
)

// Account はローカルユーザーの作成元となるアカウント。
// PasswordAccountとFederatedAccountのどちらかであり、Provisionで解決する。
type Account interface {
	account()
}

// PasswordAccount はメールアドレスとパスワードで登録するアカウント。
type PasswordAccount struct {
	// Email はメールアドレス。
	Email string
	// PasswordHash はbcryptハッシュ済みのパスワード。
	PasswordHash string
	// Name は表示名。空の場合はメールアドレスのローカル部を使う。
	Name string
}

// FederatedAccount は外部IDプロバイダで認証されたアカウント。
type FederatedAccount struct {
	// Provider はIDプロバイダ名。
	Provider string
	// ProviderUserID はプロバイダ側のユーザーID。
	ProviderUserID string
	// Email はプロバイダのプロフィールから取り出したメールアドレス。
	Email string
	// Name はプロバイダ上の表示名。
	Name string
	// ProfileImage はプロバイダ上のプロフィール画像URL。
	ProfileImage string
	// AccessToken はプロバイダが発行したアクセストークン。
	AccessToken string
}

func (PasswordAccount) account()  {}
func (FederatedAccount) account() {}

// Provision はアカウントに対応するローカルユーザーを用意し、そのユーザーと
// 新規作成したかどうかを返す。すべての書き込みは1つのトランザクションで行う。
//
// PasswordAccountの場合、メールアドレスが登録済みならErrEmailTakenを返す。
// FederatedAccountの場合、紐付けが既にあればプロバイダトークンのみ更新する。
// 紐付けがなくメールアドレスのユーザーがいればそのユーザーに紐付け、
// どちらもなければユーザー・外部ID・ロールを作成する。
func Provision(ctx context.Context, s CredentialStore, acct Account) (*User, bool, error) {
	var (
		user    *User
		created bool
	)
	err := s.InTx(ctx, func(q Queries) error {
		var err error
		switch a := acct.(type) {
		case PasswordAccount:
			user, err = provisionPassword(ctx, q, a)
			created = err == nil
		case FederatedAccount:
			user, created, err = provisionFederated(ctx, q, a)
		default:
			err = fmt.Errorf("未対応のアカウント種別: %T", acct)
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func provisionPassword(ctx context.Context, q Queries, a PasswordAccount) (*User, error) {
	if _, err := q.FindByEmail(ctx, a.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	name := a.Name
	if name == "" {
		name, _, _ = strings.Cut(a.Email, "@")
	}
	userID, err := q.InsertUser(ctx, &User{Email: a.Email, Name: name})
	if err != nil {
		return nil, err
	}
	if err := q.InsertCredential(ctx, userID, a.PasswordHash); err != nil {
		return nil, err
	}
	if err := q.InsertRoleAssignment(ctx, userID, DefaultRoles()); err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, q, userID, event.TypeUserSignedUp, event.UserSignedUpData{Email: a.Email}); err != nil {
		return nil, err
	}
	return q.FindByID(ctx, userID)
}

func provisionFederated(ctx context.Context, q Queries, a FederatedAccount) (*User, bool, error) {
	identity := Identity{
		Provider:       a.Provider,
		ProviderUserID: a.ProviderUserID,
		AccessToken:    a.AccessToken,
	}

	existing, err := q.FindIdentity(ctx, a.Provider, a.ProviderUserID)
	switch {
	case err == nil:
		identity.UserID = existing.UserID
		if _, _, err := q.FindOrUpdateIdentity(ctx, identity); err != nil {
			return nil, false, err
		}
		user, err := q.FindByID(ctx, existing.UserID)
		return user, false, err
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	if a.Email == "" {
		return nil, false, ErrMissingEmail
	}

	created := false
	user, err := q.FindByEmail(ctx, a.Email)
	switch {
	case err == nil:
		identity.UserID = user.ID
	case errors.Is(err, ErrNotFound):
		userID, err := q.InsertUser(ctx, &User{Email: a.Email, Name: a.Name, ProfileImage: a.ProfileImage})
		if err != nil {
			return nil, false, err
		}
		if err := q.InsertRoleAssignment(ctx, userID, DefaultRoles()); err != nil {
			return nil, false, err
		}
		if err := appendEvent(ctx, q, userID, event.TypeUserProvisioned, event.UserProvisionedData{
			Provider:       a.Provider,
			ProviderUserID: a.ProviderUserID,
			Email:          a.Email,
		}); err != nil {
			return nil, false, err
		}
		identity.UserID = userID
		created = true
	default:
		return nil, false, err
	}

	if _, _, err := q.FindOrUpdateIdentity(ctx, identity); err != nil {
		return nil, false, err
	}
	user, err = q.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func appendEvent(ctx context.Context, q Queries, userID int64, typ event.Type, data any) error {
	e, err := event.New(userID, typ, data)
	if err != nil {
		return err
	}
	return q.AppendEvent(ctx, e)
}
