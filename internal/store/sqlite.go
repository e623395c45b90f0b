package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nao1215/authgate/pkg/event"
	"github.com/nao1215/authgate/pkg/migration"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout は日時カラムの保存形式。文字列比較で時刻順に並ぶよう桁数を固定する。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx は*sql.DBと*sql.Txの共通部分。
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore はSQLiteによるCredentialStoreの実装。
type SQLiteStore struct {
	*queries
	db     *sql.DB
	logger *slog.Logger
}

var _ CredentialStore = (*SQLiteStore)(nil)

// Open はpathのSQLiteデータベースを開き、マイグレーションを適用する。
// pathに":memory:"を渡すとインメモリデータベースになる。
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは単一ライターのため接続を1本に絞る。インメモリDBも接続ごとに別物になるのを防げる。
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s の実行に失敗: %w", p, err)
		}
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	logger.Info("資格情報ストアを初期化しました", "path", path)
	return &SQLiteStore{
		queries: &queries{db: db, now: time.Now},
		db:      db,
		logger:  logger,
	}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping はデータベースに到達できるか確認する。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx はfnを1つのトランザクション内で実行する。
// fnの中ではSQLiteStoreではなく引数のqを使うこと。
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&queries{db: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// queries はdbtx上でQueriesを実装する。
type queries struct {
	db  dbtx
	now func() time.Time
}

func (q *queries) timestamp() string {
	return q.now().UTC().Format(timeLayout)
}

const selectUser = `
SELECT u.id, u.email, u.name, u.profile_image, COALESCE(c.password_hash, ''), u.created_at, u.updated_at
FROM users u
LEFT JOIN user_credentials c ON c.user_id = u.id
`

func (q *queries) FindByEmail(ctx context.Context, email string) (*User, error) {
	return q.findUser(ctx, selectUser+"WHERE u.email = ?", email)
}

func (q *queries) FindByID(ctx context.Context, id int64) (*User, error) {
	return q.findUser(ctx, selectUser+"WHERE u.id = ?", id)
}

func (q *queries) findUser(ctx context.Context, query string, arg any) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt string
	)
	err := q.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.ProfileImage, &u.PasswordHash, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if u.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("updated_atの解析に失敗: %w", err)
	}

	roles, err := q.roles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (q *queries) roles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT role FROM user_roles WHERE user_id = ? ORDER BY role", userID)
	if err != nil {
		return nil, fmt.Errorf("ロールの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	roles := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("ロールの読み取りに失敗: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (q *queries) InsertUser(ctx context.Context, u *User) (int64, error) {
	now := q.timestamp()
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO users (email, name, profile_image, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		u.Email, u.Name, u.ProfileImage, now, now,
	)
	if isUniqueViolation(err) {
		return 0, ErrEmailTaken
	}
	if err != nil {
		return 0, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ユーザーIDの取得に失敗: %w", err)
	}
	return id, nil
}

func (q *queries) InsertCredential(ctx context.Context, userID int64, passwordHash string) error {
	if _, err := q.db.ExecContext(ctx,
		"INSERT INTO user_credentials (user_id, password_hash) VALUES (?, ?)",
		userID, passwordHash,
	); err != nil {
		return fmt.Errorf("資格情報の作成に失敗: %w", err)
	}
	return nil
}

func (q *queries) InsertRoleAssignment(ctx context.Context, userID int64, roles []string) error {
	for _, r := range roles {
		if _, err := q.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)",
			userID, r,
		); err != nil {
			return fmt.Errorf("ロール %q の付与に失敗: %w", r, err)
		}
	}
	return nil
}

func (q *queries) FindIdentity(ctx context.Context, provider, providerUserID string) (*Identity, error) {
	id := Identity{Provider: provider, ProviderUserID: providerUserID}
	err := q.db.QueryRowContext(ctx,
		"SELECT user_id, access_token FROM user_identities WHERE provider = ? AND provider_user_id = ?",
		provider, providerUserID,
	).Scan(&id.UserID, &id.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("外部IDの取得に失敗: %w", err)
	}
	return &id, nil
}

func (q *queries) FindOrUpdateIdentity(ctx context.Context, identity Identity) (int64, bool, error) {
	existing, err := q.FindIdentity(ctx, identity.Provider, identity.ProviderUserID)
	switch {
	case err == nil:
		if _, err := q.db.ExecContext(ctx,
			"UPDATE user_identities SET access_token = ?, updated_at = ? WHERE provider = ? AND provider_user_id = ?",
			identity.AccessToken, q.timestamp(), identity.Provider, identity.ProviderUserID,
		); err != nil {
			return 0, false, fmt.Errorf("外部IDのトークン更新に失敗: %w", err)
		}
		return existing.UserID, false, nil
	case errors.Is(err, ErrNotFound):
		now := q.timestamp()
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO user_identities (provider, provider_user_id, user_id, access_token, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			identity.Provider, identity.ProviderUserID, identity.UserID, identity.AccessToken, now, now,
		); err != nil {
			return 0, false, fmt.Errorf("外部IDの作成に失敗: %w", err)
		}
		return identity.UserID, true, nil
	default:
		return 0, false, err
	}
}

func (q *queries) ProviderAccessToken(ctx context.Context, userID int64) (string, string, error) {
	var provider, token string
	err := q.db.QueryRowContext(ctx,
		"SELECT provider, access_token FROM user_identities WHERE user_id = ? ORDER BY updated_at DESC LIMIT 1",
		userID,
	).Scan(&provider, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("プロバイダトークンの取得に失敗: %w", err)
	}
	return provider, token, nil
}

func (q *queries) UpdateProfile(ctx context.Context, userID int64, name, profileImage string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE users SET name = ?, profile_image = ?, updated_at = ? WHERE id = ?",
		name, profileImage, q.timestamp(), userID,
	)
	if err != nil {
		return fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) AppendEvent(ctx context.Context, e *event.Event) error {
	if _, err := q.db.ExecContext(ctx,
		"INSERT INTO auth_events (id, user_id, event_type, data, created_at) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.UserID, string(e.EventType), string(e.Data), e.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("監査イベントの記録に失敗: %w", err)
	}
	return nil
}

// ListEvents はユーザーの監査イベントを古い順に返す。
func (s *SQLiteStore) ListEvents(ctx context.Context, userID int64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, event_type, data, created_at FROM auth_events WHERE user_id = ? ORDER BY created_at, rowid",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var (
			e             event.Event
			typ, data, ts string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &data, &ts); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		e.EventType = event.Type(typ)
		e.Data = []byte(data)
		if e.CreatedAt, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("created_atの解析に失敗: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// isUniqueViolation は一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}
