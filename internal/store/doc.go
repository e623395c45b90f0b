// Package store は認証サブシステムの資格情報ストアを提供する。
//
// ユーザー、パスワードハッシュ、外部IDプロバイダとの紐付け、ロール、
// 監査イベントをSQLiteに永続化する。パスワード登録と外部IDによる
// 自動プロビジョニングはいずれもProvisionを通り、複数テーブルへの書き込みを
// 1つのトランザクションで行う。
package store
