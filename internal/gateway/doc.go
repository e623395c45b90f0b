// Package gateway は認証ゲートウェイの内部実装を提供する。
//
// パスワードによるログインとサインアップ、外部IDプロバイダによる
// フェデレーションログイン、リフレッシュトークンによるアクセストークンの再発行、
// ログアウトを担当する。リフレッシュトークンはhttp-onlyのCookieでのみ運び、
// アクセストークンはレスポンスボディで返す。
//
// Gatewayが認証処理の本体であり、ServerはそれをGinのルートとして公開する。
// エラーはstatusForでHTTPステータスに変換する。
package gateway
