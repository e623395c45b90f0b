// Package httpclient は外部IDプロバイダなどのHTTP APIを呼び出すクライアントを提供する。
//
// プロフィール取得やトークン失効など、プロバイダとの通信パターンを統一する。
// 2xx以外の応答は*StatusErrorとして返すため、呼び出し側はステータスコードで
// リトライ可否を判断できる。
package httpclient
