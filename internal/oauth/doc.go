// Package oauth は外部IDプロバイダ（Kakao, Google）とのフェデレーションを提供する。
//
// 認可コードの交換、プロフィール取得、初回ログイン時のローカルユーザーの
// 自動プロビジョニング、ログアウト時のプロバイダトークン失効を担当する。
// プロフィール取得はタイムアウトと1回のリトライを伴い、失敗はErrProviderUnavailableとして
// 呼び出し元に返る。トークン失効はベストエフォートであり、失敗はログに記録するだけで
// 呼び出し元には返さない。
package oauth
