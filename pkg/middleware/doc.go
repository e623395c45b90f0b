// Package middleware は認証ゲートウェイのHTTP APIで使用するGinミドルウェアを提供する。
//
// ルーターには次の順で適用する。
//
//	Recovery → RequestLogger → CORS → Authenticate → RequireIdentity
//
// Authenticateはアクセストークンからリクエストの身元（Identity）を確立し、
// 下流のハンドラはGetIdentityまたはIdentityFromContextで参照する。
package middleware
