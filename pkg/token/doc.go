// Package token はアクセストークンとリフレッシュトークンの発行・検証を提供する。
//
// トークンはHS256で署名された自己完結型のJWTであり、サーバー側に
// 発行済みトークンの台帳を持たない。検証はトークンと署名鍵のみで完結するため、
// 自然失効より前に無効化することはできない。
package token
