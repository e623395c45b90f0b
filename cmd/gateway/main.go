// 認証ゲートウェイのエントリポイント。
// パスワードログイン、外部IDプロバイダによるフェデレーションログイン、
// トークンの発行と再発行、ログアウトを担当する。
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/authgate/internal/config"
	"github.com/nao1215/authgate/internal/gateway"
	"github.com/nao1215/authgate/internal/oauth"
	"github.com/nao1215/authgate/internal/store"
	"github.com/nao1215/authgate/pkg/token"
)

// shutdownTimeout は停止時に処理中のリクエストと失効処理を待つ上限時間。
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("認証ゲートウェイが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := token.New(cfg.JWTSecret)
	if err != nil {
		return err
	}

	federation := oauth.NewService(st, providers(cfg),
		oauth.WithTimeout(cfg.OAuth.Timeout),
		oauth.WithRetries(cfg.OAuth.Retries),
		oauth.WithLogger(logger),
	)
	defer federation.Wait()

	gw := gateway.New(st, tokens, federation, gateway.Config{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		BcryptCost:      cfg.BcryptCost,
	}, logger)

	server := gateway.NewServer(gateway.ServerConfig{
		Port:                 cfg.Port,
		AllowedOrigins:       cfg.FrontendURLs,
		CookieSecure:         cfg.CookieSecure,
		RejectMalformedToken: cfg.RejectMalformedToken,
		OAuthSuccessRedirect: cfg.OAuth.SuccessRedirect,
	}, gw, st, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("認証ゲートウェイを起動します", "port", cfg.Port, "providers", federation.Providers())
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("認証ゲートウェイを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// providers は設定済みの外部IDプロバイダを返す。
func providers(cfg *config.Config) []*oauth.Provider {
	var ps []*oauth.Provider
	if cfg.Kakao.Enabled() {
		ps = append(ps, oauth.Kakao(oauth.Credentials{
			ClientID:     cfg.Kakao.ClientID,
			ClientSecret: cfg.Kakao.ClientSecret,
			RedirectURL:  cfg.Kakao.RedirectURL,
		}))
	}
	if cfg.Google.Enabled() {
		ps = append(ps, oauth.Google(oauth.Credentials{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}))
	}
	return ps
}
