// 通知リレーサービスのエントリポイント。
// 外部プロデューサからの通知を受け付け、購読中のクライアントへ
// SSEでほぼリアルタイムに配信する。
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/prinotify/internal/config"
	"github.com/nao1215/prinotify/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		log.Fatalf("サーバーの初期化に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("通知リレーサービスを起動します: :%s", cfg.Port)
		errCh <- server.Run()
	}()

	select {
	case <-ctx.Done():
		// シグナル受信。全ストリームセッションを終了させてから停止する。
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("サーバーの停止に失敗: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("サーバーの起動に失敗: %v", err)
		}
	}
}
