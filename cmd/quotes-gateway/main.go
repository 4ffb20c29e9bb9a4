package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"alphaquant.com/internal/quotes/app"
)

func main() {
	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化 App：配置、redis、上游、hub、调度器、路由
	gwApp, err := app.New(ctx, app.Options{ConfigName: "quotes-gateway"})
	if err != nil {
		log.Fatalf("init quotes-gateway error: %v", err)
	}

	// 3. 阻塞到收到信号，内部按顺序优雅关闭
	if err := gwApp.Run(ctx); err != nil {
		log.Fatalf("quotes-gateway exit: %v", err)
	}
	log.Println("quotes-gateway exit")
}
