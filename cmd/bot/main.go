package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"DendroDetServer/bot"
	"DendroDetServer/client"
	"DendroDetServer/config"
	"DendroDetServer/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Telegram.Token == "" {
		logger.Log().Fatal("TELEGRAM_BOT_TOKEN is not set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Log().Fatal("telegram auth failed", zap.Error(err))
	}
	logger.Log().Info("authorized on account", zap.String("username", api.Self.UserName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiClient := client.New(cfg.Telegram.ServerURL, 0)
	if err := apiClient.Health(ctx); err != nil {
		logger.Log().Warn("analysis API not reachable yet", zap.String("url", cfg.Telegram.ServerURL), zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	b := bot.New(api, apiClient, nil)
	logger.Log().Info("bot started")
	b.Run(ctx, updates)
	api.StopReceivingUpdates()
	logger.Log().Info("bot stopped")
}
