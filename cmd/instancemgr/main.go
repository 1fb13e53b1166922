package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"wa-instances/internal/app"
	"wa-instances/internal/infra/config"
	"wa-instances/internal/infra/logger"
)

func main() {
	// envPath — .env с адресом шлюза и токенами. Пустое значение: только переменные процесса.
	envPath := flag.String("env", "", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	env := config.Env()
	logger.Init(env.LogLevel)
	logger.EnableFile(logger.FileOptions{
		Path:       env.LogFile,
		Level:      env.LogFileLevel,
		MaxSizeMB:  env.LogFileMaxSize,
		MaxBackups: env.LogFileMaxBackups,
		MaxAgeDays: env.LogFileMaxAge,
		Compress:   env.LogFileCompress,
	})
	defer logger.Sync()
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.NewApp()
	if err := a.Init(ctx, stop); err != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(err))
	}
	if err := a.Run(); err != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(err))
	}
	logger.Info("Graceful shutdown complete")
}
