package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"ocobot/api"
	"ocobot/config"
	"ocobot/events"
	"ocobot/exchange"
	"ocobot/logger"
	"ocobot/notify"
	"ocobot/store"
	"ocobot/trader"
)

func main() {
	// .env is optional; real deployments use environment variables.
	if err := godotenv.Load(); err == nil {
		logger.Info("📄 .env loaded")
	}

	settings := config.NewLoader("config.json")
	s := settings.Snapshot()
	logger.Init(s.LogLevel)

	logger.Info("🚀 Starting ocobot...")
	if s.DryRun {
		logger.Warn("🧪 DRY RUN mode: no orders will be placed")
	}
	if s.UseTestnet {
		logger.Warn("🔧 Testnet mode enabled")
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.Fatalf("❌ BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	}
	ex := exchange.NewClient(apiKey, secretKey, s.UseTestnet)

	st, err := store.New("data/ocobot.db")
	if err != nil {
		logger.Fatalf("❌ Failed to open database: %v", err)
	}
	defer st.Close()

	notifier := buildNotifier(s.MachineName)
	emitter := events.NewEmitter("runtime/events.jsonl")

	engine := trader.NewEngine(ex, st.Bracket(), notifier, emitter, settings)

	loops := trader.NewLoops(engine)
	loops.Start()

	server := api.NewServer(engine, s.APIServerPort)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("❌ API server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("🛑 Shutting down...")
	if err := server.Shutdown(); err != nil {
		logger.Warnf("⚠️  API server shutdown: %v", err)
	}
	loops.Stop()
	logger.Info("👋 Bye")
}

// buildNotifier wires Telegram when credentials are present, otherwise
// falls back to log-only delivery.
func buildNotifier(machineName string) notify.Notifier {
	token := os.Getenv("TG_BOT_TOKEN")
	chatIDStr := os.Getenv("TG_NOTIFY_CHAT_ID")
	if token == "" || chatIDStr == "" {
		logger.Info("📣 Telegram not configured, notifications go to the log")
		return notify.NewLogNotifier()
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		logger.Warnf("⚠️  Invalid TG_NOTIFY_CHAT_ID %q, notifications go to the log", chatIDStr)
		return notify.NewLogNotifier()
	}

	tg, err := notify.NewTelegramNotifier(token, chatID, machineName)
	if err != nil {
		logger.Warnf("⚠️  Telegram init failed, notifications go to the log: %v", err)
		return notify.NewLogNotifier()
	}
	logger.Info("✅ Telegram notifications enabled")
	return tg
}
