package notify

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/logger"
	"github.com/skalibog/bmse/pkg/models"
	"go.uber.org/zap"
)

// TelegramNotifier шлет ненейтральные директивы в Telegram-чат.
// Повторы гасятся охлаждением по паре (инструмент, директива).
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	gate   *cooldownGate
}

// NewTelegramNotifier создает нотификатор и проверяет токен
func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к Telegram: %w", err)
	}

	return &TelegramNotifier{
		bot:    bot,
		chatID: cfg.ChatID,
		gate:   newCooldownGate(time.Duration(cfg.CooldownSeconds) * time.Second),
	}, nil
}

// Notify отправляет результат, если он ненейтральный и не под охлаждением
func (n *TelegramNotifier) Notify(result *models.AnalysisResult) error {
	if result.Directive == models.Neutral {
		return nil
	}
	if !n.gate.allow(result.Symbol, result.Directive) {
		return nil
	}

	msg := tgbotapi.NewMessage(n.chatID, formatResult(result))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("ошибка отправки в Telegram: %w", err)
	}
	return nil
}

// LogNotifier — запасной нотификатор: пишет сигналы в лог.
// Используется, когда Telegram выключен конфигурацией.
type LogNotifier struct {
	gate *cooldownGate
}

// NewLogNotifier создает лог-нотификатор
func NewLogNotifier(cooldown time.Duration) *LogNotifier {
	return &LogNotifier{gate: newCooldownGate(cooldown)}
}

// Notify пишет ненейтральный результат в лог
func (n *LogNotifier) Notify(result *models.AnalysisResult) error {
	if result.Directive == models.Neutral {
		return nil
	}
	if !n.gate.allow(result.Symbol, result.Directive) {
		return nil
	}

	logger.Info("торговый сигнал",
		zap.String("symbol", result.Symbol),
		zap.String("directive", result.Directive.String()),
		zap.String("rule", result.RuleName),
		zap.Float64("price", result.CurrentPrice))
	return nil
}
