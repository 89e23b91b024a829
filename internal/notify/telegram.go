package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram 通过 Bot API 推送成交通知。
type Telegram struct {
	token  string
	chatID string
	http   *resty.Client
	logger *zap.Logger
}

// NewTelegram 构造通知器；cfg 未启用时返回 Nop。
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) Sender {
	if !cfg.Enabled {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		token:  cfg.BotToken,
		chatID: cfg.ChatID,
		http: resty.New().
			SetBaseURL(telegramAPIBase).
			SetTimeout(10 * time.Second),
		logger: logger,
	}
}

// Send 推送一条消息，任何失败都由调用方决定是否忽略。
func (t *Telegram) Send(ctx context.Context, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    message,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return fmt.Errorf("notify: telegram 请求失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: telegram 应答 %d: %s", resp.StatusCode(), resp.String())
	}

	t.logger.Debug("telegram 通知已发送")
	return nil
}
