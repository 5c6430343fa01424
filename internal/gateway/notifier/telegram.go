package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tradeloop/internal/pkg/backoff"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram 通知器：把关键引擎事件推送至指定群/频道。
type Telegram struct {
	BotToken string
	ChatID   string
	APIBase  string
	Client   *http.Client
	retry    backoff.Policy
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: strings.TrimSpace(botToken),
		ChatID:   strings.TrimSpace(chatID),
		APIBase:  defaultTelegramAPI,
		Client:   &http.Client{Timeout: 15 * time.Second},
		retry:    backoff.Policy{Base: time.Second, Factor: 2, MaxMultiplier: 4},
	}
}

// SendText 发送 Markdown 文本消息（最多 3 次尝试）
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	base := strings.TrimRight(t.APIBase, "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	return t.retry.Retry(ctx, 3, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("telegram status=%d", resp.StatusCode)
		}
		return nil
	})
}
