package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramAPIBase is the Bot API endpoint.
const TelegramAPIBase = "https://api.telegram.org"

// telegramAPI issues Bot API calls and unwraps the {"ok", "result"} envelope.
type telegramAPI struct {
	base   string
	token  string
	client *http.Client
}

type telegramEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (a telegramAPI) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", a.base, a.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: %s: unexpected status %d: %s", method, resp.StatusCode, truncate(raw, 256))
	}

	var env telegramEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("telegram: decode %s: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram: %s: %s", method, env.Description)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (a telegramAPI) sendMessage(ctx context.Context, chatID any, text, parseMode string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	return a.call(ctx, "sendMessage", payload, nil)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	api    telegramAPI
	chatID string
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. An empty baseURL selects the public Bot API.
func NewTelegramSender(baseURL, token, chatID string) *TelegramSender {
	if baseURL == "" {
		baseURL = TelegramAPIBase
	}
	return &TelegramSender{
		api:    telegramAPI{base: baseURL, token: token, client: &http.Client{Timeout: 10 * time.Second}},
		chatID: chatID,
	}
}

// Send posts a plain-text message to the configured chat. Symbols such as
// AXS_USDT would break Markdown parsing, so no parse mode is set.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return t.api.sendMessage(ctx, t.chatID, title+"\n"+message, "")
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
