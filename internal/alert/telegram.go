package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

type TelegramConfig struct {
	BotToken   string
	BaseURL    string
	HTTPClient *http.Client
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Telegram{token: cfg.BotToken, baseURL: baseURL, client: client}, nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, msg Message) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       msg.Text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL embeds the bot token.
		return fmt.Errorf("telegram request failed: %w", redact(err, t.token))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}
	result := gjson.ParseBytes(payload)
	if !result.Get("ok").Bool() {
		description := result.Get("description").String()
		if description == "" {
			description = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode, description)
	}
	return nil
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), secret, "***"))
}
