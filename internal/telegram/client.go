// Package telegram реализует минимальный клиент Telegram Bot API для
// управления доступом к закрытому чату: исключение и снятие блокировки.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/access-expiry/internal/config"
)

// APIError ответ Bot API с ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type memberRequest struct {
	ChatID       int64 `json:"chat_id"`
	UserID       int64 `json:"user_id"`
	OnlyIfBanned bool  `json:"only_if_banned,omitempty"`
}

// Client клиент Bot API. Запросы ограничены по частоте limiter.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient создаёт клиент по настройкам cfg.
func NewClient(cfg config.Telegram) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		token:      cfg.BotToken,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// Revoke исключает пользователя из чата (banChatMember).
func (c *Client) Revoke(ctx context.Context, chatID, userID int64) error {
	const op = "telegram.Revoke"
	if err := c.call(ctx, "banChatMember", memberRequest{ChatID: chatID, UserID: userID}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Unrevoke снимает блокировку, чтобы пользователь мог вернуться после новой оплаты.
func (c *Client) Unrevoke(ctx context.Context, chatID, userID int64) error {
	const op = "telegram.Unrevoke"
	req := memberRequest{ChatID: chatID, UserID: userID, OnlyIfBanned: true}
	if err := c.call(ctx, "unbanChatMember", req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	url := c.apiURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// в тексте ошибки net/http присутствует URL вместе с токеном
		return fmt.Errorf("request %s failed: %s", method, strings.ReplaceAll(err.Error(), c.token, "***"))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode %s response (status %s): %w", method, resp.Status, err)
	}
	if !out.OK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: out.Description}
	}
	return nil
}
