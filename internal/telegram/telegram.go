package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
)

// MaxMessageLength is the Bot API limit for one text message.
const MaxMessageLength = 4096

// Default outbound pacing, below the Bot API's ~30 messages/second ceiling.
const (
	DefaultRatePerSecond = 25
	DefaultBurst         = 5
)

// ErrNotOK is returned when the Bot API answers with ok=false.
var ErrNotOK = errors.New("telegram api returned ok=false")

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit overrides outbound pacing. A non-positive perSecond disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter: rate.NewLimiter(DefaultRatePerSecond, DefaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BotBase joins the API root and a bot token into a method base URL.
func BotBase(apiRoot, token string) string {
	return strings.TrimRight(apiRoot, "/") + "/bot" + token
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat
type User = cmdpkg.User

type sendMessageRequest struct {
	ChatID          int64            `json:"chat_id"`
	Text            string           `json:"text"`
	ReplyParameters *replyParameters `json:"reply_parameters,omitempty"`
}

type replyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

// GetUpdates calls the getUpdates API, long-polling up to timeout seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to chatID, as a reply to replyTo when it is non-zero.
// Text beyond MaxMessageLength is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	body := sendMessageRequest{ChatID: chatID, Text: truncate(text, MaxMessageLength)}
	if replyTo != 0 {
		body.ReplyParameters = &replyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	return c.post(ctx, "sendMessage", body, nil)
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.post(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return User{}, fmt.Errorf("telegram getMe request failed: %w", err)
	}
	var me User
	if err := c.do(req, "getMe", &me); err != nil {
		return User{}, err
	}
	return me, nil
}

// SetMyCommands registers the command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []cmdpkg.BotCommand) error {
	return c.post(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

func (c *Client) post(ctx context.Context, method string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram %s rate wait: %w", method, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s read response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		return fmt.Errorf("telegram %s parse response (status=%d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return fmt.Errorf("telegram %s: %w: code=%d %s", method, ErrNotOK, tgResp.ErrorCode, tgResp.Description)
	}
	if out == nil || len(tgResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("telegram %s parse result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
