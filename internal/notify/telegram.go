package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Telegram defaults.
const (
	DefaultTelegramURL = "https://api.telegram.org"

	// MaxMessageLen is the Bot API limit on one message's text.
	MaxMessageLen = 4096
)

// TelegramConfig configures a Telegram sink.
type TelegramConfig struct {
	Token string

	// InfoChat receives Info messages. AlertChat receives Alert messages and
	// falls back to InfoChat when empty. Numeric ids and @channel names are
	// both accepted.
	InfoChat  string
	AlertChat string

	// BaseURL overrides DefaultTelegramURL.
	BaseURL string

	// Interval is the minimum spacing between sends; Burst allows short
	// runs above it.
	Interval time.Duration
	Burst    int

	Timeout time.Duration
}

// Telegram sends notifications through the Bot API sendMessage method.
// Long texts are split on line boundaries.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	client  *botClient
	config  TelegramConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	// mu serializes sends so client.ctx belongs to one request at a time.
	mu sync.Mutex
}

// botClient is the HTTP client handed to the Bot API library. The library
// builds requests without a context, so the context of the current send is
// attached here. Transport errors lose their URL, which embeds the token.
type botClient struct {
	http *http.Client
	ctx  context.Context
}

func (c *botClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req.WithContext(c.ctx))
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			return nil, ue.Err
		}
		return nil, err
	}
	return resp, nil
}

// NewTelegram creates a Telegram sink. It calls getMe, so a rejected token
// fails here rather than on the first notification.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.InfoChat == "" {
		return nil, errors.New("telegram: chat id is required")
	}
	if cfg.AlertChat == "" {
		cfg.AlertChat = cfg.InfoChat
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := &botClient{http: &http.Client{Timeout: cfg.Timeout}, ctx: context.Background()}
	endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/bot%s/%s"
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}

	t := &Telegram{
		bot:     bot,
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
		logger:  logger.With("component", "telegram"),
	}
	t.logger.Debug("bot authorized", "username", bot.Self.UserName)
	return t, nil
}

// Chat returns the chat id a message of the given severity goes to.
func (t *Telegram) Chat(sev Severity) string {
	if sev == Alert {
		return t.config.AlertChat
	}
	return t.config.InfoChat
}

// Notify implements Sink. Console messages are dropped.
func (t *Telegram) Notify(ctx context.Context, sev Severity, text string) error {
	if sev == Console {
		return nil
	}
	chat := t.Chat(sev)
	for _, part := range Split(text, MaxMessageLen) {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		if err := t.send(ctx, chat, part); err != nil {
			return err
		}
	}
	return nil
}

// newMessage addresses numeric chat ids by id and anything else by
// channel username.
func newMessage(chat, text string) tgbotapi.MessageConfig {
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text)
	}
	return tgbotapi.NewMessageToChannel(chat, text)
}

func (t *Telegram) send(ctx context.Context, chat, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client.ctx = ctx
	defer func() { t.client.ctx = context.Background() }()

	if _, err := t.bot.Send(newMessage(chat, text)); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("telegram: API error %d: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("telegram: send message: %w", err)
	}
	t.logger.Debug("message sent", "chat", chat, "len", len(text))
	return nil
}

// Split breaks text into parts of at most limit runes, cutting at line
// breaks where possible. Lines longer than limit are cut mid-line.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		if n > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			n = 0
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for utf8.RuneCountInString(line) > limit {
			flush()
			r := []rune(line)
			parts = append(parts, string(r[:limit]))
			line = string(r[limit:])
		}
		ln := utf8.RuneCountInString(line)
		if n > 0 && n+1+ln > limit {
			flush()
		}
		if n > 0 {
			cur.WriteByte('\n')
			n++
		}
		cur.WriteString(line)
		n += ln
	}
	flush()
	return parts
}
