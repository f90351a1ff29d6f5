package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/stellarlinkco/warden/internal/config"
	"github.com/stellarlinkco/warden/internal/permission"
	"go.uber.org/zap"
)

const (
	callbackAllow = "allow"
	callbackDeny  = "deny"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// ErrApproverNotStarted is returned by Ask before Start has connected the bot.
var ErrApproverNotStarted = errors.New("telegram approver not started")

type pendingAsk struct {
	req       permission.AskRequest
	messageID int
	answer    chan permission.Answer
}

// TelegramApprover posts consent requests to one chat with Allow/Deny
// buttons and waits for an allowed user to press one.
type TelegramApprover struct {
	token      string
	chatID     int64
	proxy      string
	allowFrom  map[string]bool
	botFactory BotFactory
	log        *zap.Logger

	mu      sync.Mutex
	bot     TelegramBot
	cancel  context.CancelFunc
	pending map[string]*pendingAsk
}

func NewTelegramApprover(cfg config.TelegramConfig, log *zap.Logger) (*TelegramApprover, error) {
	return NewTelegramApproverWithFactory(cfg, log, defaultBotFactory)
}

// NewTelegramApproverWithFactory creates a TelegramApprover with custom bot factory (for testing)
func NewTelegramApproverWithFactory(cfg config.TelegramConfig, log *zap.Logger, factory BotFactory) (*TelegramApprover, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = true
		}
	}
	return &TelegramApprover{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		allowFrom:  allow,
		botFactory: factory,
		log:        log.Named("telegram"),
		pending:    make(map[string]*pendingAsk),
	}, nil
}

// IsAllowed reports whether a Telegram user may answer requests. An empty
// allow list admits everyone in the chat.
func (t *TelegramApprover) IsAllowed(userID int64, userName string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	if t.allowFrom[strconv.FormatInt(userID, 10)] {
		return true
	}
	return userName != "" && t.allowFrom[userName]
}

func (t *TelegramApprover) initBot() (TelegramBot, error) {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	t.log.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return bot, nil
}

// Start connects the bot and polls for button presses until ctx ends or
// Stop is called.
func (t *TelegramApprover) Start(ctx context.Context) error {
	bot, err := t.initBot()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.bot = bot
	t.cancel = cancel
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					t.handleCallback(update.CallbackQuery)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info("polling started", zap.Int64("chat_id", t.chatID))
	return nil
}

func (t *TelegramApprover) Stop() error {
	t.mu.Lock()
	cancel, bot := t.cancel, t.bot
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	t.log.Info("stopped")
	return nil
}

// Ask implements permission.Asker.
func (t *TelegramApprover) Ask(ctx context.Context, req permission.AskRequest) (permission.Answer, error) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return permission.Answer{}, ErrApproverNotStarted
	}

	id := uuid.NewString()[:8]
	msg := tgbotapi.NewMessage(t.chatID, formatRequest(req))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", callbackAllow+":"+id),
			tgbotapi.NewInlineKeyboardButtonData("Deny", callbackDeny+":"+id),
		),
	)

	p := &pendingAsk{req: req, answer: make(chan permission.Answer, 1)}
	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()

	sent, err := bot.Send(msg)
	if err != nil {
		t.forget(id)
		return permission.Answer{}, fmt.Errorf("send approval request: %w", err)
	}
	t.mu.Lock()
	p.messageID = sent.MessageID
	t.mu.Unlock()

	select {
	case ans := <-p.answer:
		return ans, nil
	case <-ctx.Done():
		if t.forget(id) {
			t.edit(bot, sent.MessageID, formatRequest(req)+"\n\n<i>timed out</i>")
			return permission.Answer{}, ctx.Err()
		}
		// A press raced the deadline; the answer is already buffered.
		return <-p.answer, nil
	}
}

func (t *TelegramApprover) handleCallback(q *tgbotapi.CallbackQuery) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil || q.From == nil {
		return
	}

	if !t.IsAllowed(q.From.ID, q.From.UserName) {
		t.log.Warn("rejected callback", zap.Int64("user_id", q.From.ID), zap.String("user", q.From.UserName))
		t.answerCallback(bot, q.ID, "not allowed")
		return
	}

	verdict, id, ok := strings.Cut(q.Data, ":")
	if !ok || (verdict != callbackAllow && verdict != callbackDeny) {
		t.answerCallback(bot, q.ID, "unknown action")
		return
	}

	t.mu.Lock()
	p, found := t.pending[id]
	var messageID int
	if found {
		delete(t.pending, id)
		messageID = p.messageID
	}
	t.mu.Unlock()
	if !found {
		t.answerCallback(bot, q.ID, "request expired")
		return
	}

	approver := q.From.UserName
	if approver == "" {
		approver = strconv.FormatInt(q.From.ID, 10)
	}
	label := "allowed"
	if verdict == callbackDeny {
		label = "denied"
	}
	ans := permission.Answer{
		Approved: verdict == callbackAllow,
		Approver: "telegram:" + approver,
		Reason:   label + " via telegram",
	}
	t.answerCallback(bot, q.ID, label)
	t.edit(bot, messageID, fmt.Sprintf("%s\n\n<b>%s</b> by %s", formatRequest(p.req), label, html.EscapeString(approver)))
	p.answer <- ans
	t.log.Info("request resolved",
		zap.String("session_id", p.req.SessionID),
		zap.String("tool", p.req.ToolName),
		zap.Bool("approved", ans.Approved),
		zap.String("approver", approver))
}

// forget drops a pending request and reports whether it was still open.
func (t *TelegramApprover) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// Pending returns the number of unanswered requests.
func (t *TelegramApprover) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *TelegramApprover) answerCallback(bot TelegramBot, queryID, text string) {
	if _, err := bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		t.log.Warn("answer callback failed", zap.Error(err))
	}
}

func (t *TelegramApprover) edit(bot TelegramBot, messageID int, text string) {
	if messageID == 0 {
		return
	}
	edit := tgbotapi.NewEditMessageText(t.chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := bot.Send(edit); err != nil {
		t.log.Warn("edit message failed", zap.Int("message_id", messageID), zap.Error(err))
	}
}

func formatRequest(req permission.AskRequest) string {
	var sb strings.Builder
	sb.WriteString("<b>Tool approval required</b>\n")
	fmt.Fprintf(&sb, "Session: <code>%s</code>\n", html.EscapeString(req.SessionID))
	fmt.Fprintf(&sb, "Tool: <code>%s</code>\n", html.EscapeString(req.ToolName))
	if req.Rule != "" {
		fmt.Fprintf(&sb, "Rule: <code>%s</code>\n", html.EscapeString(req.Rule))
	}
	if !req.Deadline.IsZero() {
		fmt.Fprintf(&sb, "Expires: %s\n", req.Deadline.UTC().Format("15:04:05 UTC"))
	}
	fmt.Fprintf(&sb, "<pre>%s</pre>", html.EscapeString(truncateUTF8(req.Summary(), maxSummaryBytes)))
	return sb.String()
}

const maxSummaryBytes = 3000

// truncateUTF8 cuts s to at most n bytes on a rune boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
