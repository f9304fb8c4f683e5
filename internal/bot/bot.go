package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pingrelay/internal/linking"
	"pingrelay/internal/storage"
	kit "pingrelay/internal/transport"
	"pingrelay/pkg/logx"
	"pingrelay/pkg/tgui"
)

const (
	cbRegister = "link:register"

	minUsernameLen = 3
	minPasswordLen = 6
)

// Bot is the Telegram front-end: it owns the update loop, the registration
// wizard sessions, and the rendering of linking outcomes. The linking
// decisions themselves live in the engine.
type Bot struct {
	adapter kit.Adapter
	engine  *linking.Engine
	store   *storage.Store
	log     logx.Logger

	sessions *sessionTable

	updates chan kit.Update
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
}

func New(adapter kit.Adapter, engine *linking.Engine, store *storage.Store, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		adapter:  adapter,
		engine:   engine,
		store:    store,
		log:      log,
		sessions: newSessionTable(),
		updates:  make(chan kit.Update, 64),
	}
}

func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.adapter.Start(rctx, b.updates); err != nil {
		cancel()
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		return err
	}

	if mu, ok := b.adapter.(kit.CommandMenuUpdater); ok {
		mctx, mcancel := context.WithTimeout(rctx, 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, []kit.BotCommand{
			{Command: "/start", Description: "Link your PingTower account"},
			{Command: "/status", Description: "Connection status"},
			{Command: "/help", Description: "How this bot works"},
		}); err != nil {
			b.log.Warn("menu update failed", logx.Err(err))
		}
		mcancel()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-rctx.Done():
				return
			case up := <-b.updates:
				b.handleUpdate(rctx, up)
			}
		}
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := b.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (b *Bot) handleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			b.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			b.handleCallback(ctx, up.Callback)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)

	switch {
	case text == "/start" || strings.HasPrefix(text, "/start "):
		b.cmdStart(ctx, m, strings.TrimSpace(strings.TrimPrefix(text, "/start")))
	case text == "/status":
		b.cmdStatus(ctx, m.ChatID)
	case text == "/help":
		b.cmdHelp(ctx, m.ChatID)
	case text == "/cancel":
		b.cmdCancel(ctx, m.ChatID)
	case b.sessions.active(m.ChatID):
		b.wizardInput(ctx, m.ChatID, text)
	case isDigits(text):
		// A bare numeric message outside the wizard is treated as a link
		// code pasted from the dashboard.
		b.consumeToken(ctx, m.ChatID, m.FromUsername, text)
	default:
		b.cmdUnknown(ctx, m.ChatID)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *kit.Callback) {
	if cb.Data != cbRegister {
		_ = b.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	_ = b.adapter.AnswerCallback(ctx, cb.ID, "")

	b.sessions.begin(cb.ChatID)
	text := tgui.Lines(
		tgui.B("PingTower bot registration"),
		"",
		tgui.Esc("Enter your login:"),
	).String()
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := b.adapter.EditText(ctx, ref, text, htmlOpts()); err != nil {
		b.reply(ctx, cb.ChatID, text)
	}
}

// cmdStart handles both the deep link (/start <token>) and the plain /start.
func (b *Bot) cmdStart(ctx context.Context, m *kit.Message, payload string) {
	if payload != "" {
		if b.consumeToken(ctx, m.ChatID, m.FromUsername, payload) {
			return
		}
	}

	acc, err := b.store.AccountByChat(ctx, m.ChatID)
	if err == nil && acc.Registered {
		b.reply(ctx, m.ChatID, tgui.Lines(
			tgui.Esc("✅ Welcome back to PingTower Bot!"),
			"",
			tgui.Esc("You are registered and will receive alerts for your services here."),
			"",
			tgui.Esc("Commands:"),
			tgui.Esc("/status — connection status"),
			tgui.Esc("/help — usage help"),
		).String())
		return
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.log.Error("account lookup failed", logx.Err(err), logx.Int64("chat_id", m.ChatID))
		b.replyFailure(ctx, m.ChatID)
		return
	}

	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("🔐 Register", cbRegister)))
	opt := htmlOpts()
	opt.ReplyMarkup = rm
	text := tgui.Lines(
		tgui.Raw("👋 Welcome to ")+tgui.B("PingTower Monitoring Bot")+tgui.Raw("!"),
		"",
		tgui.Esc("🔔 This bot delivers alerts when your services go down or recover."),
		"",
		tgui.Esc("To get started, register with the login and password of your monitoring account, or open the link from your dashboard."),
	).String()
	if _, err := b.adapter.SendText(ctx, m.ChatID, text, opt); err != nil {
		b.log.Warn("send failed", logx.Err(err), logx.Int64("chat_id", m.ChatID))
	}
}

// consumeToken runs a token through the engine and renders the outcome.
// Returns false for a blank token (NoOp), so /start can fall through to the
// welcome flow.
func (b *Bot) consumeToken(ctx context.Context, chatID int64, displayName, token string) bool {
	out, err := b.engine.Consume(ctx, token, chatID, displayName)
	if err != nil {
		b.log.Error("token consumption failed", logx.Err(err), logx.Int64("chat_id", chatID))
		b.replyFailure(ctx, chatID)
		return true
	}
	if out.Kind == linking.KindNoOp {
		return false
	}
	b.reply(ctx, chatID, renderOutcome(out))
	return true
}

func (b *Bot) wizardInput(ctx context.Context, chatID int64, text string) {
	s, ok := b.sessions.get(chatID)
	if !ok {
		return
	}

	switch s.step {
	case stepUsername:
		if len(text) < minUsernameLen {
			b.reply(ctx, chatID, tgui.Esc("⚠️ The login must be at least 3 characters. Try again:").String())
			return
		}
		b.sessions.advance(chatID, text)
		b.reply(ctx, chatID, tgui.Esc("🔑 Now enter a password (at least 6 characters):").String())

	case stepPassword:
		if len(text) < minPasswordLen {
			b.reply(ctx, chatID, tgui.Esc("⚠️ The password must be at least 6 characters. Try again:").String())
			return
		}
		// Wizard state is dropped whatever happens next; a failed attempt
		// restarts from the button, not from a half-filled session.
		b.sessions.clear(chatID)

		err := b.engine.Register(ctx, chatID, s.username, text)
		switch {
		case err == nil:
			b.reply(ctx, chatID, tgui.Lines(
				tgui.Raw("✅ ")+tgui.B("Registration complete!"),
				"",
				tgui.Raw("👤 Login: ")+tgui.Code(s.username),
				tgui.Esc("🔔 You will now receive alerts for your services."),
				"",
				tgui.Esc("Use /help to see the available commands."),
			).String())
		case errors.Is(err, storage.ErrConflict):
			b.reply(ctx, chatID, tgui.Lines(
				tgui.Raw("❌ ")+tgui.B("Registration failed"),
				"",
				tgui.Esc("A user with this login already exists, or this chat is already registered. Try another login or contact your administrator."),
			).String())
		default:
			b.log.Error("registration failed", logx.Err(err), logx.Int64("chat_id", chatID))
			b.replyFailure(ctx, chatID)
		}
	}
}

func (b *Bot) cmdStatus(ctx context.Context, chatID int64) {
	acc, err := b.store.AccountByChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !acc.Registered) {
		b.reply(ctx, chatID, tgui.Esc("❌ You are not registered. Use /start to begin.").String())
		return
	}
	if err != nil {
		b.log.Error("account lookup failed", logx.Err(err), logx.Int64("chat_id", chatID))
		b.replyFailure(ctx, chatID)
		return
	}

	count, err := b.store.CountWatchedServices(ctx, chatID)
	if err != nil {
		b.log.Warn("service count failed", logx.Err(err), logx.Int64("chat_id", chatID))
	}

	b.reply(ctx, chatID, tgui.Lines(
		tgui.Raw("📊 ")+tgui.B("PingTower connection status"),
		"",
		tgui.Raw("👤 User: ")+tgui.Code(acc.Username),
		tgui.Raw("🧩 Watched services: ")+tgui.B(strconv.Itoa(count)),
		tgui.Raw("📅 Registered: ")+tgui.B(acc.CreatedAt.Format("2006-01-02")),
		tgui.Esc("✅ The bot is active and ready to deliver alerts."),
	).String())
}

func (b *Bot) cmdHelp(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, tgui.Lines(
		tgui.Raw("🤝 ")+tgui.B("PingTower Monitoring Bot — help"),
		"",
		tgui.B("Commands:"),
		tgui.Esc("• /start — begin, or open a linking deep link"),
		tgui.Esc("• /status — connection status"),
		tgui.Esc("• /help — this help"),
		tgui.Esc("• /cancel — abort registration"),
		"",
		tgui.B("How alerts work:"),
		tgui.Esc("• You only receive alerts for your own services"),
		tgui.Esc("• Alerts arrive when a service goes down and when it recovers"),
		"",
		tgui.B("Linking:"),
		tgui.Esc("1. Generate a link code on your PingTower dashboard"),
		tgui.Esc("2. Open the deep link, or paste the code here"),
		tgui.Esc("3. Alerts for your account arrive in this chat"),
	).String())
}

func (b *Bot) cmdCancel(ctx context.Context, chatID int64) {
	if b.sessions.active(chatID) {
		b.sessions.clear(chatID)
		b.reply(ctx, chatID, tgui.Esc("Registration cancelled.").String())
		return
	}
	b.reply(ctx, chatID, tgui.Esc("Nothing to cancel.").String())
}

func (b *Bot) cmdUnknown(ctx context.Context, chatID int64) {
	acc, err := b.store.AccountByChat(ctx, chatID)
	if err == nil && acc.Registered {
		b.reply(ctx, chatID, tgui.Esc("ℹ️ Unknown command. Use /help for the command list.").String())
		return
	}
	b.reply(ctx, chatID, tgui.Esc("ℹ️ Use /start to begin.").String())
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := b.adapter.SendText(ctx, chatID, text, htmlOpts()); err != nil {
		b.log.Warn("send failed", logx.Err(err), logx.Int64("chat_id", chatID))
	}
}

func (b *Bot) replyFailure(ctx context.Context, chatID int64) {
	b.reply(ctx, chatID, tgui.Esc("Something went wrong. Please try again.").String())
}

func htmlOpts() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

