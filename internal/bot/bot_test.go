package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pingrelay/internal/linking"
	"pingrelay/internal/storage"
	kit "pingrelay/internal/transport"
	"pingrelay/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []string
	edited []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: chatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	f.edited = append(f.edited, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestBot(t *testing.T) (*Bot, *fakeAdapter, *linking.Engine, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := linking.NewEngine(st, 0, logx.Nop())
	ad := &fakeAdapter{}
	return New(ad, engine, st, logx.Nop()), ad, engine, st
}

func msg(chatID int64, text string) *kit.Message {
	return &kit.Message{ChatID: chatID, FromUsername: "tester", Text: text}
}

func TestDeepLinkStartLinksAccount(t *testing.T) {
	t.Parallel()
	b, ad, engine, st := newTestBot(t)
	ctx := context.Background()

	if _, err := engine.Issue(ctx, "alice", "111111"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	b.handleMessage(ctx, msg(42, "/start 111111"))

	acc, err := st.AccountByChat(ctx, 42)
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if acc.Username != "alice" {
		t.Fatalf("linked username = %q, want alice", acc.Username)
	}
	if !strings.Contains(ad.lastSent(), "alice") {
		t.Fatalf("reply does not mention the account: %q", ad.lastSent())
	}
}

func TestBareCodeOutsideWizardConsumesToken(t *testing.T) {
	t.Parallel()
	b, _, engine, st := newTestBot(t)
	ctx := context.Background()

	if _, err := engine.Issue(ctx, "alice", "654321"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	b.handleMessage(ctx, msg(42, "654321"))

	if _, err := st.AccountByChat(ctx, 42); err != nil {
		t.Fatalf("account lookup: %v", err)
	}
}

func TestPlainStartShowsWelcome(t *testing.T) {
	t.Parallel()
	b, ad, _, _ := newTestBot(t)

	b.handleMessage(context.Background(), msg(42, "/start"))

	if ad.sentCount() != 1 {
		t.Fatalf("sent = %d messages, want 1", ad.sentCount())
	}
	if !strings.Contains(ad.lastSent(), "Welcome") {
		t.Fatalf("unexpected welcome: %q", ad.lastSent())
	}
}

func TestRegistrationWizard(t *testing.T) {
	t.Parallel()
	b, ad, _, st := newTestBot(t)
	ctx := context.Background()

	b.handleCallback(ctx, &kit.Callback{ID: "cb1", ChatID: 42, MessageID: 7, Data: cbRegister})
	if !b.sessions.active(42) {
		t.Fatal("wizard did not start")
	}
	if len(ad.edited) != 1 {
		t.Fatalf("edited = %d, want 1 (prompt replaces the welcome message)", len(ad.edited))
	}

	// Too-short login is rejected without advancing.
	b.handleMessage(ctx, msg(42, "ab"))
	if s, _ := b.sessions.get(42); s.step != stepUsername {
		t.Fatalf("step = %v, want stepUsername after rejected login", s.step)
	}

	b.handleMessage(ctx, msg(42, "alice"))
	if s, _ := b.sessions.get(42); s.step != stepPassword || s.username != "alice" {
		t.Fatalf("session = %+v, want password step for alice", s)
	}

	// Too-short password is rejected without dropping the session.
	b.handleMessage(ctx, msg(42, "123"))
	if !b.sessions.active(42) {
		t.Fatal("session dropped on short password")
	}

	b.handleMessage(ctx, msg(42, "s3cret!"))
	if b.sessions.active(42) {
		t.Fatal("session not cleared after registration")
	}

	acc, err := st.AccountByChat(ctx, 42)
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if !acc.Registered || acc.Username != "alice" {
		t.Fatalf("account = %+v, want registered alice", acc)
	}
	if !strings.Contains(ad.lastSent(), "Registration complete") {
		t.Fatalf("unexpected final reply: %q", ad.lastSent())
	}
}

func TestRegistrationDuplicateLogin(t *testing.T) {
	t.Parallel()
	b, ad, engine, _ := newTestBot(t)
	ctx := context.Background()

	if err := engine.Register(ctx, 99, "alice", "password"); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	b.handleCallback(ctx, &kit.Callback{ID: "cb1", ChatID: 42, MessageID: 1, Data: cbRegister})
	b.handleMessage(ctx, msg(42, "alice"))
	b.handleMessage(ctx, msg(42, "password"))

	if b.sessions.active(42) {
		t.Fatal("session should be cleared after a failed attempt")
	}
	if !strings.Contains(ad.lastSent(), "already exists") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	b, ad, _, _ := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, msg(42, "/cancel"))
	if !strings.Contains(ad.lastSent(), "Nothing to cancel") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}

	b.handleCallback(ctx, &kit.Callback{ID: "cb1", ChatID: 42, MessageID: 1, Data: cbRegister})
	b.handleMessage(ctx, msg(42, "/cancel"))
	if b.sessions.active(42) {
		t.Fatal("session survived /cancel")
	}
	if !strings.Contains(ad.lastSent(), "cancelled") {
		t.Fatalf("unexpected reply: %q", ad.lastSent())
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	b, ad, engine, st := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, msg(42, "/status"))
	if !strings.Contains(ad.lastSent(), "not registered") {
		t.Fatalf("unregistered status: %q", ad.lastSent())
	}

	if err := engine.Register(ctx, 42, "alice", "password"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := st.AddWatchedService(ctx, 42, "api", ""); err != nil {
		t.Fatalf("add service: %v", err)
	}

	b.handleMessage(ctx, msg(42, "/status"))
	got := ad.lastSent()
	if !strings.Contains(got, "alice") || !strings.Contains(got, "1") {
		t.Fatalf("registered status missing details: %q", got)
	}
}

func TestRenderOutcome(t *testing.T) {
	t.Parallel()

	if renderOutcome(linking.Outcome{Kind: linking.KindNoOp}) != "" {
		t.Fatal("no_op must render empty")
	}

	kinds := []linking.Kind{
		linking.KindTokenNotFound,
		linking.KindTokenUsedByOtherChat,
		linking.KindTokenExpired,
		linking.KindChatBoundToOtherAccount,
		linking.KindRelinked,
		linking.KindAlreadyLinkedSameChat,
		linking.KindAlreadyLinkedSameAccount,
		linking.KindLinkedNew,
	}
	for _, k := range kinds {
		out := linking.Outcome{Kind: k, Username: "alice", BoundUsername: "bob"}
		if renderOutcome(out) == "" {
			t.Fatalf("kind %v rendered empty", k)
		}
	}

	bound := renderOutcome(linking.Outcome{
		Kind: linking.KindChatBoundToOtherAccount, Username: "alice", BoundUsername: "bob",
	})
	if !strings.Contains(bound, "bob") {
		t.Fatalf("chat_in_use reply missing bound account: %q", bound)
	}

	linked := renderOutcome(linking.Outcome{Kind: linking.KindLinkedNew, Username: "alice"})
	if !strings.Contains(linked, "alice") {
		t.Fatalf("linked_new reply missing account: %q", linked)
	}
}

func TestUnknownMessage(t *testing.T) {
	t.Parallel()
	b, ad, engine, _ := newTestBot(t)
	ctx := context.Background()

	b.handleMessage(ctx, msg(42, "hello there"))
	if !strings.Contains(ad.lastSent(), "/start") {
		t.Fatalf("unregistered fallback: %q", ad.lastSent())
	}

	if err := engine.Register(ctx, 42, "alice", "password"); err != nil {
		t.Fatalf("register: %v", err)
	}
	b.handleMessage(ctx, msg(42, "hello again"))
	if !strings.Contains(ad.lastSent(), "/help") {
		t.Fatalf("registered fallback: %q", ad.lastSent())
	}
}

func TestIsDigits(t *testing.T) {
	t.Parallel()
	for s, want := range map[string]bool{
		"123456": true, "0": true, "": false, "12a4": false, "/start": false, "１２３": false,
	} {
		if got := isDigits(s); got != want {
			t.Fatalf("isDigits(%q) = %v, want %v", s, got, want)
		}
	}
}
