package linking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pingrelay/internal/storage"
	"pingrelay/pkg/logx"
)

type fixture struct {
	engine *Engine
	store  *storage.Store

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.engine = NewEngine(st, ttl, logx.Nop())
	f.engine.now = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestIssueRejectsBlankInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.engine.Issue(ctx, "", "123456"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank username: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.engine.Issue(ctx, "alice", "   "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank token: err = %v, want ErrInvalidArgument", err)
	}
}

func TestIssueReceiptReflectsLinkState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	r, err := f.engine.Issue(ctx, "alice", "111111")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if r.AlreadyLinked {
		t.Fatal("fresh username reported as already linked")
	}

	if out, err := f.engine.Consume(ctx, "111111", 42, "alice_tg"); err != nil || out.Kind != KindLinkedNew {
		t.Fatalf("consume: out=%v err=%v, want linked_new", out.Kind, err)
	}

	r, err = f.engine.Issue(ctx, "alice", "222222")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if !r.AlreadyLinked || r.ChatID != 42 {
		t.Fatalf("reissue receipt = %+v, want already_linked to chat 42", r)
	}
}

func TestReissueInvalidatesPreviousToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	mustIssue(t, f, "alice", "222222")

	out, err := f.engine.Consume(ctx, "111111", 42, "")
	if err != nil {
		t.Fatalf("consume superseded: %v", err)
	}
	if out.Kind != KindTokenNotFound {
		t.Fatalf("superseded token: kind = %v, want token_not_found", out.Kind)
	}

	out, err = f.engine.Consume(ctx, "222222", 42, "")
	if err != nil {
		t.Fatalf("consume current: %v", err)
	}
	if out.Kind != KindLinkedNew || out.Username != "alice" {
		t.Fatalf("current token: out = %+v, want linked_new for alice", out)
	}
}

func TestConsumeBlankIsNoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	out, err := f.engine.Consume(context.Background(), "   ", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindNoOp {
		t.Fatalf("kind = %v, want no_op", out.Kind)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	out, err := f.engine.Consume(context.Background(), "999999", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindTokenNotFound {
		t.Fatalf("kind = %v, want token_not_found", out.Kind)
	}
	if out.Username != "" {
		t.Fatalf("token_not_found leaked username %q", out.Username)
	}
}

func TestConsumeIsIdempotentPerChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")

	out, err := f.engine.Consume(ctx, "111111", 42, "alice_tg")
	if err != nil || out.Kind != KindLinkedNew {
		t.Fatalf("first consume: out=%v err=%v", out.Kind, err)
	}

	out, err = f.engine.Consume(ctx, "111111", 42, "alice_tg")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if out.Kind != KindAlreadyLinkedSameChat || out.Username != "alice" {
		t.Fatalf("second consume: out = %+v, want already_linked_same_chat", out)
	}

	acc, err := f.store.AccountByChat(ctx, 42)
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if acc.Username != "alice" {
		t.Fatalf("account username = %q, want alice", acc.Username)
	}
}

func TestConsumedTokenRejectedFromOtherChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	if out, _ := f.engine.Consume(ctx, "111111", 42, ""); out.Kind != KindLinkedNew {
		t.Fatalf("setup consume: %v", out.Kind)
	}

	out, err := f.engine.Consume(ctx, "111111", 77, "")
	if err != nil {
		t.Fatalf("consume from other chat: %v", err)
	}
	if out.Kind != KindTokenUsedByOtherChat {
		t.Fatalf("kind = %v, want token_already_used", out.Kind)
	}
	if out.Username != "" {
		t.Fatalf("token_already_used leaked username %q", out.Username)
	}

	// The other chat must not have gained a link.
	if _, err := f.store.AccountByChat(ctx, 77); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("chat 77 lookup: err = %v, want ErrNotFound", err)
	}
}

func TestExpiredTokenReportedOnceThenUsed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	f.advance(31 * time.Minute)

	out, err := f.engine.Consume(ctx, "111111", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindTokenExpired || out.Username != "alice" {
		t.Fatalf("first consume after expiry: out = %+v, want token_expired", out)
	}
	// No account was created by the expired attempt.
	if _, err := f.store.AccountByUsername(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("account lookup: err = %v, want ErrNotFound", err)
	}

	// The row is retired: further attempts get the used answers, never a
	// second expiry report.
	out, err = f.engine.Consume(ctx, "111111", 77, "")
	if err != nil {
		t.Fatalf("retry from other chat: %v", err)
	}
	if out.Kind != KindTokenUsedByOtherChat {
		t.Fatalf("retry from other chat: kind = %v, want token_already_used", out.Kind)
	}
}

func TestUnexpiredTokenSurvivesSweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 30*time.Minute)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	f.advance(29 * time.Minute)

	out, err := f.engine.Consume(ctx, "111111", 42, "")
	if err != nil || out.Kind != KindLinkedNew {
		t.Fatalf("consume inside ttl: out=%v err=%v, want linked_new", out.Kind, err)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	f.advance(365 * 24 * time.Hour)

	out, err := f.engine.Consume(ctx, "111111", 42, "")
	if err != nil || out.Kind != KindLinkedNew {
		t.Fatalf("consume after a year: out=%v err=%v, want linked_new", out.Kind, err)
	}
}

func TestChatCannotStealSecondAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	if out, _ := f.engine.Consume(ctx, "111111", 42, ""); out.Kind != KindLinkedNew {
		t.Fatalf("setup consume: %v", out.Kind)
	}

	mustIssue(t, f, "bob", "222222")
	out, err := f.engine.Consume(ctx, "222222", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindChatBoundToOtherAccount {
		t.Fatalf("kind = %v, want chat_in_use", out.Kind)
	}
	if out.Username != "bob" || out.BoundUsername != "alice" {
		t.Fatalf("out = %+v, want username bob bound to alice", out)
	}

	// bob's token is burned; the directory is unchanged.
	if _, err := f.store.AccountByUsername(ctx, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("bob lookup: err = %v, want ErrNotFound", err)
	}
	acc, err := f.store.AccountByChat(ctx, 42)
	if err != nil || acc.Username != "alice" {
		t.Fatalf("chat 42 still owns %q (err=%v), want alice", acc.Username, err)
	}
}

func TestRelinkMovesAccountToNewChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	if out, _ := f.engine.Consume(ctx, "111111", 42, ""); out.Kind != KindLinkedNew {
		t.Fatalf("setup consume: %v", out.Kind)
	}

	mustIssue(t, f, "alice", "222222")
	out, err := f.engine.Consume(ctx, "222222", 77, "alice_new")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindRelinked || out.Username != "alice" {
		t.Fatalf("out = %+v, want updated_link for alice", out)
	}

	acc, err := f.store.AccountByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if acc.ChatID != 77 {
		t.Fatalf("chat id = %d, want 77", acc.ChatID)
	}
	// The old chat no longer resolves to the account.
	if _, err := f.store.AccountByChat(ctx, 42); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old chat lookup: err = %v, want ErrNotFound", err)
	}
}

func TestRelinkSameChatIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")
	if out, _ := f.engine.Consume(ctx, "111111", 42, ""); out.Kind != KindLinkedNew {
		t.Fatalf("setup consume: %v", out.Kind)
	}

	mustIssue(t, f, "alice", "222222")
	out, err := f.engine.Consume(ctx, "222222", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindAlreadyLinkedSameAccount {
		t.Fatalf("kind = %v, want already_linked", out.Kind)
	}
}

func TestConcurrentConsumeMutatesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	mustIssue(t, f, "alice", "111111")

	const n = 16
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.engine.Consume(ctx, "111111", int64(100+i), "")
			if err != nil {
				t.Errorf("consume %d: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	mutated := 0
	for _, out := range outcomes {
		if out.Mutated() {
			mutated++
		}
	}
	if mutated != 1 {
		t.Fatalf("mutating outcomes = %d, want exactly 1", mutated)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.engine.Register(ctx, 42, "alice", "s3cret!"); err != nil {
		t.Fatalf("register: %v", err)
	}
	acc, err := f.store.AccountByChat(ctx, 42)
	if err != nil {
		t.Fatalf("account lookup: %v", err)
	}
	if !acc.Registered || acc.Username != "alice" {
		t.Fatalf("account = %+v, want registered alice", acc)
	}
	if acc.PasswordHash == "" || acc.PasswordHash == "s3cret!" {
		t.Fatal("password stored without hashing")
	}

	if err := f.engine.Register(ctx, 77, "alice", "other"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate username: err = %v, want ErrConflict", err)
	}
	if err := f.engine.Register(ctx, 42, "bob", "other"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate chat: err = %v, want ErrConflict", err)
	}
	if err := f.engine.Register(ctx, 1, "", "pw"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank username: err = %v, want ErrInvalidArgument", err)
	}
}

func TestConsumeAfterDirectRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.engine.Register(ctx, 42, "alice", "s3cret!"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// A platform-issued token for the same username confirms the existing
	// binding instead of creating anything.
	mustIssue(t, f, "alice", "111111")
	out, err := f.engine.Consume(ctx, "111111", 42, "")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if out.Kind != KindAlreadyLinkedSameAccount {
		t.Fatalf("kind = %v, want already_linked", out.Kind)
	}
}

func mustIssue(t *testing.T, f *fixture, username, token string) {
	t.Helper()
	if _, err := f.engine.Issue(context.Background(), username, token); err != nil {
		t.Fatalf("issue %s/%s: %v", username, token, err)
	}
}
