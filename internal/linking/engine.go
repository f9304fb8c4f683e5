package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"pingrelay/internal/storage"
	"pingrelay/pkg/logx"
)

// ErrInvalidArgument rejects blank or malformed input before storage is
// touched.
var ErrInvalidArgument = errors.New("invalid argument")

// Receipt is the issuance result returned to the monitoring platform.
type Receipt struct {
	Token    string
	Username string

	// AlreadyLinked tells the caller the username already has a chat bound,
	// so it can decide whether the deep link is still worth sending.
	AlreadyLinked bool
	ChatID        int64
}

// Engine owns the account-linking state machine. Every operation runs its
// expiry sweep, lookups, decision and writes inside one storage transaction,
// so two racing consumptions of the same token serialize and exactly one of
// them mutates the directory.
type Engine struct {
	store *storage.Store
	log   logx.Logger

	// tokenTTL in nanoseconds; 0 means issued tokens never expire.
	// See config: linking.token_ttl is an explicit deployment decision.
	tokenTTL atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

func NewEngine(store *storage.Store, tokenTTL time.Duration, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{store: store, log: log, now: time.Now}
	e.tokenTTL.Store(int64(tokenTTL))
	return e
}

// SetTokenTTL applies a reloaded config value. It affects tokens issued from
// now on; outstanding rows keep the expiry they were written with.
func (e *Engine) SetTokenTTL(d time.Duration) { e.tokenTTL.Store(int64(d)) }

// Issue stores a fresh single-use token for the username, invalidating any
// previous outstanding token for it.
func (e *Engine) Issue(ctx context.Context, username, token string) (Receipt, error) {
	username = strings.TrimSpace(username)
	token = strings.TrimSpace(token)
	if username == "" {
		return Receipt{}, fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}
	if token == "" {
		return Receipt{}, fmt.Errorf("%w: token is required", ErrInvalidArgument)
	}

	now := e.now()
	ttl := time.Duration(e.tokenTTL.Load())
	r := Receipt{Token: token, Username: username}

	err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.ExpireStaleTokens(ctx, now); err != nil {
			return err
		}
		if err := tx.IssueToken(ctx, username, token, now, ttl); err != nil {
			return err
		}
		acc, err := tx.FindAccountByUsername(ctx, username)
		switch {
		case err == nil:
			r.AlreadyLinked = acc.ChatID != 0
			r.ChatID = acc.ChatID
		case errors.Is(err, storage.ErrNotFound):
			// fresh username, nothing linked yet
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	e.log.Info("link token issued",
		logx.String("username", username),
		logx.Bool("already_linked", r.AlreadyLinked),
		logx.Duration("ttl", ttl))
	return r, nil
}

// Consume resolves a deep-link token for the requesting chat and applies the
// resulting transition. The returned Outcome is a value from a closed set;
// an error is only returned for storage failures, in which case nothing was
// written (the transaction rolled back).
func (e *Engine) Consume(ctx context.Context, token string, chatID int64, chatDisplayName string) (Outcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Outcome{Kind: KindNoOp}, nil
	}

	now := e.now()
	var out Outcome
	err := e.store.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = e.consumeTx(ctx, tx, token, chatID, chatDisplayName, now)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	e.log.Info("link token consumed",
		logx.String("outcome", out.Kind.String()),
		logx.Int64("chat_id", chatID),
		logx.String("username", out.Username))
	return out, nil
}

func (e *Engine) consumeTx(ctx context.Context, tx *storage.Tx, token string, chatID int64, chatDisplayName string, now time.Time) (Outcome, error) {
	// Lazy expiry first: expired-but-unused rows must never be treated as
	// live by anything below.
	if err := tx.ExpireStaleTokens(ctx, now); err != nil {
		return Outcome{}, err
	}

	t, err := tx.LookupToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Kind: KindTokenNotFound}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	expired := !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now)

	if t.Used {
		switch {
		case t.ChatID == chatID:
			return Outcome{Kind: KindAlreadyLinkedSameChat, Username: t.Username}, nil
		case t.ChatID == 0 && expired:
			// The sweep above (or an earlier operation) retired this row
			// before anyone claimed it. Report the expiry once and record
			// this chat as the claimant so retries get the "used" answer.
			if err := tx.MarkTokenConsumed(ctx, token, chatID, now); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: KindTokenExpired, Username: t.Username}, nil
		default:
			return Outcome{Kind: KindTokenUsedByOtherChat}, nil
		}
	}

	if expired {
		if err := tx.MarkTokenConsumed(ctx, token, chatID, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: KindTokenExpired, Username: t.Username}, nil
	}

	// A chat may only ever hold one account; this check outranks the
	// relink-vs-new decision below.
	if bound, err := tx.FindAccountByChat(ctx, chatID); err == nil {
		if bound.Username != t.Username {
			if err := tx.MarkTokenConsumed(ctx, token, chatID, now); err != nil {
				return Outcome{}, err
			}
			return Outcome{Kind: KindChatBoundToOtherAccount, Username: t.Username, BoundUsername: bound.Username}, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, err
	}

	acc, err := tx.FindAccountByUsername(ctx, t.Username)
	switch {
	case err == nil:
		if err := tx.MarkTokenConsumed(ctx, token, chatID, now); err != nil {
			return Outcome{}, err
		}
		if acc.ChatID == chatID {
			return Outcome{Kind: KindAlreadyLinkedSameAccount, Username: t.Username}, nil
		}
		if err := tx.RelinkAccount(ctx, t.Username, chatID, chatDisplayName, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: KindRelinked, Username: t.Username}, nil

	case errors.Is(err, storage.ErrNotFound):
		if err := tx.MarkTokenConsumed(ctx, token, chatID, now); err != nil {
			return Outcome{}, err
		}
		err := tx.InsertLinkedAccount(ctx, chatID, t.Username, placeholderHash(), chatDisplayName, now)
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race despite serialization; the constraint is the last
			// line of defense and the condition is benign.
			return Outcome{Kind: KindAlreadyLinkedSameAccount, Username: t.Username}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: KindLinkedNew, Username: t.Username}, nil

	default:
		return Outcome{}, err
	}
}

// Register is the direct-registration path driven by the chat wizard.
// Uniqueness violations surface as storage.ErrConflict.
func (e *Engine) Register(ctx context.Context, chatID int64, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidArgument)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := e.store.CreateRegistered(ctx, chatID, username, string(hash), e.now()); err != nil {
		return err
	}
	e.log.Info("account registered", logx.Int64("chat_id", chatID), logx.String("username", username))
	return nil
}

// placeholderHash produces an unusable credential for accounts created purely
// by token linking: the identity is authenticated by the platform-issued
// token, never by password, so the cost factor stays at the minimum.
func placeholderHash() string {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
	if err != nil {
		// bcrypt only fails on oversized input; a uuid never is.
		panic(err)
	}
	return string(h)
}
