package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Token is one row of the token store: a pending (or consumed) request to
// bind Username to a Telegram chat.
type Token struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means the token never expires
	ChatID    int64     // chat that consumed the token; 0 until claimed
	ClaimedAt time.Time
	Used      bool
}

// IssueToken replaces any outstanding token for the username (and any stale
// row reusing the same token string) with a fresh unused row. Issuance is
// single-flight per username: the previous deep link stops working the moment
// a new one is generated.
func (t *Tx) IssueToken(ctx context.Context, username, token string, now time.Time, ttl time.Duration) error {
	if token == "" {
		return errors.New("token is required")
	}
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM link_tokens WHERE username = ? OR token = ?`, username, token); err != nil {
		return err
	}
	var expires any
	if ttl > 0 {
		expires = msOf(now.Add(ttl))
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO link_tokens(token, username, created_at, expires_at, is_used)
		 VALUES(?,?,?,?,0)`,
		token, username, msOf(now), expires)
	return err
}

func (t *Tx) LookupToken(ctx context.Context, token string) (Token, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT token, username, created_at, expires_at, chat_id, claimed_at, is_used
		 FROM link_tokens WHERE token = ?`, token)
	return scanToken(row)
}

// ExpireStaleTokens marks as used every unused token whose expiry has passed.
// The linking engine runs this at the start of every operation, so an expired
// token can never be treated as live; there is no background sweeper.
func (t *Tx) ExpireStaleTokens(ctx context.Context, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE link_tokens SET is_used = 1
		 WHERE expires_at IS NOT NULL AND is_used = 0 AND expires_at < ?`,
		msOf(now))
	return err
}

// MarkTokenConsumed records which chat claimed the token and retires it.
func (t *Tx) MarkTokenConsumed(ctx context.Context, token string, chatID int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE link_tokens SET is_used = 1, chat_id = ?, claimed_at = ? WHERE token = ?`,
		chatID, msOf(now), token)
	return err
}

// PurgeDeadTokens deletes used tokens whose claim (or creation, for swept
// rows that were never claimed) is older than before. Retention housekeeping
// only; live tokens are never touched.
func (s *Store) PurgeDeadTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM link_tokens
		 WHERE is_used = 1 AND COALESCE(claimed_at, created_at) < ?`,
		msOf(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(r rowScanner) (Token, error) {
	var (
		tok       Token
		createdAt int64
		expiresAt sql.NullInt64
		chatID    sql.NullInt64
		claimedAt sql.NullInt64
		used      int
	)
	err := r.Scan(&tok.Token, &tok.Username, &createdAt, &expiresAt, &chatID, &claimedAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	tok.CreatedAt = time.UnixMilli(createdAt)
	tok.ExpiresAt = timeOf(expiresAt)
	tok.ChatID = chatID.Int64
	tok.ClaimedAt = timeOf(claimedAt)
	tok.Used = used != 0
	return tok, nil
}
