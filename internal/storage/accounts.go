package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Account binds an external monitoring-platform username to a Telegram chat.
type Account struct {
	ChatID       int64
	Username     string
	PasswordHash string
	Registered   bool
	CreatedAt    time.Time
	TGUsername   string    // informational Telegram display name
	LinkedAt     time.Time // last chat-binding change via the token flow
}

const accountCols = `chat_id, username, password_hash, is_registered, created_at, tg_username, linked_at`

func (t *Tx) FindAccountByChat(ctx context.Context, chatID int64) (Account, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE chat_id = ?`, chatID)
	return scanAccount(row)
}

func (t *Tx) FindAccountByUsername(ctx context.Context, username string) (Account, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

// RelinkAccount moves an existing account to a new chat. The unique index on
// chat_id rejects the move if the chat already owns a different account.
func (t *Tx) RelinkAccount(ctx context.Context, username string, chatID int64, tgUsername string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts
		 SET chat_id = ?, is_registered = 1, tg_username = ?, linked_at = ?
		 WHERE username = ?`,
		chatID, nullStr(tgUsername), msOf(now), username)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// InsertLinkedAccount creates the shell account produced by a first successful
// token consumption. The password hash is an unusable placeholder; the
// identity was authenticated by the platform-issued token.
func (t *Tx) InsertLinkedAccount(ctx context.Context, chatID int64, username, placeholderHash, tgUsername string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts(chat_id, username, password_hash, is_registered, created_at, tg_username, linked_at)
		 VALUES(?,?,?,1,?,?,?)`,
		chatID, username, placeholderHash, msOf(now), nullStr(tgUsername), msOf(now))
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// CreateRegistered is the direct-registration path (username + password from
// the chat wizard). Uniqueness is enforced by the constraints, not a
// pre-check, so a racing duplicate surfaces as ErrConflict instead of a
// second row.
func (s *Store) CreateRegistered(ctx context.Context, chatID int64, username, passwordHash string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(chat_id, username, password_hash, is_registered, created_at)
		 VALUES(?,?,?,1,?)`,
		chatID, username, passwordHash, msOf(now))
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// AccountByUsername is the single-read variant used outside linking decisions
// (issuance response, notification routing).
func (s *Store) AccountByUsername(ctx context.Context, username string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

// AccountByChat is the single-read variant used by bot commands.
func (s *Store) AccountByChat(ctx context.Context, chatID int64) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE chat_id = ?`, chatID)
	return scanAccount(row)
}

// CountWatchedServices returns how many services the chat receives alerts for.
func (s *Store) CountWatchedServices(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM watched_services WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}

// AddWatchedService records a service the chat wants alerts for.
func (s *Store) AddWatchedService(ctx context.Context, chatID int64, name, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watched_services(chat_id, name, url) VALUES(?,?,?)`,
		chatID, name, nullStr(url))
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

func scanAccount(r rowScanner) (Account, error) {
	var (
		acc        Account
		registered int
		createdAt  int64
		tgUsername sql.NullString
		linkedAt   sql.NullInt64
	)
	err := r.Scan(&acc.ChatID, &acc.Username, &acc.PasswordHash, &registered, &createdAt, &tgUsername, &linkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	acc.Registered = registered != 0
	acc.CreatedAt = time.UnixMilli(createdAt)
	acc.TGUsername = tgUsername.String
	acc.LinkedAt = timeOf(linkedAt)
	return acc, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
