// Package storage persists the token store and the account directory in a
// single sqlite database (modernc.org/sqlite, no cgo).
//
// The linking engine performs its read-decide-write sequences through InTx;
// uniqueness constraints on accounts(username) and accounts(chat_id) back up
// the transactional discipline against lost races.
package storage
