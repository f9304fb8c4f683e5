// Package linking implements the account-linking state machine: single-use
// expiring tokens that bind a monitoring-platform username to a Telegram
// chat, with race-safe consumption and a closed set of outcomes.
package linking
