package bot

import "sync"

// step is the registration wizard position for one chat.
type step int

const (
	stepUsername step = iota // waiting for the login
	stepPassword             // waiting for the password
)

type session struct {
	step     step
	username string // set once the username step completed
}

// sessionTable holds in-progress registration wizards keyed by chat id.
// State is owned here, removed explicitly on completion or /cancel; nothing
// else in the process keeps wizard state.
type sessionTable struct {
	mu sync.Mutex
	m  map[int64]session
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[int64]session)}
}

func (t *sessionTable) begin(chatID int64) {
	t.mu.Lock()
	t.m[chatID] = session{step: stepUsername}
	t.mu.Unlock()
}

func (t *sessionTable) get(chatID int64) (session, bool) {
	t.mu.Lock()
	s, ok := t.m[chatID]
	t.mu.Unlock()
	return s, ok
}

func (t *sessionTable) advance(chatID int64, username string) {
	t.mu.Lock()
	t.m[chatID] = session{step: stepPassword, username: username}
	t.mu.Unlock()
}

func (t *sessionTable) clear(chatID int64) {
	t.mu.Lock()
	delete(t.m, chatID)
	t.mu.Unlock()
}

func (t *sessionTable) active(chatID int64) bool {
	t.mu.Lock()
	_, ok := t.m[chatID]
	t.mu.Unlock()
	return ok
}
