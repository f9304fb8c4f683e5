package notify

import "time"

// Config controls the async Telegram send pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Alert is one monitoring event to relay. The HTTP boundary fills it from
// the platform's send-notification request.
type Alert struct {
	Username    string
	ServiceName string
	ServiceURL  string
	Status      Status
	Message     string
	At          time.Time
}

type Status string

const (
	StatusDown Status = "down"
	StatusUp   Status = "up"
)

// ParseStatus normalizes the wire value; anything that isn't "up" counts as
// an outage, matching the platform's behavior.
func ParseStatus(s string) Status {
	if s == "up" {
		return StatusUp
	}
	return StatusDown
}
