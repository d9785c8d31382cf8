package dispatch

import (
	"errors"
	"time"
)

// ErrRunInProgress is returned when a run is requested while another is
// still in flight. Ticks are skipped, never queued.
var ErrRunInProgress = errors.New("dispatch run already in progress")

type Config struct {
	// RetryMax is the number of extra attempts after the first send
	// (default 2, i.e. 3 attempts total). Only transient failures retry.
	RetryMax int
	// RetryBase is the delay before the first retry (default 1s); each
	// further retry multiplies it by RetryFactor (default 1.4).
	RetryBase   time.Duration
	RetryFactor float64
	// PauseBase plus a random jitter up to PauseJitter separates
	// consecutive recipients (defaults 2s + up to 1.5s), keeping the send
	// pattern below channel-side burst detection.
	PauseBase   time.Duration
	PauseJitter time.Duration
	// RatePerSec caps overall send rate (default 1).
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.RetryMax == 0 {
		c.RetryMax = 2
	} else if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 1.4
	}
	if c.PauseBase <= 0 {
		c.PauseBase = 2 * time.Second
	}
	if c.PauseJitter <= 0 {
		c.PauseJitter = 1500 * time.Millisecond
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	return c
}

// Outcome is the per-recipient result of one run.
type Outcome struct {
	Identity string
	Attempts int
	Err      string
}

func (o Outcome) OK() bool { return o.Err == "" }

// Report is the ephemeral record of one run. It is logged and published,
// never persisted. Outcomes covers exactly the recipient snapshot passed to
// Run, in order.
type Report struct {
	ItemIndex int
	ItemText  string
	StartedAt time.Time
	Took      time.Duration
	Outcomes  []Outcome
	Sent      int
	Failed    int
}
