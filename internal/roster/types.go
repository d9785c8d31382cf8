package roster

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is a result, not a failure: callers decide what to reply.
	ErrNotFound = errors.New("subscriber not found")
	// ErrExists reports a violation of the canonical-identity uniqueness
	// invariant on Add.
	ErrExists = errors.New("subscriber already exists")
)

// Subscriber is one roster entry. Identity is the channel address as given;
// all matching happens on its canonical (digits-only) form.
type Subscriber struct {
	DisplayName string `json:"display_name"`
	Identity    string `json:"identity"`
}

// Store is the subscriber roster. Mutations are committed only after a
// durable write; a failed persist leaves the previously committed state
// intact, both on disk and in memory.
type Store interface {
	// ListActive returns a snapshot in stable order. Mutating the returned
	// slice does not affect the store.
	ListActive(ctx context.Context) ([]Subscriber, error)
	// Remove deletes the subscriber whose canonical identity matches and
	// returns it. ErrNotFound when no entry matches.
	Remove(ctx context.Context, identity string) (Subscriber, error)
	// Add inserts a new subscriber. ErrExists when the canonical identity
	// is already present.
	Add(ctx context.Context, sub Subscriber) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures the persistence driver.
//
// Driver values:
//   - "file" (default): JSON array rewritten atomically on every mutation
//   - "sqlite": SQLite database file (requires the sqlite build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
