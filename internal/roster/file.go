package roster

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	logx "quotecast/pkg/logx"
)

// fileStore keeps the whole roster as one JSON array, rewritten on every
// mutation. The rewrite goes through a temp file + fsync + rename so a crash
// mid-write never corrupts the committed state. A single mutex serializes
// writers; reads hand out copies so a concurrent dispatch sees a consistent
// snapshot.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	subs []Subscriber
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("roster.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("roster file missing; starting empty", logx.String("path", path))
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &s.subs); err != nil {
			log.Warn("roster file corrupt; starting empty", logx.String("path", path), logx.Err(err))
			s.subs = nil
		}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) ListActive(ctx context.Context) ([]Subscriber, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscriber, len(s.subs))
	copy(out, s.subs)
	return out, nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs), nil
}

func (s *fileStore) Remove(ctx context.Context, identity string) (Subscriber, error) {
	_ = ctx
	want := CanonicalIdentity(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sub := range s.subs {
		if CanonicalIdentity(sub.Identity) == want {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Subscriber{}, ErrNotFound
	}

	removed := s.subs[idx]
	next := make([]Subscriber, 0, len(s.subs)-1)
	next = append(next, s.subs[:idx]...)
	next = append(next, s.subs[idx+1:]...)

	// Persist before committing: memory must never run ahead of disk.
	if err := s.persistLocked(next); err != nil {
		return Subscriber{}, err
	}
	s.subs = next
	return removed, nil
}

func (s *fileStore) Add(ctx context.Context, sub Subscriber) error {
	_ = ctx
	want := CanonicalIdentity(sub.Identity)
	if want == "" {
		return errors.New("subscriber identity has no digits")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.subs {
		if CanonicalIdentity(cur.Identity) == want {
			return ErrExists
		}
	}

	next := make([]Subscriber, 0, len(s.subs)+1)
	next = append(next, s.subs...)
	next = append(next, sub)

	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.subs = next
	return nil
}

func (s *fileStore) persistLocked(subs []Subscriber) error {
	if subs == nil {
		subs = []Subscriber{}
	}
	b, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
