package inbound

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quotecast/internal/roster"
	"quotecast/internal/session"
	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type replyClient struct {
	mu      sync.Mutex
	texts   []string
	targets []string
	sendErr error
}

func (c *replyClient) Start(ctx context.Context, out chan<- transport.Event) error { return nil }
func (c *replyClient) Stop(ctx context.Context) error                              { return nil }
func (c *replyClient) SendMedia(ctx context.Context, identity, mediaRef, caption string) error {
	return nil
}

func (c *replyClient) SendText(ctx context.Context, identity, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, identity)
	c.texts = append(c.texts, text)
	return c.sendErr
}

func (c *replyClient) replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

type failingStore struct {
	roster.Store
	removeErr error
}

func (f *failingStore) Remove(ctx context.Context, identity string) (roster.Subscriber, error) {
	return roster.Subscriber{}, f.removeErr
}

func newStore(t *testing.T, subs ...roster.Subscriber) roster.Store {
	t.Helper()
	st, err := roster.Open(roster.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "subscribers.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range subs {
		if err := st.Add(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func newHandler(t *testing.T, cfg Config, st roster.Store) (*Handler, *replyClient) {
	t.Helper()
	rc := &replyClient{}
	return New(cfg, st, rc, session.New(logx.Nop()), logx.Nop(), nil), rc
}

func TestClassify(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, Config{
		UnsubscribeKeywords: []string{"STOP", "berhenti"},
		ResubscribeKeywords: []string{"start"},
	}, nil)

	tests := []struct {
		text string
		want Intent
	}{
		{"STOP", IntentUnsubscribe},
		{"stop", IntentUnsubscribe},
		{"  Stop  ", IntentUnsubscribe},
		{"Berhenti", IntentUnsubscribe},
		{"START", IntentResubscribe},
		{"please stop", IntentNone},
		{"hello", IntentNone},
		{"", IntentNone},
	}
	for _, tt := range tests {
		if got := h.classify(tt.text); got != tt.want {
			t.Fatalf("classify(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestUnsubscribeRemovesAndConfirms(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "1111"})
	h, rc := newHandler(t, Config{}, st)
	ctx := context.Background()

	h.HandleMessage(ctx, "1111", "STOP")

	if n, _ := st.Len(ctx); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
	replies := rc.replies()
	if len(replies) != 1 || replies[0] != defaultUnsubscribedReply {
		t.Fatalf("replies = %v", replies)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "+1-555-0100"})
	h, rc := newHandler(t, Config{}, st)
	ctx := context.Background()

	h.HandleMessage(ctx, "+1-555-0100", "stop")
	h.HandleMessage(ctx, "+1-555-0100", "stop")

	if n, _ := st.Len(ctx); n != 0 {
		t.Fatalf("Len = %d, want 0 (decremented exactly once)", n)
	}
	replies := rc.replies()
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}
	if replies[0] != defaultUnsubscribedReply || replies[1] != defaultNotSubscribedReply {
		t.Fatalf("replies = %v", replies)
	}
}

func TestUnsubscribeUnknownSenderNeutralReply(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "1111"})
	h, rc := newHandler(t, Config{}, st)

	h.HandleMessage(context.Background(), "9999", "stop")

	if n, _ := st.Len(context.Background()); n != 1 {
		t.Fatal("unknown sender must not mutate the roster")
	}
	replies := rc.replies()
	if len(replies) != 1 || replies[0] != defaultNotSubscribedReply {
		t.Fatalf("replies = %v", replies)
	}
}

func TestUnsubscribePersistFailureSendsNoReply(t *testing.T) {
	t.Parallel()
	st := &failingStore{removeErr: errors.New("disk full")}
	h, rc := newHandler(t, Config{}, st)

	h.HandleMessage(context.Background(), "1111", "stop")

	if got := rc.replies(); len(got) != 0 {
		t.Fatalf("expected no reply on persist failure, got %v", got)
	}
}

func TestFreeTextIgnored(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "1111"})
	h, rc := newHandler(t, Config{}, st)

	h.HandleMessage(context.Background(), "1111", "what is this?")

	if n, _ := st.Len(context.Background()); n != 1 {
		t.Fatal("free text must not mutate the roster")
	}
	if got := rc.replies(); len(got) != 0 {
		t.Fatalf("free text must produce no reply, got %v", got)
	}
}

func TestResubscribeDisabledGuidance(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	h, rc := newHandler(t, Config{}, st)

	h.HandleMessage(context.Background(), "1111", "start")

	if n, _ := st.Len(context.Background()); n != 0 {
		t.Fatal("disabled resubscribe must not mutate the roster")
	}
	replies := rc.replies()
	if len(replies) != 1 || replies[0] != defaultResubDisabledReply {
		t.Fatalf("replies = %v", replies)
	}
}

func TestResubscribeEnabled(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	h, rc := newHandler(t, Config{AllowResubscribe: true}, st)
	ctx := context.Background()

	h.HandleMessage(ctx, "1111", "start")
	h.HandleMessage(ctx, "1111", "start")

	if n, _ := st.Len(ctx); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	replies := rc.replies()
	if len(replies) != 2 || replies[0] != defaultResubscribedReply || replies[1] != defaultAlreadyOnListReply {
		t.Fatalf("replies = %v", replies)
	}
}

func TestReplyFailureIsAdvisory(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "1111"})
	rc := &replyClient{sendErr: errors.New("network down")}
	h := New(Config{}, st, rc, session.New(logx.Nop()), logx.Nop(), nil)

	h.HandleMessage(context.Background(), "1111", "stop")

	// The mutation must stand even though the confirmation failed.
	if n, _ := st.Len(context.Background()); n != 0 {
		t.Fatal("mutation must commit regardless of reply failure")
	}
}

func TestLoopRoutesLifecycleToSession(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	state := session.New(logx.Nop())
	h := New(Config{}, st, &replyClient{}, state, logx.Nop(), nil)

	events := make(chan transport.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Loop(ctx, events)
	}()

	events <- transport.Event{Kind: transport.EventReady}
	deadline := time.After(2 * time.Second)
	for !state.Ready() {
		select {
		case <-deadline:
			t.Fatal("session never became ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestApplyConcurrentWithMessages(t *testing.T) {
	t.Parallel()
	st := newStore(t, roster.Subscriber{DisplayName: "Ana", Identity: "1111"})
	h, _ := newHandler(t, Config{}, st)
	ctx := context.Background()

	// Hot reload must be safe against a message in flight; run both hot
	// under the race detector.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			kw := "stop"
			if i%2 == 0 {
				kw = "berhenti"
			}
			h.Apply(Config{
				UnsubscribeKeywords: []string{kw},
				ResubscribeKeywords: []string{"start"},
			})
		}
	}()
	for i := 0; i < 200; i++ {
		h.HandleMessage(ctx, "9999", "stop")
		h.HandleMessage(ctx, "9999", "start")
		h.HandleMessage(ctx, "9999", "hello")
	}
	<-done

	if n, _ := st.Len(ctx); n != 1 {
		t.Fatalf("Len = %d, want 1 (unknown sender must not mutate)", n)
	}
}

func TestLoopSurvivesBadEvent(t *testing.T) {
	t.Parallel()
	// A nil store makes unsubscribe panic; the loop must keep consuming.
	h := New(Config{}, nil, &replyClient{}, session.New(logx.Nop()), logx.Nop(), nil)

	events := make(chan transport.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Loop(ctx, events)
	}()

	events <- transport.Event{Kind: transport.EventMessage, Sender: "1111", Text: "stop"}
	events <- transport.Event{Kind: transport.EventReady}

	state := h.state
	deadline := time.After(2 * time.Second)
	for !state.Ready() {
		select {
		case <-deadline:
			t.Fatal("loop died on a panicking event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
