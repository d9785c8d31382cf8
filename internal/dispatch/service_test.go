package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"quotecast/internal/catalog"
	"quotecast/internal/roster"
	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type sentMedia struct {
	Identity string
	MediaRef string
	Caption  string
}

type fakeClient struct {
	mu     sync.Mutex
	sends  []sentMedia
	errs   map[string][]error
	onSend func(identity string)
}

func (f *fakeClient) Start(ctx context.Context, out chan<- transport.Event) error { return nil }
func (f *fakeClient) Stop(ctx context.Context) error                              { return nil }
func (f *fakeClient) SendText(ctx context.Context, identity, text string) error   { return nil }

func (f *fakeClient) SendMedia(ctx context.Context, identity, mediaRef, caption string) error {
	f.mu.Lock()
	f.sends = append(f.sends, sentMedia{identity, mediaRef, caption})
	var err error
	if q := f.errs[identity]; len(q) > 0 {
		err = q[0]
		f.errs[identity] = q[1:]
	}
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(identity)
	}
	return err
}

func (f *fakeClient) sent() []sentMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMedia, len(f.sends))
	copy(out, f.sends)
	return out
}

func fastConfig() Config {
	return Config{
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		PauseBase:   time.Nanosecond,
		PauseJitter: time.Nanosecond,
		RatePerSec:  1000,
	}
}

func recipients(ids ...string) []roster.Subscriber {
	out := make([]roster.Subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, roster.Subscriber{DisplayName: "S", Identity: id})
	}
	return out
}

func TestRunCoversEveryRecipientInOrder(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	item := catalog.Item{Text: "A", ImageRef: "img1"}
	rep, err := s.Run(context.Background(), 0, item, recipients("1111", "2222", "3333"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(rep.Outcomes))
	}
	for i, want := range []string{"1111", "2222", "3333"} {
		if rep.Outcomes[i].Identity != want {
			t.Fatalf("outcome[%d] = %q, want %q", i, rep.Outcomes[i].Identity, want)
		}
		if !rep.Outcomes[i].OK() {
			t.Fatalf("outcome[%d] failed: %s", i, rep.Outcomes[i].Err)
		}
	}
	if rep.Sent != 3 || rep.Failed != 0 {
		t.Fatalf("sent/failed = %d/%d, want 3/0", rep.Sent, rep.Failed)
	}
	sends := fc.sent()
	if len(sends) != 3 {
		t.Fatalf("send attempts = %d, want 3", len(sends))
	}
	if sends[0] != (sentMedia{"1111", "img1", "A"}) {
		t.Fatalf("first send = %+v", sends[0])
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	netErr := errors.New("timeout")
	fc := &fakeClient{errs: map[string][]error{"1111": {netErr, netErr}}}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, err := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("1111"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Outcomes[0].OK() {
		t.Fatalf("expected success after retries, got %q", rep.Outcomes[0].Err)
	}
	if rep.Outcomes[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rep.Outcomes[0].Attempts)
	}
}

func TestRunStopsRetryingAfterBudget(t *testing.T) {
	t.Parallel()
	netErr := errors.New("timeout")
	fc := &fakeClient{errs: map[string][]error{"1111": {netErr, netErr, netErr, netErr}}}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, _ := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("1111"))
	oc := rep.Outcomes[0]
	if oc.OK() {
		t.Fatal("expected failure after exhausting retries")
	}
	if oc.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + RetryMax)", oc.Attempts)
	}
	if rep.Failed != 1 {
		t.Fatalf("failed = %d, want 1", rep.Failed)
	}
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{errs: map[string][]error{
		"bad": {transport.Permanentf("invalid identity")},
	}}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, _ := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("bad", "2222"))
	if rep.Outcomes[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent)", rep.Outcomes[0].Attempts)
	}
	// The failure must not block the next recipient.
	if !rep.Outcomes[1].OK() {
		t.Fatalf("second recipient failed: %s", rep.Outcomes[1].Err)
	}
	if rep.Sent != 1 || rep.Failed != 1 {
		t.Fatalf("sent/failed = %d/%d, want 1/1", rep.Sent, rep.Failed)
	}
}

func TestRunCancellationStillCoversSnapshot(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeClient{}
	fc.onSend = func(identity string) {
		if identity == "1111" {
			cancel()
		}
	}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, err := s.Run(ctx, 0, catalog.Item{Text: "A"}, recipients("1111", "2222", "3333"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3 even when canceled", len(rep.Outcomes))
	}
	// The in-flight recipient finishes; the rest are marked canceled.
	if !rep.Outcomes[0].OK() {
		t.Fatalf("first outcome failed: %s", rep.Outcomes[0].Err)
	}
	for i := 1; i < 3; i++ {
		if rep.Outcomes[i].Err != context.Canceled.Error() {
			t.Fatalf("outcome[%d].Err = %q, want canceled", i, rep.Outcomes[i].Err)
		}
	}
	if got := len(fc.sent()); got != 1 {
		t.Fatalf("sends after cancel = %d, want 1", got)
	}
}

func TestRunSkipsDuplicateRecipients(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, _ := s.Run(context.Background(), 0, catalog.Item{Text: "A"},
		recipients("1111", "+1111", "2222"))
	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(rep.Outcomes))
	}
	if rep.Outcomes[1].OK() {
		t.Fatal("duplicate should be recorded as failed, not sent twice")
	}
	if got := len(fc.sent()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fc := &fakeClient{}
	fc.onSend = func(string) {
		once.Do(func() { close(started) })
		<-release
	}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("1111"))
	}()
	<-started

	if _, err := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("2222")); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	close(release)
	<-done

	if _, err := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, recipients("2222")); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRunRecordsPauseFailureReason(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	s := New(Config{
		RetryBase:   time.Millisecond,
		PauseBase:   time.Nanosecond,
		PauseJitter: time.Nanosecond,
		RatePerSec:  1,
	}, fc, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	rep, err := s.Run(ctx, 0, catalog.Item{Text: "A"}, recipients("1111", "2222", "3333"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(rep.Outcomes))
	}
	// The third recipient needs a limiter token a full second out, past the
	// deadline; the limiter reports that before the context is canceled, and
	// the outcome must carry that reason rather than a canceled marker.
	oc := rep.Outcomes[2]
	if oc.OK() {
		t.Fatal("expected the rate limiter to fail the third recipient")
	}
	if oc.Err == context.Canceled.Error() {
		t.Fatalf("Err = %q, want the limiter's reason", oc.Err)
	}
	if !strings.Contains(oc.Err, "deadline") {
		t.Fatalf("Err = %q, want a deadline reason", oc.Err)
	}
}

func TestRunEmptyRecipients(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	s := New(fastConfig(), fc, logx.Nop(), nil)

	rep, err := s.Run(context.Background(), 0, catalog.Item{Text: "A"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 0 || rep.Sent != 0 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}
