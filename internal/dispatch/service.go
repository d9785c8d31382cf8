package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"quotecast/internal/catalog"
	"quotecast/internal/eventbus"
	"quotecast/internal/roster"
	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	client transport.Client
	log    logx.Logger
	bus    eventbus.Bus
	rng    *rand.Rand

	running atomic.Bool
}

func New(cfg Config, client transport.Client, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		client: client,
		log:    log,
		bus:    bus,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.Apply(cfg)
	return s
}

// Apply installs a new config. Safe to call while a run is in flight; the
// run snapshots what it needs per send.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Run delivers item to every recipient in listed order and returns a report
// with exactly one outcome per recipient. Recipients are processed
// sequentially; this is a deliberate throttle. Only one run may be in
// flight at a time: a second call returns ErrRunInProgress.
//
// On ctx cancellation the current recipient finishes and the remainder are
// recorded as canceled, so the outcome set still covers the whole snapshot.
func (s *Service) Run(ctx context.Context, itemIndex int, item catalog.Item, recipients []roster.Subscriber) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	rep := Report{
		ItemIndex: itemIndex,
		ItemText:  item.Text,
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, 0, len(recipients)),
	}
	s.log.Info("dispatch run started",
		logx.Int("item", itemIndex),
		logx.Int("recipients", len(recipients)))

	seen := make(map[string]bool, len(recipients))
	canceled := false
	for i, rcpt := range recipients {
		if canceled || ctx.Err() != nil {
			canceled = true
			rep.Outcomes = append(rep.Outcomes, Outcome{Identity: rcpt.Identity, Err: context.Canceled.Error()})
			rep.Failed++
			continue
		}

		// The roster guarantees canonical uniqueness; if a snapshot still
		// carries a duplicate, record it without sending twice.
		key := roster.CanonicalIdentity(rcpt.Identity)
		if seen[key] {
			rep.Outcomes = append(rep.Outcomes, Outcome{Identity: rcpt.Identity, Err: "duplicate recipient in snapshot"})
			rep.Failed++
			continue
		}
		seen[key] = true

		if i > 0 {
			if err := s.pause(ctx); err != nil {
				// The limiter can also fail without a cancellation (wait
				// would exceed the context deadline); keep the real reason.
				canceled = true
				rep.Outcomes = append(rep.Outcomes, Outcome{Identity: rcpt.Identity, Err: err.Error()})
				rep.Failed++
				continue
			}
		}

		attempts, err := s.sendOne(ctx, rcpt.Identity, item)
		oc := Outcome{Identity: rcpt.Identity, Attempts: attempts}
		if err != nil {
			oc.Err = err.Error()
			rep.Failed++
			s.log.Warn("delivery failed",
				logx.String("to", rcpt.Identity),
				logx.Int("attempts", attempts),
				logx.Bool("permanent", transport.IsPermanent(err)),
				logx.Err(err))
		} else {
			rep.Sent++
			s.log.Info("content delivered",
				logx.String("to", rcpt.Identity),
				logx.Int("attempts", attempts))
		}
		rep.Outcomes = append(rep.Outcomes, oc)
	}

	rep.Took = time.Since(rep.StartedAt)
	fields := []logx.Field{
		logx.Int("item", rep.ItemIndex),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 {
		s.log.Warn("dispatch run finished with failures", fields...)
	} else {
		s.log.Info("dispatch run finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "dispatch.finished", Data: rep})
	}
	return rep, nil
}

// sendOne attempts delivery with bounded retry. Permanent failures return
// immediately; transient ones back off multiplicatively between attempts.
func (s *Service) sendOne(ctx context.Context, identity string, item catalog.Item) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	delay := cfg.RetryBase
	var last error
	attempts := 0
	for try := 0; try <= cfg.RetryMax; try++ {
		attempts++
		err := s.client.SendMedia(ctx, identity, item.ImageRef, item.Text)
		if err == nil {
			return attempts, nil
		}
		last = err
		if transport.IsPermanent(err) || ctx.Err() != nil || try == cfg.RetryMax {
			break
		}
		s.log.Debug("delivery retry scheduled",
			logx.String("to", identity),
			logx.Int("attempt", attempts+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		if err := sleepCtx(ctx, delay); err != nil {
			break
		}
		delay = time.Duration(float64(delay) * cfg.RetryFactor)
	}
	return attempts, last
}

// pause separates consecutive recipients: the rate limiter enforces the
// floor, the jittered sleep breaks up the burst pattern.
func (s *Service) pause(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	jitter := time.Duration(s.rng.Int63n(int64(cfg.PauseJitter) + 1))
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return sleepCtx(ctx, cfg.PauseBase+jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
