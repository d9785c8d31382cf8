// Package scheduler fires the daily dispatch trigger: one cron entry in a
// configured timezone, gated on channel-session readiness. A tick whose
// precondition fails is skipped and logged, never queued; no tick catches up
// on missed ones.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"quotecast/internal/eventbus"
	logx "quotecast/pkg/logx"
)

// DefaultSpec is the canonical daily schedule: 09:00 in the configured zone.
const DefaultSpec = "0 9 * * *"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// Gate reports whether dispatch preconditions hold (session authenticated
// and connected). Satisfied by *session.State.
type Gate interface {
	Ready() bool
}

// Job runs one dispatch. now is already in the schedule's timezone, so
// content selection sees the correct calendar date.
type Job func(ctx context.Context, now time.Time)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	parser cron.Parser

	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context

	gate Gate
	job  Job
	log  logx.Logger
	bus  eventbus.Bus
}

func New(cfg Config, gate Gate, job Job, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		gate:   gate,
		job:    job,
		log:    log,
		bus:    bus,
	}
}

// Validate checks a config without starting anything; the config manager
// uses it to reject bad hot reloads.
func Validate(cfg Config) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(specOrDefault(cfg.Spec)); err != nil {
		return fmt.Errorf("schedule.spec: invalid %q: %w", cfg.Spec, err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply installs a new config; if the trigger is running and spec or
// timezone changed, the cron is restarted. The wait for in-flight jobs
// happens with the mutex released: a tick takes the same mutex on the cron
// goroutine, so waiting under the lock would deadlock against it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	changed := s.cfg.Spec != cfg.Spec || s.cfg.Timezone != cfg.Timezone
	s.cfg = cfg
	var old *cron.Cron
	if s.c != nil && changed && cfg.Enabled {
		old = s.c
		s.c = nil
	}
	s.mu.Unlock()
	if old == nil {
		return
	}

	<-old.Stop().Done()

	s.mu.Lock()
	if s.c == nil && s.runCtx != nil {
		s.startLocked()
	}
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	spec := specOrDefault(s.cfg.Spec)
	if _, err := s.c.AddFunc(spec, s.tick); err != nil {
		s.log.Error("invalid schedule spec; trigger not armed", logx.String("spec", spec), logx.Err(err))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// tick runs on the cron goroutine. Each tick is independent: the gate is
// re-checked every time and a not-ready tick is dropped on the floor.
func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.runCtx
	loc := s.loc
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if loc == nil {
		loc = time.Local
	}

	if s.gate != nil && !s.gate.Ready() {
		s.log.Warn("tick skipped: session not ready")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "scheduler.tick_skipped"})
		}
		return
	}
	if s.job != nil {
		s.job(ctx, time.Now().In(loc))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using system local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func specOrDefault(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultSpec
	}
	return spec
}
