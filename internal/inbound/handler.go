// Package inbound consumes the transport event stream: lifecycle events feed
// the session state, inbound texts drive the subscriber keyword state
// machine (unsubscribe / resubscribe / ignore).
package inbound

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"quotecast/internal/eventbus"
	"quotecast/internal/roster"
	"quotecast/internal/session"
	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type Config struct {
	UnsubscribeKeywords []string
	ResubscribeKeywords []string
	// AllowResubscribe enables re-adding a sender on a resubscribe keyword.
	// When false the sender gets a guidance reply instead.
	AllowResubscribe bool

	// Reply texts. Empty strings fall back to built-in defaults.
	UnsubscribedReply  string
	NotSubscribedReply string
	ResubscribedReply  string
	ResubDisabledReply string
	AlreadyOnListReply string
}

const (
	defaultUnsubscribedReply  = "You have been unsubscribed. Reply START to receive the daily quote again."
	defaultNotSubscribedReply = "This number is not on the daily quote list."
	defaultResubscribedReply  = "Welcome back! You will receive the daily quote again."
	defaultResubDisabledReply = "Subscriptions are managed by the operator; this list does not support self-signup."
	defaultAlreadyOnListReply = "This number already receives the daily quote."
)

type Handler struct {
	// mu guards cfg and the keyword sets: Apply runs on the config-reload
	// goroutine while the event loop reads them.
	mu    sync.RWMutex
	cfg   Config
	unsub keywordSet
	resub keywordSet

	store  roster.Store
	client transport.Client
	state  *session.State
	log    logx.Logger
	bus    eventbus.Bus
}

func New(cfg Config, store roster.Store, client transport.Client, state *session.State, log logx.Logger, bus eventbus.Bus) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		store:  store,
		client: client,
		state:  state,
		log:    log,
		bus:    bus,
	}
	h.Apply(cfg)
	return h
}

// Apply installs new keyword sets and reply texts (config hot reload).
func (h *Handler) Apply(cfg Config) {
	if len(cfg.UnsubscribeKeywords) == 0 {
		cfg.UnsubscribeKeywords = []string{"stop", "unsubscribe"}
	}
	if len(cfg.ResubscribeKeywords) == 0 {
		cfg.ResubscribeKeywords = []string{"start", "subscribe"}
	}
	unsub := newKeywordSet(cfg.UnsubscribeKeywords)
	resub := newKeywordSet(cfg.ResubscribeKeywords)

	h.mu.Lock()
	h.cfg = cfg
	h.unsub = unsub
	h.resub = resub
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Loop consumes events until ctx is canceled. It is a long-lived loop: no
// single event may take it down, so each event is handled behind a recover.
func (h *Handler) Loop(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errors.New("event channel closed")
			}
			h.handle(ctx, e)
		}
	}
}

func (h *Handler) handle(ctx context.Context, e transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic handling event",
				logx.String("kind", string(e.Kind)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	switch e.Kind {
	case transport.EventMessage:
		h.handleMessage(ctx, e.Sender, e.Text)
	default:
		if h.state != nil {
			h.state.Apply(e)
		}
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: "session." + string(e.Kind)})
		}
	}
}

// HandleMessage classifies one inbound text and mutates the roster
// accordingly. Exported for the app's tests and any synchronous callers;
// Loop is the normal entry point.
func (h *Handler) HandleMessage(ctx context.Context, sender, text string) {
	h.handleMessage(ctx, sender, text)
}

func (h *Handler) handleMessage(ctx context.Context, sender, text string) {
	intent := h.classify(text)
	h.log.Debug("inbound message classified",
		logx.String("from", sender),
		logx.String("intent", intent.String()))

	switch intent {
	case IntentUnsubscribe:
		h.unsubscribe(ctx, sender)
	case IntentResubscribe:
		h.resubscribe(ctx, sender)
	case IntentNone:
		// No state change, no reply.
	}
}

func (h *Handler) unsubscribe(ctx context.Context, sender string) {
	cfg := h.config()
	removed, err := h.store.Remove(ctx, sender)
	switch {
	case err == nil:
		h.log.Info("subscriber removed",
			logx.String("identity", removed.Identity),
			logx.String("name", removed.DisplayName))
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: "roster.removed", Data: removed.Identity})
		}
		h.reply(ctx, sender, textOr(cfg.UnsubscribedReply, defaultUnsubscribedReply))
	case errors.Is(err, roster.ErrNotFound):
		// Idempotent: repeated STOP lands here, never an error. The reply
		// stays neutral so list contents don't leak.
		h.log.Debug("unsubscribe for unknown identity", logx.String("from", sender))
		h.reply(ctx, sender, textOr(cfg.NotSubscribedReply, defaultNotSubscribedReply))
	default:
		// Persistence failed: the mutation did not commit, so no
		// confirmation may be sent.
		h.log.Error("unsubscribe failed to persist", logx.String("from", sender), logx.Err(err))
	}
}

func (h *Handler) resubscribe(ctx context.Context, sender string) {
	cfg := h.config()
	if !cfg.AllowResubscribe {
		h.reply(ctx, sender, textOr(cfg.ResubDisabledReply, defaultResubDisabledReply))
		return
	}
	err := h.store.Add(ctx, roster.Subscriber{Identity: sender})
	switch {
	case err == nil:
		h.log.Info("subscriber added", logx.String("identity", sender))
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: "roster.added", Data: sender})
		}
		h.reply(ctx, sender, textOr(cfg.ResubscribedReply, defaultResubscribedReply))
	case errors.Is(err, roster.ErrExists):
		h.reply(ctx, sender, textOr(cfg.AlreadyOnListReply, defaultAlreadyOnListReply))
	default:
		h.log.Error("resubscribe failed to persist", logx.String("from", sender), logx.Err(err))
	}
}

// reply is advisory: the roster mutation has already committed, so a failed
// confirmation is logged and dropped, never raised.
func (h *Handler) reply(ctx context.Context, to, text string) {
	if h.client == nil {
		return
	}
	if err := h.client.SendText(ctx, to, text); err != nil {
		h.log.Warn("confirmation reply failed", logx.String("to", to), logx.Err(err))
	}
}

func textOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
