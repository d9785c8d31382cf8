package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "quotecast/internal/runtime/supervisor"
	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Client adapts telebot to the transport.Client capability. Recipient
// identities are decimal Telegram chat ids.
type Client struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Event
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and stop watcher; created on Start().
	sup *rtsup.Supervisor

	// dropped counts events discarded because the consumer was slower than
	// the poll loop; reported periodically instead of per event.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Event
	c.out.Store(nilOut)
	c.registerHandlers()
	return c, nil
}

func (c *Client) registerHandlers() {
	// Handlers forward to the CURRENT output channel; Start() may swap it.
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		c.emit(transport.Event{
			Kind:   transport.EventMessage,
			Sender: strconv.FormatInt(m.Chat.ID, 10),
			Text:   m.Text,
		})
		return nil
	})
}

func (c *Client) emit(e transport.Event) {
	v := c.out.Load()
	out, _ := v.(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- e:
	default:
		atomic.AddUint64(&c.dropped, 1)
	}
}

func (c *Client) Start(ctx context.Context, out chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.out.Store(out)
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.runMu.Unlock()

	sup.Go0("events.drop_report", func(cc context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cc.Done():
				if n := atomic.SwapUint64(&c.dropped, 0); n > 0 {
					c.log.Warn("inbound events dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&c.dropped, 0); n > 0 {
					c.log.Warn("inbound events dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(cc context.Context) {
		<-cc.Done()
		if c.bot != nil {
			c.bot.Stop()
		}
	})

	// Telebot's Start() blocks until Stop(). If it exits while the context
	// is still active, surface a lost session and let the loop reconnect.
	sup.GoRestart("telebot.poll", func(cc context.Context) error {
		c.log.Info("polling started")
		c.emit(transport.Event{Kind: transport.EventReady})
		if c.bot != nil {
			c.bot.Start()
		}
		c.log.Info("polling stopped")
		if cc.Err() == nil {
			c.emit(transport.Event{Kind: transport.EventAuthFailure, Reason: "polling stopped unexpectedly"})
			return errors.New("polling stopped unexpectedly")
		}
		return nil
	})

	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	var nilOut chan<- transport.Event
	c.out.Store(nilOut)
	c.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	if c.bot != nil {
		go c.bot.Stop()
	}

	if sup == nil {
		return nil
	}
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		c.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (c *Client) SendMedia(ctx context.Context, identity, mediaRef, caption string) error {
	chat, err := chatFor(identity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromURL(mediaRef), Caption: caption}
	_, err = c.bot.Send(chat, photo)
	return classify(err)
}

func (c *Client) SendText(ctx context.Context, identity, text string) error {
	chat, err := chatFor(identity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = c.bot.Send(chat, text)
	return classify(err)
}

func chatFor(identity string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(identity), 10, 64)
	if err != nil {
		return nil, transport.Permanentf("invalid identity %q: %v", identity, err)
	}
	return &tele.Chat{ID: id}, nil
}

// classify maps Telegram API failures onto the core taxonomy: 4xx responses
// (bad chat, blocked, malformed media URL) cannot be fixed by retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 {
		return transport.Permanent(err)
	}
	return err
}
