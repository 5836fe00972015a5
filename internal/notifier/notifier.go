// Package notifier forwards noteworthy fleet events to an operator chat.
// Delivery is best-effort: alerts are rate limited, retried a few times, and
// dropped rather than ever blocking the engine.
package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

// Sender delivers one text message to an operator chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Enabled    bool
	ChatID     int64
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		bus:    bus,
		log:    log,
		// Burst = rate so short spikes don't stall behind the bucket.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Run consumes bus events until ctx is done. Run under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled || s.sender == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ch, unsub := s.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text := format(ev)
			if text == "" {
				continue
			}
			s.deliver(ctx, text)
		}
	}
}

// format renders an alert line, or "" for event types the operator does not
// care about (successful sends are far too chatty).
func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeBotStarted:
		if be, ok := ev.Data.(eventbus.BotEvent); ok {
			return fmt.Sprintf("▶️ bot %s started", be.BotID)
		}
	case eventbus.TypeBotStopped:
		if be, ok := ev.Data.(eventbus.BotEvent); ok {
			return fmt.Sprintf("⏹ bot %s stopped", be.BotID)
		}
	case eventbus.TypeSendFailed:
		if se, ok := ev.Data.(eventbus.SendEvent); ok {
			return fmt.Sprintf("⚠️ bot %s failed to post to %d: %s", se.BotID, se.ChannelID, se.Error)
		}
	case eventbus.TypeAuth:
		if be, ok := ev.Data.(eventbus.BotEvent); ok {
			return fmt.Sprintf("🔑 account %s: %s", be.BotID, be.Detail)
		}
	}
	return ""
}

func (s *Service) deliver(ctx context.Context, text string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	attempts := 1 + s.cfg.RetryMax
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(callCtx, s.cfg.ChatID, text)
		cancel()
		if err == nil {
			return
		}
		s.log.Debug("alert send failed",
			logx.Int("attempt", attempt), logx.Err(err))
		if attempt >= attempts {
			return
		}

		t := time.NewTimer(s.cfg.RetryBase << (attempt - 1))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
}
