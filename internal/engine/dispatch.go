package engine

import (
	"context"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

// dispatchLoop is the per-bot send cycle. Every pause goes through the clock
// so cancellation interrupts it promptly and tests can compress time.
func (e *Engine) dispatchLoop(ctx context.Context, b *bot) {
	defer close(b.done)
	log := e.log.With(logx.String("bot", b.id))
	log.Debug("dispatch loop running")

	for {
		if ctx.Err() != nil {
			return
		}
		now := e.clock.Now().In(e.loc)

		if b.cfg.ScheduleEnabled && !withinWindow(now, &b.cfg) {
			if e.clock.Sleep(ctx, e.gateRecheck) != nil {
				return
			}
			continue
		}

		if day := dayKey(now); day != b.day {
			b.day = day
			b.sentToday.Store(0)
			log.Debug("daily counter reset", logx.String("day", day))
		}

		if b.overQuota() {
			if e.clock.Sleep(ctx, e.quotaRecheck) != nil {
				return
			}
			continue
		}

		for _, channelID := range b.cfg.Channels {
			if ctx.Err() != nil {
				return
			}
			if b.overQuota() {
				break
			}

			if e.clock.Sleep(ctx, e.jitter(b.cfg.MinDelay, b.cfg.MaxDelay)) != nil {
				return
			}

			text := e.pickVariant(b.cfg.MessageVariants)
			err := e.policy.Execute(ctx, e.clock.Sleep, func(c context.Context) error {
				return b.conn.SendMessage(c, channelID, text)
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				// The channel is skipped this cycle; the next cycle retries it.
				b.totalFailed.Add(1)
				log.Warn("send failed",
					logx.Int64("channel", channelID), logx.Err(err))
				e.publishSend(eventbus.TypeSendFailed, b, channelID, text, err)
				continue
			}

			b.sentToday.Add(1)
			b.totalSent.Add(1)
			log.Trace("message sent", logx.Int64("channel", channelID))
			e.publishSend(eventbus.TypeSent, b, channelID, text, nil)
		}

		if e.clock.Sleep(ctx, e.cycleRest) != nil {
			return
		}
	}
}

func (b *bot) overQuota() bool {
	return b.cfg.DailyLimit > 0 && b.sentToday.Load() >= int64(b.cfg.DailyLimit)
}
