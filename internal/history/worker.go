package history

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

// Worker tails the event bus and journals outcomes into the store. It runs
// under the supervisor; write failures are logged and skipped, never fatal.
type Worker struct {
	store *Store
	bus   eventbus.Bus
	log   logx.Logger

	retainDays int
	pruneSpec  string
}

func NewWorker(store *Store, bus eventbus.Bus, cfg Config, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	spec := cfg.PruneSpec
	if spec == "" {
		spec = "17 3 * * *"
	}
	retain := cfg.RetainDays
	if retain <= 0 {
		retain = 30
	}
	return &Worker{store: store, bus: bus, log: log, retainDays: retain, pruneSpec: spec}
}

// Run consumes bus events until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ch, unsub := w.bus.Subscribe(512)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			w.journal(ev)
		}
	}
}

func (w *Worker) journal(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	switch ev.Type {
	case eventbus.TypeSent, eventbus.TypeSendFailed, eventbus.TypeAutoReply:
		se, ok := ev.Data.(eventbus.SendEvent)
		if !ok {
			return
		}
		kind := "dispatch"
		if ev.Type == eventbus.TypeAutoReply {
			kind = "reply"
		}
		err = w.store.AppendSend(ctx, SendRecord{
			BotID:     se.BotID,
			ChannelID: se.ChannelID,
			Kind:      kind,
			Text:      se.Text,
			OK:        ev.Type != eventbus.TypeSendFailed,
			Error:     se.Error,
			At:        se.At,
		})
	case eventbus.TypeBotStarted, eventbus.TypeBotStopped, eventbus.TypeAuth:
		be, ok := ev.Data.(eventbus.BotEvent)
		if !ok {
			return
		}
		err = w.store.AppendBotEvent(ctx, BotRecord{
			BotID:  be.BotID,
			Event:  ev.Type,
			Detail: be.Detail,
			At:     be.At,
		})
	default:
		return
	}
	if err != nil {
		w.log.Warn("history write failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

// Pruner runs the retention job on its cron schedule until ctx is done.
func (w *Worker) Pruner(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(w.pruneSpec, func() {
		cutoff := time.Now().AddDate(0, 0, -w.retainDays)
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := w.store.Prune(pctx, cutoff)
		if err != nil {
			w.log.Warn("history prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			w.log.Info("history pruned", logx.Int64("rows", n))
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}
