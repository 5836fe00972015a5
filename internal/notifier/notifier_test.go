package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	chats []int64
	// fail makes the first n sends error.
	fail int
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, chatID)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func runService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s := New(cfg, sender, bus, logx.Nop())
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitSends(f *fakeSender, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(f.sent()) >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return len(f.sent()) >= n
}

func TestAlertsSelectedEventTypes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	stop := runService(t, Config{Enabled: true, ChatID: 99, RatePerSec: 100}, sender, bus)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeBotStarted, Data: eventbus.BotEvent{BotID: "b1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSent, Data: eventbus.SendEvent{BotID: "b1", ChannelID: 5}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSendFailed, Data: eventbus.SendEvent{BotID: "b1", ChannelID: 5, Error: "flood"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeBotStopped, Data: eventbus.BotEvent{BotID: "b1"}})

	if !waitSends(sender, 3, 5*time.Second) {
		t.Fatalf("got %d alerts, want 3", len(sender.sent()))
	}
	// Allow a stray alert for the successful send to surface.
	time.Sleep(20 * time.Millisecond)

	got := sender.sent()
	if len(got) != 3 {
		t.Fatalf("got %d alerts, want 3: %v", len(got), got)
	}
	sender.mu.Lock()
	chat := sender.chats[0]
	sender.mu.Unlock()
	if chat != 99 {
		t.Fatalf("alert went to chat %d, want 99", chat)
	}
}

func TestRetriesTransientSendFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{fail: 2}
	stop := runService(t, Config{
		Enabled:    true,
		ChatID:     1,
		RatePerSec: 100,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, sender, bus)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeBotStarted, Data: eventbus.BotEvent{BotID: "b1"}})

	if !waitSends(sender, 1, 5*time.Second) {
		t.Fatalf("alert never delivered despite retry budget")
	}
}

func TestDisabledServiceSendsNothing(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	stop := runService(t, Config{Enabled: false, ChatID: 1}, sender, bus)
	defer stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeBotStarted, Data: eventbus.BotEvent{BotID: "b1"}})
	time.Sleep(20 * time.Millisecond)

	if n := len(sender.sent()); n != 0 {
		t.Fatalf("disabled notifier sent %d alerts", n)
	}
}
