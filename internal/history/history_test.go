package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Enabled:     true,
		Path:        filepath.Join(t.TempDir(), "history.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDisabledStoreIsInert(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s != nil {
		t.Fatalf("disabled store is not nil")
	}
	if err := s.AppendSend(context.Background(), SendRecord{}); err != ErrDisabled {
		t.Fatalf("AppendSend on nil store = %v, want ErrDisabled", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close on nil store: %v", err)
	}
}

func TestAppendAndQuerySends(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := SendRecord{
			BotID:     "b1",
			ChannelID: int64(100 + i),
			Kind:      "dispatch",
			Text:      "hello",
			OK:        i%2 == 0,
			At:        base.Add(time.Duration(i) * time.Minute),
		}
		if i%2 != 0 {
			rec.Error = "boom"
		}
		if err := s.AppendSend(ctx, rec); err != nil {
			t.Fatalf("AppendSend: %v", err)
		}
	}
	// A second bot's rows must not leak into b1's view.
	if err := s.AppendSend(ctx, SendRecord{BotID: "b2", ChannelID: 1, Kind: "dispatch", Text: "x", OK: true, At: base}); err != nil {
		t.Fatalf("AppendSend: %v", err)
	}

	got, err := s.RecentSends(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("RecentSends: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d rows, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.After(got[i-1].At) {
			t.Fatalf("rows not newest-first: %v then %v", got[i-1].At, got[i].At)
		}
	}
	if got[0].ChannelID != 104 {
		t.Fatalf("newest row channel = %d, want 104", got[0].ChannelID)
	}
	if got[1].Error != "boom" {
		t.Fatalf("failed row lost its error: %+v", got[1])
	}
	if got[0].ID == "" {
		t.Fatalf("row id not assigned")
	}
}

func TestPruneDropsOldRows(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{old, fresh} {
		if err := s.AppendSend(ctx, SendRecord{BotID: "b1", ChannelID: 1, Kind: "dispatch", Text: "x", OK: true, At: at}); err != nil {
			t.Fatalf("AppendSend: %v", err)
		}
		if err := s.AppendBotEvent(ctx, BotRecord{BotID: "b1", Event: eventbus.TypeBotStarted, At: at}); err != nil {
			t.Fatalf("AppendBotEvent: %v", err)
		}
	}

	n, err := s.Prune(ctx, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d rows, want 2", n)
	}

	got, err := s.RecentSends(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("RecentSends: %v", err)
	}
	if len(got) != 1 || !got[0].At.Equal(fresh) {
		t.Fatalf("surviving rows wrong: %+v", got)
	}
}

func TestWorkerJournalsBusEvents(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	bus := eventbus.New()
	w := NewWorker(s, bus, Config{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	at := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeSent,
		Data: eventbus.SendEvent{BotID: "b1", ChannelID: 7, Text: "hi", At: at},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeSendFailed,
		Data: eventbus.SendEvent{BotID: "b1", ChannelID: 8, Text: "hi", Error: "flood", At: at.Add(time.Minute)},
	})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeAutoReply,
		Data: eventbus.SendEvent{BotID: "b1", ChannelID: 9, Text: "away", At: at.Add(2 * time.Minute)},
	})

	deadline := time.Now().Add(5 * time.Second)
	var got []SendRecord
	for time.Now().Before(deadline) {
		var err error
		got, err = s.RecentSends(context.Background(), "b1", 10)
		if err != nil {
			t.Fatalf("RecentSends: %v", err)
		}
		if len(got) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(got) != 3 {
		t.Fatalf("journaled %d rows, want 3", len(got))
	}
	// Newest first: reply, failed, sent.
	if got[0].Kind != "reply" {
		t.Fatalf("auto-reply row kind = %q", got[0].Kind)
	}
	if got[1].OK || got[1].Error != "flood" {
		t.Fatalf("failed row not recorded as failure: %+v", got[1])
	}
	if !got[2].OK || got[2].Kind != "dispatch" {
		t.Fatalf("sent row wrong: %+v", got[2])
	}
}
