// Package engine owns the bot registry and per-bot runtime: start/stop
// lifecycle, the dispatch loop, and the auto-reply handler. One started bot
// holds exactly one platform connection shared by both workers.
package engine

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/platform"
	logx "fleetbot/pkg/logx"
)

// Status is a point-in-time snapshot of one bot's runtime counters.
type Status struct {
	BotID       string    `json:"bot_id"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	SentToday   int64     `json:"sent_today"`
	TotalSent   int64     `json:"messages_sent"`
	TotalFailed int64     `json:"messages_failed"`
	AutoReplies int64     `json:"auto_replies"`
	Channels    int       `json:"channels"`
}

// bot is one registry entry. Reserved under the engine lock before the
// connection exists; ready closes once the start attempt settles.
type bot struct {
	id   string
	cfg  BotConfig
	conn platform.Conn

	selfID    int64
	startedAt time.Time

	cancel context.CancelFunc

	ready     chan struct{} // start settled; startErr valid after close
	startErr  error
	done      chan struct{} // dispatch loop exited
	replyDone chan struct{} // auto-reply loop exited

	// day is touched only by the dispatch loop.
	day string

	sentToday   atomic.Int64
	totalSent   atomic.Int64
	totalFailed atomic.Int64
	autoReplies atomic.Int64
}

type Engine struct {
	client platform.Client
	bus    eventbus.Bus
	log    logx.Logger
	clock  Clock
	loc    *time.Location
	policy Policy

	// Recheck intervals for the dispatch loop's gates.
	gateRecheck  time.Duration
	quotaRecheck time.Duration
	cycleRest    time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	mu   sync.Mutex
	bots map[string]*bot
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocation sets the timezone governing schedule windows and daily quota
// rollover. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithIntervals overrides the dispatch loop's gate/quota/cycle pauses.
func WithIntervals(gate, quota, rest time.Duration) Option {
	return func(e *Engine) {
		e.gateRecheck = gate
		e.quotaRecheck = quota
		e.cycleRest = rest
	}
}

func New(client platform.Client, bus eventbus.Bus, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		client:       client,
		bus:          bus,
		log:          log,
		clock:        realClock{},
		loc:          time.UTC,
		policy:       DefaultPolicy(),
		gateRecheck:  time.Minute,
		quotaRecheck: 5 * time.Minute,
		cycleRest:    5 * time.Second,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		bots:         map[string]*bot{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start brings a bot online. Idempotent: a second call for a running (or
// currently starting) bot id waits for that attempt and returns its outcome
// instead of opening a second connection.
func (e *Engine) Start(ctx context.Context, cfg BotConfig) (Status, error) {
	if err := cfg.Validate(); err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	if cur, ok := e.bots[cfg.BotID]; ok {
		e.mu.Unlock()
		select {
		case <-cur.ready:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
		if cur.startErr != nil {
			return Status{}, cur.startErr
		}
		return e.snapshot(cur), nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &bot{
		id:        cfg.BotID,
		cfg:       cfg,
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		replyDone: make(chan struct{}),
	}
	e.bots[cfg.BotID] = b
	e.mu.Unlock()

	if err := e.launch(runCtx, b); err != nil {
		e.mu.Lock()
		if cur, ok := e.bots[cfg.BotID]; ok && cur == b {
			delete(e.bots, cfg.BotID)
		}
		e.mu.Unlock()

		b.startErr = err
		cancel()
		close(b.done)
		close(b.replyDone)
		close(b.ready)
		e.log.Warn("bot start failed",
			logx.String("bot", cfg.BotID), logx.Err(err))
		return Status{}, err
	}

	close(b.ready)
	e.log.Info("bot started",
		logx.String("bot", b.id),
		logx.Int("channels", len(cfg.Channels)),
		logx.Bool("auto_reply", cfg.AutoReply))
	e.publishBot(eventbus.TypeBotStarted, b.id, "started")
	return e.snapshot(b), nil
}

// launch opens the connection, verifies the session, and spawns the workers.
// On error nothing is left running and the connection is closed.
func (e *Engine) launch(ctx context.Context, b *bot) error {
	conn, err := e.client.Connect(ctx, b.cfg.Credentials, b.cfg.SessionToken)
	if err != nil {
		return err
	}

	ok, err := conn.Authorized(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if !ok {
		_ = conn.Close()
		return platform.ErrSessionExpired
	}

	self, err := conn.Self(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}

	b.conn = conn
	b.selfID = self.UserID
	b.startedAt = e.clock.Now()
	b.day = dayKey(b.startedAt.In(e.loc))

	go e.dispatchLoop(ctx, b)
	go e.replyLoop(ctx, b)
	return nil
}

// Stop takes a bot offline, waits for both workers to drain, and closes the
// connection. Stopping an unknown bot is a no-op.
func (e *Engine) Stop(ctx context.Context, botID string) error {
	e.mu.Lock()
	b, ok := e.bots[botID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.bots, botID)
	e.mu.Unlock()

	b.cancel()
	<-b.ready
	<-b.done
	<-b.replyDone
	if b.startErr != nil {
		// Start lost the race to this Stop; launch already cleaned up.
		return nil
	}

	err := b.conn.Close()
	e.log.Info("bot stopped", logx.String("bot", botID))
	e.publishBot(eventbus.TypeBotStopped, botID, "stopped")
	return err
}

// StopAll stops every running bot. Used at shutdown.
func (e *Engine) StopAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.bots))
	for id := range e.bots {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		_ = e.Stop(ctx, id)
	}
}

// Status reports a bot's counters. Unknown ids yield a zero, not-running
// snapshot rather than an error.
func (e *Engine) Status(botID string) Status {
	e.mu.Lock()
	b, ok := e.bots[botID]
	e.mu.Unlock()
	if !ok {
		return Status{BotID: botID}
	}
	return e.snapshot(b)
}

// List reports every registered bot, ordered by id.
func (e *Engine) List() []Status {
	e.mu.Lock()
	bots := make([]*bot, 0, len(e.bots))
	for _, b := range e.bots {
		bots = append(bots, b)
	}
	e.mu.Unlock()

	out := make([]Status, 0, len(bots))
	for _, b := range bots {
		out = append(out, e.snapshot(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

func (e *Engine) snapshot(b *bot) Status {
	select {
	case <-b.ready:
	default:
		// Start attempt still settling; not running yet.
		return Status{BotID: b.id}
	}
	if b.startErr != nil {
		return Status{BotID: b.id}
	}
	return Status{
		BotID:       b.id,
		Running:     true,
		StartedAt:   b.startedAt,
		SentToday:   b.sentToday.Load(),
		TotalSent:   b.totalSent.Load(),
		TotalFailed: b.totalFailed.Load(),
		AutoReplies: b.autoReplies.Load(),
		Channels:    len(b.cfg.Channels),
	}
}

// TestSend opens a throwaway connection and posts a single message. The
// connection never enters the registry.
func (e *Engine) TestSend(ctx context.Context, creds platform.Credentials, sessionToken string, channelID int64, text string) error {
	conn, err := e.connect(ctx, creds, sessionToken)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return conn.SendMessage(ctx, channelID, text)
}

// ListDialogs opens a throwaway connection and fetches the account's chats.
func (e *Engine) ListDialogs(ctx context.Context, creds platform.Credentials, sessionToken string) ([]platform.Dialog, error) {
	conn, err := e.connect(ctx, creds, sessionToken)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return conn.Dialogs(ctx)
}

func (e *Engine) connect(ctx context.Context, creds platform.Credentials, sessionToken string) (platform.Conn, error) {
	conn, err := e.client.Connect(ctx, creds, sessionToken)
	if err != nil {
		return nil, err
	}
	ok, err := conn.Authorized(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok {
		_ = conn.Close()
		return nil, platform.ErrSessionExpired
	}
	return conn, nil
}

// jitter returns a uniform duration in [min, max].
func (e *Engine) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return min + time.Duration(e.rng.Int63n(int64(max-min)+1))
}

func (e *Engine) pickVariant(variants []string) string {
	if len(variants) == 1 {
		return variants[0]
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return variants[e.rng.Intn(len(variants))]
}

func (e *Engine) publishBot(typ, botID, detail string) {
	if e.bus == nil {
		return
	}
	now := e.clock.Now()
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Time: now,
		Data: eventbus.BotEvent{BotID: botID, Detail: detail, At: now},
	})
}

func (e *Engine) publishSend(typ string, b *bot, channelID int64, text string, sendErr error) {
	if e.bus == nil {
		return
	}
	ev := eventbus.SendEvent{
		BotID:     b.id,
		ChannelID: channelID,
		Text:      text,
		At:        e.clock.Now(),
	}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
