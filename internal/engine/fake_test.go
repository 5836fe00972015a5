package engine

import (
	"context"
	"sync"
	"time"

	"fleetbot/internal/platform"
)

// fakeClock advances simulated time instantly on every Sleep so loops built
// on long pauses run at test speed.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.mu.Lock()
		c.now = c.now.Add(d)
		c.mu.Unlock()
	}
	return nil
}

type sentMsg struct {
	channel int64
	text    string
}

// fakeConn is an in-memory platform connection with scriptable send failures.
type fakeConn struct {
	authorized bool
	self       platform.Identity
	dialogs    []platform.Dialog

	// sendErr, when set, decides the outcome of each send. n is 1-based
	// across all sends on this conn.
	sendErr func(n int, channel int64) error

	inbound chan platform.Inbound

	mu     sync.Mutex
	sends  []sentMsg
	closed int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		authorized: true,
		self:       platform.Identity{UserID: 42, Username: "fleet_test"},
		inbound:    make(chan platform.Inbound, 16),
	}
}

func (c *fakeConn) Authorized(ctx context.Context) (bool, error) { return c.authorized, nil }

func (c *fakeConn) Self(ctx context.Context) (platform.Identity, error) { return c.self, nil }

func (c *fakeConn) RequestCode(ctx context.Context, phone string) (string, error) {
	return "challenge", nil
}

func (c *fakeConn) SubmitCode(ctx context.Context, phone, code, challenge string) (string, error) {
	return "token", nil
}

func (c *fakeConn) SubmitPassword(ctx context.Context, password string) (string, error) {
	return "token", nil
}

func (c *fakeConn) IssueQR(ctx context.Context) (platform.QRChallenge, error) {
	return platform.QRChallenge{URI: "tg://login?token=x"}, nil
}

func (c *fakeConn) PollQR(ctx context.Context) (platform.QRPoll, error) {
	return platform.QRPoll{State: platform.QRPending}, nil
}

func (c *fakeConn) SessionToken(ctx context.Context) (string, error) { return "token", nil }

func (c *fakeConn) SendMessage(ctx context.Context, channelID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	n := len(c.sends) + 1
	errFn := c.sendErr
	c.mu.Unlock()

	if errFn != nil {
		if err := errFn(n, channelID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.sends = append(c.sends, sentMsg{channel: channelID, text: text})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Inbound() <-chan platform.Inbound { return c.inbound }

func (c *fakeConn) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	return c.dialogs, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sent() []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMsg, len(c.sends))
	copy(out, c.sends)
	return out
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeClient hands out fakeConns and counts dials. gate, when set, blocks
// Connect until released or the context is canceled.
type fakeClient struct {
	gate chan struct{}

	mu       sync.Mutex
	connects int
	conns    []*fakeConn
	next     func() *fakeConn
}

func newFakeClient() *fakeClient {
	return &fakeClient{next: newFakeConn}
}

func (c *fakeClient) Connect(ctx context.Context, creds platform.Credentials, sessionToken string) (platform.Conn, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	conn := c.next()
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *fakeClient) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) lastConn() *fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func baseConfig(id string) BotConfig {
	return BotConfig{
		BotID:           id,
		Credentials:     platform.Credentials{AccountID: id, APIID: 1, APIHash: "h"},
		SessionToken:    "sess",
		MessageVariants: []string{"hello"},
		Channels:        []int64{100},
	}
}
