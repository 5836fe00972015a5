package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/platform"
	logx "fleetbot/pkg/logx"
)

type stubConn struct {
	codeErr     error // scripted SubmitCode outcome; nil means success
	passwordErr error
	qrPoll      platform.QRPoll
	qrExpiry    time.Time // challenge lifetime; zero means 30s of wall clock
	authorized  bool

	mu       sync.Mutex
	closed   int
	qrIssued int
}

func (c *stubConn) Authorized(ctx context.Context) (bool, error) { return c.authorized, nil }

func (c *stubConn) Self(ctx context.Context) (platform.Identity, error) {
	return platform.Identity{UserID: 5, Phone: "+15550100"}, nil
}

func (c *stubConn) RequestCode(ctx context.Context, phone string) (string, error) {
	return "hash-" + phone, nil
}

func (c *stubConn) SubmitCode(ctx context.Context, phone, code, challenge string) (string, error) {
	if c.codeErr != nil {
		return "", c.codeErr
	}
	return "token", nil
}

func (c *stubConn) SubmitPassword(ctx context.Context, password string) (string, error) {
	if c.passwordErr != nil {
		return "", c.passwordErr
	}
	return "token", nil
}

func (c *stubConn) IssueQR(ctx context.Context) (platform.QRChallenge, error) {
	c.mu.Lock()
	c.qrIssued++
	c.mu.Unlock()
	exp := c.qrExpiry
	if exp.IsZero() {
		exp = time.Now().Add(30 * time.Second)
	}
	return platform.QRChallenge{URI: "tg://login?token=abc", ExpiresAt: exp}, nil
}

func (c *stubConn) PollQR(ctx context.Context) (platform.QRPoll, error) { return c.qrPoll, nil }

func (c *stubConn) SessionToken(ctx context.Context) (string, error) { return "token", nil }

func (c *stubConn) SendMessage(ctx context.Context, channelID int64, text string) error { return nil }

func (c *stubConn) Inbound() <-chan platform.Inbound { return make(chan platform.Inbound) }

func (c *stubConn) Dialogs(ctx context.Context) ([]platform.Dialog, error) { return nil, nil }

func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *stubConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stubClient struct {
	mu    sync.Mutex
	conns []*stubConn
	next  func() *stubConn
}

func newStubClient() *stubClient {
	return &stubClient{next: func() *stubConn { return &stubConn{authorized: true} }}
}

func (c *stubClient) Connect(ctx context.Context, creds platform.Credentials, sessionToken string) (platform.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.next()
	c.conns = append(c.conns, conn)
	return conn, nil
}

var testCreds = platform.Credentials{AccountID: "acct", APIID: 1, APIHash: "h"}

func TestCodeFlowHappyPath(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	res, err := m.VerifyCode(ctx, "acct", "12345")
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if res.PasswordRequired || res.Token != "token" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Handshake is consumed and its connection closed.
	if client.conns[0].closeCount() != 1 {
		t.Fatalf("handshake connection not closed")
	}
	if _, err := m.VerifyCode(ctx, "acct", "12345"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("replayed verify = %v, want ErrNoPendingHandshake", err)
	}
}

func TestVerifyWithoutRequestFails(t *testing.T) {
	t.Parallel()
	m := New(newStubClient(), eventbus.New(), logx.Nop())
	if _, err := m.VerifyCode(context.Background(), "ghost", "1"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("VerifyCode = %v, want ErrNoPendingHandshake", err)
	}
	if _, err := m.VerifyPassword(context.Background(), "ghost", "p"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("VerifyPassword = %v, want ErrNoPendingHandshake", err)
	}
}

func TestInvalidCodeKeepsHandshakeOpen(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	conn := &stubConn{authorized: true, codeErr: platform.ErrInvalidCode}
	client.next = func() *stubConn { return conn }
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if _, err := m.VerifyCode(ctx, "acct", "bad"); !errors.Is(err, platform.ErrInvalidCode) {
		t.Fatalf("VerifyCode = %v, want ErrInvalidCode", err)
	}

	// Same handshake, corrected code.
	conn.codeErr = nil
	res, err := m.VerifyCode(ctx, "acct", "12345")
	if err != nil || res.Token != "token" {
		t.Fatalf("retry failed: %v %+v", err, res)
	}
}

func TestExpiredCodeDiscardsHandshake(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	client.next = func() *stubConn {
		return &stubConn{authorized: true, codeErr: platform.ErrCodeExpired}
	}
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if _, err := m.VerifyCode(ctx, "acct", "1"); !errors.Is(err, platform.ErrCodeExpired) {
		t.Fatalf("VerifyCode = %v, want ErrCodeExpired", err)
	}
	if _, err := m.VerifyCode(ctx, "acct", "1"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("handshake survived an expired code")
	}
	if client.conns[0].closeCount() != 1 {
		t.Fatalf("expired handshake connection not closed")
	}
}

func TestTwoFactorFlow(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	client.next = func() *stubConn {
		return &stubConn{authorized: true, codeErr: platform.ErrPasswordRequired}
	}
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	res, err := m.VerifyCode(ctx, "acct", "12345")
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if !res.PasswordRequired || res.Token != "" {
		t.Fatalf("password gate not reported: %+v", res)
	}

	token, err := m.VerifyPassword(ctx, "acct", "hunter2")
	if err != nil || token != "token" {
		t.Fatalf("VerifyPassword: %v %q", err, token)
	}
	if _, err := m.VerifyPassword(ctx, "acct", "hunter2"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("2FA handshake replayable")
	}
}

func TestVerifyPasswordRequiresPasswordState(t *testing.T) {
	t.Parallel()
	m := New(newStubClient(), eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if _, err := m.VerifyPassword(ctx, "acct", "p"); !errors.Is(err, ErrNotAwaitingPassword) {
		t.Fatalf("VerifyPassword = %v, want ErrNotAwaitingPassword", err)
	}
}

func TestSecondRequestReplacesHandshake(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("first RequestCode: %v", err)
	}
	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("second RequestCode: %v", err)
	}
	if client.conns[0].closeCount() != 1 {
		t.Fatalf("superseded connection not closed")
	}
	if client.conns[1].closeCount() != 0 {
		t.Fatalf("live handshake connection closed")
	}
}

func TestQRExpiryKeepsConnectionForRefresh(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	conn := &stubConn{authorized: true, qrExpiry: now.Add(30 * time.Second)}
	client.next = func() *stubConn { return conn }
	m := New(client, eventbus.New(), logx.Nop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := m.IssueQR(ctx, testCreds); err != nil {
		t.Fatalf("IssueQR: %v", err)
	}
	st, err := m.PollQR(ctx, "acct")
	if err != nil || st.State != platform.QRPending {
		t.Fatalf("initial poll: %v %+v", err, st)
	}

	// Outlive the challenge: the poll reports expiry but the handshake and
	// its connection stay.
	now = now.Add(time.Minute)
	st, err = m.PollQR(ctx, "acct")
	if err != nil || st.State != platform.QRExpired {
		t.Fatalf("expired poll: %v %+v", err, st)
	}
	if conn.closeCount() != 0 {
		t.Fatalf("expiry closed the connection")
	}

	// Refresh re-issues on the same connection and polling resumes.
	conn.qrExpiry = now.Add(30 * time.Second)
	if _, err := m.RefreshQR(ctx, "acct"); err != nil {
		t.Fatalf("RefreshQR after expiry: %v", err)
	}
	if len(client.conns) != 1 {
		t.Fatalf("refresh dialed a new connection")
	}
	if got := conn.qrIssued; got != 2 {
		t.Fatalf("challenges issued = %d, want 2", got)
	}
	st, err = m.PollQR(ctx, "acct")
	if err != nil || st.State != platform.QRPending {
		t.Fatalf("poll after refresh: %v %+v", err, st)
	}

	// Abandoned for good: the janitor reaps the handshake.
	now = now.Add(time.Hour)
	m.prune()
	if _, err := m.PollQR(ctx, "acct"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("abandoned QR handshake still pending: %v", err)
	}
	if conn.closeCount() != 1 {
		t.Fatalf("abandoned connection not closed")
	}
}

func TestQRAuthorizedReturnsToken(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	client.next = func() *stubConn {
		return &stubConn{authorized: true, qrPoll: platform.QRPoll{State: platform.QRAuthorized, Token: "token"}}
	}
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if _, err := m.IssueQR(ctx, testCreds); err != nil {
		t.Fatalf("IssueQR: %v", err)
	}
	st, err := m.PollQR(ctx, "acct")
	if err != nil {
		t.Fatalf("PollQR: %v", err)
	}
	if st.State != platform.QRAuthorized || st.Token != "token" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRefreshQRReusesConnection(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	m := New(client, eventbus.New(), logx.Nop())
	ctx := context.Background()

	if _, err := m.IssueQR(ctx, testCreds); err != nil {
		t.Fatalf("IssueQR: %v", err)
	}
	if _, err := m.RefreshQR(ctx, "acct"); err != nil {
		t.Fatalf("RefreshQR: %v", err)
	}
	if len(client.conns) != 1 {
		t.Fatalf("refresh dialed a new connection")
	}
	if got := client.conns[0].qrIssued; got != 2 {
		t.Fatalf("challenges issued = %d, want 2", got)
	}
}

func TestValidateSessionReportsIdentity(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	m := New(client, eventbus.New(), logx.Nop())

	id, err := m.ValidateSession(context.Background(), testCreds, "tok")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if id.UserID != 5 {
		t.Fatalf("identity = %+v", id)
	}
	if client.conns[0].closeCount() != 1 {
		t.Fatalf("validation connection leaked")
	}
}

func TestValidateSessionRejectsDeadToken(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	client.next = func() *stubConn { return &stubConn{authorized: false} }
	m := New(client, eventbus.New(), logx.Nop())

	if _, err := m.ValidateSession(context.Background(), testCreds, "tok"); !errors.Is(err, platform.ErrSessionExpired) {
		t.Fatalf("ValidateSession = %v, want ErrSessionExpired", err)
	}
}

func TestJanitorPrunesStaleHandshakes(t *testing.T) {
	t.Parallel()
	client := newStubClient()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(client, eventbus.New(), logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithTTL(time.Minute))
	ctx := context.Background()

	if err := m.RequestCode(ctx, testCreds, "+15550100"); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}

	now = now.Add(2 * time.Minute)
	m.prune()

	if _, err := m.VerifyCode(ctx, "acct", "1"); !errors.Is(err, ErrNoPendingHandshake) {
		t.Fatalf("stale handshake survived the janitor")
	}
	if client.conns[0].closeCount() != 1 {
		t.Fatalf("stale connection not closed")
	}
}
