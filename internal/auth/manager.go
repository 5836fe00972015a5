// Package auth drives the interactive login flow for one account at a time:
// code-request → code-verify → (optional) password-verify → authorized, or the
// parallel QR path. Success hands the caller a durable session token; the
// pending handshake and its connection are discarded.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleetbot/internal/eventbus"
	"fleetbot/internal/platform"
	logx "fleetbot/pkg/logx"
)

var (
	// ErrNoPendingHandshake is returned when a verify step arrives without a
	// prior code/QR request for that account.
	ErrNoPendingHandshake = errors.New("no pending handshake for account")

	// ErrNotAwaitingPassword is returned when VerifyPassword is called on a
	// handshake that never reported PasswordRequired.
	ErrNotAwaitingPassword = errors.New("handshake is not awaiting a password")
)

type state int

const (
	stateCodeRequested state = iota
	stateAwaitingPassword
	stateQRIssued
	// stateQRExpired keeps the handshake (and its connection) around so
	// RefreshQR can re-issue without dialing again; the janitor reaps it if
	// the caller never comes back.
	stateQRExpired
)

// handshake is the single-writer pending login exchange for one account.
// At most one exists per account id; a re-request replaces (and closes) it.
type handshake struct {
	conn      platform.Conn
	creds     platform.Credentials
	phone     string
	challenge string
	st        state
	qrExpires time.Time
	createdAt time.Time
}

// CodeResult is the outcome of VerifyCode. PasswordRequired is a result, not
// an error: the handshake stays open for VerifyPassword.
type CodeResult struct {
	Token            string
	PasswordRequired bool
}

// QRStatus is the outcome of PollQR.
type QRStatus struct {
	State platform.QRState
	Token string
}

type Manager struct {
	client platform.Client
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	// ttl bounds how long an untouched handshake may linger before the
	// janitor discards it.
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]*handshake
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func New(client platform.Client, bus eventbus.Bus, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		client:  client,
		bus:     bus,
		log:     log,
		now:     time.Now,
		ttl:     10 * time.Minute,
		pending: map[string]*handshake{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RequestCode opens a fresh connection and asks the platform to deliver a
// login code. Any previous handshake for the account is invalidated.
func (m *Manager) RequestCode(ctx context.Context, creds platform.Credentials, phone string) error {
	conn, err := m.client.Connect(ctx, creds, "")
	if err != nil {
		return err
	}

	challenge, err := conn.RequestCode(ctx, phone)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.store(creds.AccountID, &handshake{
		conn:      conn,
		creds:     creds,
		phone:     phone,
		challenge: challenge,
		st:        stateCodeRequested,
		createdAt: m.now(),
	})
	m.event(creds.AccountID, "code requested")
	return nil
}

// VerifyCode submits the received code. On success the handshake closes and
// the durable token is returned; when the account has 2FA enabled the
// handshake transitions to awaiting-password instead.
func (m *Manager) VerifyCode(ctx context.Context, accountID, code string) (CodeResult, error) {
	hs, err := m.get(accountID)
	if err != nil {
		return CodeResult{}, err
	}

	token, err := hs.conn.SubmitCode(ctx, hs.phone, code, hs.challenge)
	switch {
	case errors.Is(err, platform.ErrPasswordRequired):
		hs.st = stateAwaitingPassword
		return CodeResult{PasswordRequired: true}, nil
	case errors.Is(err, platform.ErrCodeExpired):
		m.discard(accountID)
		return CodeResult{}, err
	case err != nil:
		// Invalid code keeps the handshake open: the caller may retry.
		return CodeResult{}, err
	}

	m.discard(accountID)
	m.event(accountID, "authorized (code)")
	return CodeResult{Token: token}, nil
}

// VerifyPassword completes the 2FA step and closes the handshake.
func (m *Manager) VerifyPassword(ctx context.Context, accountID, password string) (string, error) {
	hs, err := m.get(accountID)
	if err != nil {
		return "", err
	}
	if hs.st != stateAwaitingPassword {
		return "", ErrNotAwaitingPassword
	}

	token, err := hs.conn.SubmitPassword(ctx, password)
	if err != nil {
		return "", err
	}

	m.discard(accountID)
	m.event(accountID, "authorized (password)")
	return token, nil
}

// IssueQR opens a connection and requests a scannable login challenge.
func (m *Manager) IssueQR(ctx context.Context, creds platform.Credentials) (platform.QRChallenge, error) {
	conn, err := m.client.Connect(ctx, creds, "")
	if err != nil {
		return platform.QRChallenge{}, err
	}

	ch, err := conn.IssueQR(ctx)
	if err != nil {
		_ = conn.Close()
		return platform.QRChallenge{}, err
	}

	m.store(creds.AccountID, &handshake{
		conn:      conn,
		creds:     creds,
		st:        stateQRIssued,
		qrExpires: ch.ExpiresAt,
		createdAt: m.now(),
	})
	m.event(creds.AccountID, "qr issued")
	return ch, nil
}

// PollQR probes the pending QR challenge. An expired challenge is reported as
// QRExpired but the handshake stays open so RefreshQR can re-issue on the
// same connection.
func (m *Manager) PollQR(ctx context.Context, accountID string) (QRStatus, error) {
	hs, err := m.get(accountID)
	if err != nil {
		return QRStatus{}, err
	}

	if hs.st == stateQRExpired {
		return QRStatus{State: platform.QRExpired}, nil
	}
	if hs.st == stateQRIssued && !hs.qrExpires.IsZero() && m.now().After(hs.qrExpires) {
		hs.st = stateQRExpired
		return QRStatus{State: platform.QRExpired}, nil
	}

	poll, err := hs.conn.PollQR(ctx)
	if err != nil {
		return QRStatus{}, err
	}

	switch poll.State {
	case platform.QRAuthorized:
		m.discard(accountID)
		m.event(accountID, "authorized (qr)")
		return QRStatus{State: platform.QRAuthorized, Token: poll.Token}, nil
	case platform.QRPasswordRequired:
		hs.st = stateAwaitingPassword
		return QRStatus{State: platform.QRPasswordRequired}, nil
	case platform.QRExpired:
		hs.st = stateQRExpired
		return QRStatus{State: platform.QRExpired}, nil
	default:
		return QRStatus{State: platform.QRPending}, nil
	}
}

// RefreshQR re-issues a challenge on the same connection, either proactively
// or after the previous one expired. Requires a QR handshake.
func (m *Manager) RefreshQR(ctx context.Context, accountID string) (platform.QRChallenge, error) {
	hs, err := m.get(accountID)
	if err != nil {
		return platform.QRChallenge{}, err
	}
	if hs.st != stateQRIssued && hs.st != stateQRExpired {
		return platform.QRChallenge{}, ErrNoPendingHandshake
	}

	ch, err := hs.conn.IssueQR(ctx)
	if err != nil {
		return platform.QRChallenge{}, err
	}
	hs.st = stateQRIssued
	hs.qrExpires = ch.ExpiresAt
	hs.createdAt = m.now()
	return ch, nil
}

// ValidateSession opens a throwaway connection from a caller-supplied token
// and reports the identity behind it. Used for session import/validation.
func (m *Manager) ValidateSession(ctx context.Context, creds platform.Credentials, token string) (platform.Identity, error) {
	conn, err := m.client.Connect(ctx, creds, token)
	if err != nil {
		return platform.Identity{}, err
	}
	defer func() { _ = conn.Close() }()

	ok, err := conn.Authorized(ctx)
	if err != nil {
		return platform.Identity{}, err
	}
	if !ok {
		return platform.Identity{}, platform.ErrSessionExpired
	}
	return conn.Self(ctx)
}

// Abandon discards a pending handshake, if any. Safe to call when absent.
func (m *Manager) Abandon(accountID string) {
	m.discard(accountID)
}

// Janitor discards handshakes that outlived the TTL. Run under a supervisor.
func (m *Manager) Janitor(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	var stale []*handshake
	for id, hs := range m.pending {
		if hs.createdAt.Before(cutoff) {
			stale = append(stale, hs)
			delete(m.pending, id)
			m.log.Debug("stale handshake discarded", logx.String("account", id))
		}
	}
	m.mu.Unlock()
	for _, hs := range stale {
		_ = hs.conn.Close()
	}
}

func (m *Manager) store(accountID string, hs *handshake) {
	m.mu.Lock()
	prev := m.pending[accountID]
	m.pending[accountID] = hs
	m.mu.Unlock()
	if prev != nil {
		// A second request supersedes the first; its connection is dead weight.
		_ = prev.conn.Close()
	}
}

func (m *Manager) get(accountID string) (*handshake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.pending[accountID]
	if !ok {
		return nil, ErrNoPendingHandshake
	}
	return hs, nil
}

func (m *Manager) discard(accountID string) {
	m.mu.Lock()
	hs := m.pending[accountID]
	delete(m.pending, accountID)
	m.mu.Unlock()
	if hs != nil {
		_ = hs.conn.Close()
	}
}

func (m *Manager) event(accountID, detail string) {
	if m.bus == nil {
		return
	}
	now := m.now()
	m.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAuth,
		Time: now,
		Data: eventbus.BotEvent{BotID: accountID, Detail: detail, At: now},
	})
}
