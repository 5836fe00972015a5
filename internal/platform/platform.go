// Package platform defines the messaging-platform capability consumed by the
// engine and the auth flow. The concrete MTProto implementation lives in the
// mtproto subpackage; tests substitute an in-memory fake.
package platform

import (
	"context"
	"time"
)

// Credentials identifies one platform application bound to one account.
// Supplied by the caller per request; never persisted.
type Credentials struct {
	AccountID string
	APIID     int
	APIHash   string
}

// DialogKind classifies a dialog for destination filtering.
type DialogKind string

const (
	DialogGroup   DialogKind = "group"
	DialogChannel DialogKind = "channel"
	DialogDirect  DialogKind = "direct"
)

// Dialog is one entry of the account's chat list.
type Dialog struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Kind        DialogKind `json:"kind"`
	MemberCount int        `json:"member_count,omitempty"`
	Username    string     `json:"username,omitempty"`
}

// Inbound is one incoming message event delivered on a connection's queue.
type Inbound struct {
	SenderID int64
	ChatID   int64
	Private  bool // one-to-one message
	Own      bool // authored by this connection's account
	Text     string
}

// QRChallenge is a scannable login challenge. Rendering is the caller's job;
// URI is the raw tg://login payload.
type QRChallenge struct {
	URI       string
	ExpiresAt time.Time
}

// QRState enumerates PollQR outcomes.
type QRState int

const (
	QRPending QRState = iota
	QRAuthorized
	QRPasswordRequired
	QRExpired
)

// QRPoll is a non-blocking QR login status probe result.
type QRPoll struct {
	State QRState
	Token string // set when State == QRAuthorized
}

// Identity describes the account behind an authorized connection.
type Identity struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Client dials platform connections.
type Client interface {
	// Connect opens one connection. sessionToken may be empty for a fresh
	// (unauthorized) connection used by the interactive auth flow.
	Connect(ctx context.Context, creds Credentials, sessionToken string) (Conn, error)
}

// Conn is one live account connection.
//
// SendMessage is safe for concurrent use: the dispatch loop and the auto-reply
// handler share one Conn and their sends may interleave arbitrarily. Close must
// not tear the connection down under an in-flight send; implementations wait.
type Conn interface {
	// Authorized reports whether the session behind this connection is valid.
	Authorized(ctx context.Context) (bool, error)

	// Self returns the identity of the authorized account.
	Self(ctx context.Context) (Identity, error)

	// RequestCode asks the platform to deliver a login code to phone.
	// The returned challenge secret must be echoed back to SubmitCode.
	RequestCode(ctx context.Context, phone string) (challenge string, err error)

	// SubmitCode completes code login, returning a durable session token.
	// Returns ErrPasswordRequired when the account has 2FA enabled.
	SubmitCode(ctx context.Context, phone, code, challenge string) (token string, err error)

	// SubmitPassword completes the 2FA step, returning a durable session token.
	SubmitPassword(ctx context.Context, password string) (token string, err error)

	// IssueQR requests a scannable login challenge.
	IssueQR(ctx context.Context) (QRChallenge, error)

	// PollQR probes the pending QR challenge without blocking beyond a short
	// internal wait.
	PollQR(ctx context.Context) (QRPoll, error)

	// SessionToken exports the current session as an opaque durable token.
	SessionToken(ctx context.Context) (string, error)

	// SendMessage posts text to a channel/group/user by dialog id.
	SendMessage(ctx context.Context, channelID int64, text string) error

	// Inbound returns the connection's incoming-event queue. The queue is
	// buffered; events are dropped rather than blocking the transport.
	Inbound() <-chan Inbound

	// Dialogs lists the account's chats.
	Dialogs(ctx context.Context) ([]Dialog, error)

	// Close disconnects. Idempotent; waits for in-flight sends.
	Close() error
}
