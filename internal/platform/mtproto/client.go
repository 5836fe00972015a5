// Package mtproto implements platform.Client on top of gotd's MTProto client.
//
// One Client dials many independent account connections; each conn owns a
// gotd run loop, a peer cache fed by dialogs and updates, and a send limiter
// shared by every sender on that connection.
package mtproto

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"fleetbot/internal/platform"
	logx "fleetbot/pkg/logx"
)

type Config struct {
	// ConnectTimeout bounds the initial handshake. Default 15s.
	ConnectTimeout time.Duration

	// SendRatePerSec paces outbound messages per connection. Default 1.
	SendRatePerSec float64

	// InboundBuffer is the inbound queue size per connection. Default 128.
	InboundBuffer int
}

type Client struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 1
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 128
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log}
}

// Connect opens one MTProto connection and waits for the transport handshake.
// The returned Conn stays connected until Close.
func (c *Client) Connect(ctx context.Context, creds platform.Credentials, sessionToken string) (platform.Conn, error) {
	store, err := newTokenStorage(sessionToken)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	cn := &conn{
		log:     c.log.With(logx.String("account", creds.AccountID)),
		creds:   creds,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(c.cfg.SendRatePerSec), 1),
		inbound: make(chan platform.Inbound, c.cfg.InboundBuffer),
		peers:   map[int64]tg.InputPeerClass{},
		runDone: make(chan struct{}),
	}

	cn.client = telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: store,
		UpdateHandler:  telegram.UpdateHandlerFunc(cn.onUpdates),
		Device: telegram.DeviceConfig{
			DeviceModel:   "Chrome",
			SystemVersion: "Windows 10",
			AppVersion:    "4.0",
		},
	})
	cn.api = cn.client.API()

	runCtx, cancel := context.WithCancel(context.Background())
	cn.cancel = cancel

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(cn.runDone)
		err := cn.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}
	}()

	select {
	case <-ready:
		return cn, nil
	case err := <-errCh:
		cancel()
		<-cn.runDone
		return nil, mapRPCError(err)
	case <-time.After(c.cfg.ConnectTimeout):
		cancel()
		<-cn.runDone
		return nil, platform.Transient(fmt.Errorf("connect timeout after %s", c.cfg.ConnectTimeout))
	case <-ctx.Done():
		cancel()
		<-cn.runDone
		return nil, ctx.Err()
	}
}

type conn struct {
	log   logx.Logger
	creds platform.Credentials

	client *telegram.Client
	api    *tg.Client
	store  *tokenStorage

	cancel  context.CancelFunc
	runDone chan struct{}

	limiter *rate.Limiter
	sends   sync.WaitGroup

	inbound chan platform.Inbound
	dropped atomic.Uint64

	peerMu sync.Mutex
	peers  map[int64]tg.InputPeerClass

	qrMu        sync.Mutex
	qrExpires   time.Time
	qrSatisfied bool

	closeOnce sync.Once
}

func (cn *conn) Authorized(ctx context.Context) (bool, error) {
	st, err := cn.client.Auth().Status(ctx)
	if err != nil {
		return false, mapRPCError(err)
	}
	return st.Authorized, nil
}

func (cn *conn) Self(ctx context.Context) (platform.Identity, error) {
	u, err := cn.client.Self(ctx)
	if err != nil {
		return platform.Identity{}, mapRPCError(err)
	}
	return platform.Identity{
		UserID:    u.ID,
		FirstName: u.FirstName,
		Username:  u.Username,
		Phone:     u.Phone,
	}, nil
}

func (cn *conn) SessionToken(ctx context.Context) (string, error) {
	tok := cn.store.Token()
	if tok == "" {
		return "", fmt.Errorf("no session material stored yet")
	}
	return tok, nil
}

func (cn *conn) SendMessage(ctx context.Context, channelID int64, text string) error {
	cn.sends.Add(1)
	defer cn.sends.Done()

	if err := cn.limiter.Wait(ctx); err != nil {
		return err
	}

	peer, err := cn.inputPeer(ctx, channelID)
	if err != nil {
		return err
	}

	_, err = cn.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	})
	if err != nil {
		return mapRPCError(err)
	}
	return nil
}

func (cn *conn) Inbound() <-chan platform.Inbound { return cn.inbound }

// Close disconnects exactly once. In-flight sends finish first; the caller is
// expected to have canceled its own send contexts before closing.
func (cn *conn) Close() error {
	cn.closeOnce.Do(func() {
		cn.sends.Wait()
		cn.cancel()
		<-cn.runDone
		if n := cn.dropped.Load(); n > 0 {
			cn.log.Warn("inbound events dropped (queue full)", logx.Uint64("count", n))
		}
	})
	return nil
}

func (cn *conn) deliver(in platform.Inbound) {
	select {
	case cn.inbound <- in:
	default:
		cn.dropped.Add(1)
	}
}

func randomID() int64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) &^ (1 << 63))
}
