package mtproto

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"fleetbot/internal/platform"
)

func (cn *conn) RequestCode(ctx context.Context, phone string) (string, error) {
	sent, err := cn.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", mapRPCError(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", platform.Transient(errors.New("unexpected sent-code response"))
	}
	return code.PhoneCodeHash, nil
}

func (cn *conn) SubmitCode(ctx context.Context, phone, code, challenge string) (string, error) {
	_, err := cn.client.Auth().SignIn(ctx, phone, code, challenge)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return "", platform.ErrPasswordRequired
	}
	if err != nil {
		return "", mapRPCError(err)
	}
	return cn.SessionToken(ctx)
}

func (cn *conn) SubmitPassword(ctx context.Context, password string) (string, error) {
	_, err := cn.client.Auth().Password(ctx, password)
	if err != nil {
		return "", mapRPCError(err)
	}
	return cn.SessionToken(ctx)
}

// IssueQR exports a login token. The same call doubles as the poll primitive:
// Telegram's QR flow is "export again and see what comes back".
func (cn *conn) IssueQR(ctx context.Context) (platform.QRChallenge, error) {
	res, err := cn.exportLoginToken(ctx)
	if err != nil {
		return platform.QRChallenge{}, err
	}

	switch v := res.(type) {
	case *tg.AuthLoginToken:
		exp := time.Unix(int64(v.Expires), 0)
		cn.qrMu.Lock()
		cn.qrExpires = exp
		cn.qrSatisfied = false
		cn.qrMu.Unlock()
		return platform.QRChallenge{
			URI:       "tg://login?token=" + base64.RawURLEncoding.EncodeToString(v.Token),
			ExpiresAt: exp,
		}, nil
	case *tg.AuthLoginTokenSuccess:
		// Scanned before we even handed the URI out (re-issue on a satisfied
		// connection). Surface as an already-expired challenge; PollQR will
		// report authorized.
		cn.qrMu.Lock()
		cn.qrSatisfied = true
		cn.qrMu.Unlock()
		return platform.QRChallenge{ExpiresAt: time.Now()}, nil
	default:
		return platform.QRChallenge{}, platform.Transient(errors.New("unexpected login token response"))
	}
}

func (cn *conn) PollQR(ctx context.Context) (platform.QRPoll, error) {
	cn.qrMu.Lock()
	satisfied := cn.qrSatisfied
	expires := cn.qrExpires
	cn.qrMu.Unlock()

	if satisfied {
		tok, err := cn.SessionToken(ctx)
		if err != nil {
			return platform.QRPoll{}, err
		}
		return platform.QRPoll{State: platform.QRAuthorized, Token: tok}, nil
	}

	res, err := cn.exportLoginToken(ctx)
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") || errors.Is(err, platform.ErrPasswordRequired) {
		return platform.QRPoll{State: platform.QRPasswordRequired}, nil
	}
	if err != nil {
		return platform.QRPoll{}, err
	}

	switch res.(type) {
	case *tg.AuthLoginTokenSuccess:
		cn.qrMu.Lock()
		cn.qrSatisfied = true
		cn.qrMu.Unlock()
		tok, err := cn.SessionToken(ctx)
		if err != nil {
			return platform.QRPoll{}, err
		}
		return platform.QRPoll{State: platform.QRAuthorized, Token: tok}, nil
	case *tg.AuthLoginToken:
		if !expires.IsZero() && time.Now().After(expires) {
			return platform.QRPoll{State: platform.QRExpired}, nil
		}
		return platform.QRPoll{State: platform.QRPending}, nil
	default:
		return platform.QRPoll{State: platform.QRPending}, nil
	}
}

func (cn *conn) exportLoginToken(ctx context.Context) (tg.AuthLoginTokenClass, error) {
	res, err := cn.api.AuthExportLoginToken(ctx, &tg.AuthExportLoginTokenRequest{
		APIID:     cn.creds.APIID,
		APIHash:   cn.creds.APIHash,
		ExceptIDs: []int64{},
	})
	if err != nil {
		return nil, mapRPCError(err)
	}

	// A scan from a session on another DC requires an import round-trip.
	if mig, ok := res.(*tg.AuthLoginTokenMigrateTo); ok {
		imp, err := cn.api.AuthImportLoginToken(ctx, mig.Token)
		if err != nil {
			return nil, mapRPCError(err)
		}
		return imp, nil
	}
	return res, nil
}

// mapRPCError translates gotd/transport failures into the shared taxonomy.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &platform.FloodWaitError{RetryAfter: d}
	}
	switch {
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return platform.ErrInvalidPhone
	case tgerr.Is(err, "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD", "ACCESS_TOKEN_INVALID"):
		return platform.ErrInvalidCredentials
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return platform.ErrInvalidCode
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return platform.ErrCodeExpired
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return platform.ErrPasswordRequired
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return platform.ErrInvalidPassword
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_EXPIRED", "SESSION_REVOKED", "AUTH_KEY_INVALID"):
		return platform.ErrSessionExpired
	}

	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		if rpc.Code >= 500 {
			return platform.Transient(err)
		}
		// Remaining 4xx are request-shaped faults: posting forbidden, bad
		// peer, restricted chat. Retrying won't change the answer.
		return platform.Permanent(err)
	}

	// Non-RPC (network, transport) faults are retryable.
	return platform.Transient(err)
}
