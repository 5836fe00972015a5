package mtproto

import (
	"context"
	"fmt"
	"strings"

	"github.com/gotd/td/tg"

	"fleetbot/internal/platform"
)

// inputPeer resolves a dialog id to an InputPeer with access hash. Cache
// misses trigger one dialogs refresh; unknown peers after that are permanent
// (the account simply isn't a member).
func (cn *conn) inputPeer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	cn.peerMu.Lock()
	p, ok := cn.peers[id]
	cn.peerMu.Unlock()
	if ok {
		return p, nil
	}

	if _, err := cn.Dialogs(ctx); err != nil {
		return nil, err
	}

	cn.peerMu.Lock()
	p, ok = cn.peers[id]
	cn.peerMu.Unlock()
	if !ok {
		return nil, platform.Permanent(fmt.Errorf("unknown peer %d", id))
	}
	return p, nil
}

func (cn *conn) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	res, err := cn.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      200,
	})
	if err != nil {
		return nil, mapRPCError(err)
	}

	var (
		chats []tg.ChatClass
		users []tg.UserClass
	)
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats, users = d.Chats, d.Users
	case *tg.MessagesDialogsSlice:
		chats, users = d.Chats, d.Users
	default:
		return nil, nil
	}

	cn.cachePeers(chats, users)

	out := make([]platform.Dialog, 0, len(chats)+len(users))
	for _, c := range chats {
		switch v := c.(type) {
		case *tg.Chat:
			out = append(out, platform.Dialog{
				ID:          v.ID,
				Title:       v.Title,
				Kind:        platform.DialogGroup,
				MemberCount: v.ParticipantsCount,
			})
		case *tg.Channel:
			kind := platform.DialogGroup
			if v.Broadcast {
				kind = platform.DialogChannel
			}
			d := platform.Dialog{
				ID:       v.ID,
				Title:    v.Title,
				Kind:     kind,
				Username: v.Username,
			}
			if n, ok := v.GetParticipantsCount(); ok {
				d.MemberCount = n
			}
			out = append(out, d)
		}
	}
	for _, u := range users {
		v, ok := u.(*tg.User)
		if !ok || v.Bot {
			continue
		}
		title := strings.TrimSpace(v.FirstName + " " + v.LastName)
		if title == "" {
			title = v.Username
		}
		out = append(out, platform.Dialog{
			ID:    v.ID,
			Title: title,
			Kind:  platform.DialogDirect,
		})
	}
	return out, nil
}

func (cn *conn) cachePeers(chats []tg.ChatClass, users []tg.UserClass) {
	cn.peerMu.Lock()
	defer cn.peerMu.Unlock()
	for _, c := range chats {
		switch v := c.(type) {
		case *tg.Chat:
			cn.peers[v.ID] = &tg.InputPeerChat{ChatID: v.ID}
		case *tg.Channel:
			cn.peers[v.ID] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
		}
	}
	for _, u := range users {
		if v, ok := u.(*tg.User); ok {
			cn.peers[v.ID] = &tg.InputPeerUser{UserID: v.ID, AccessHash: v.AccessHash}
		}
	}
}
