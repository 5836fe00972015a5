package mtproto

import (
	"context"

	"github.com/gotd/td/tg"

	"fleetbot/internal/platform"
)

// onUpdates feeds incoming messages onto the connection's inbound queue.
// Everything the auto-reply handler doesn't care about is dropped here; the
// queue carries only plain message events.
func (cn *conn) onUpdates(_ context.Context, u tg.UpdatesClass) error {
	switch v := u.(type) {
	case *tg.Updates:
		cn.cachePeers(v.Chats, v.Users)
		for _, upd := range v.Updates {
			cn.onUpdate(upd)
		}
	case *tg.UpdatesCombined:
		cn.cachePeers(v.Chats, v.Users)
		for _, upd := range v.Updates {
			cn.onUpdate(upd)
		}
	case *tg.UpdateShortMessage:
		// One-to-one message in short form. No access hash attached; the peer
		// cache picks it up from a later dialogs fetch if a reply is needed.
		cn.deliver(platform.Inbound{
			SenderID: v.UserID,
			ChatID:   v.UserID,
			Private:  true,
			Own:      v.Out,
			Text:     v.Message,
		})
	case *tg.UpdateShortChatMessage:
		cn.deliver(platform.Inbound{
			SenderID: v.FromID,
			ChatID:   v.ChatID,
			Own:      v.Out,
			Text:     v.Message,
		})
	}
	return nil
}

func (cn *conn) onUpdate(u tg.UpdateClass) {
	var msg tg.MessageClass
	switch v := u.(type) {
	case *tg.UpdateNewMessage:
		msg = v.Message
	case *tg.UpdateNewChannelMessage:
		msg = v.Message
	default:
		return
	}
	m, ok := msg.(*tg.Message)
	if !ok {
		return
	}

	in := platform.Inbound{Own: m.Out, Text: m.Message}
	switch p := m.PeerID.(type) {
	case *tg.PeerUser:
		in.Private = true
		in.ChatID = p.UserID
		in.SenderID = p.UserID
	case *tg.PeerChat:
		in.ChatID = p.ChatID
	case *tg.PeerChannel:
		in.ChatID = p.ChannelID
	}
	if f, ok := m.GetFromID(); ok {
		if pu, ok := f.(*tg.PeerUser); ok {
			in.SenderID = pu.UserID
		}
	}
	cn.deliver(in)
}
