package engine

import (
	"context"

	"fleetbot/internal/eventbus"
	logx "fleetbot/pkg/logx"
)

// replyLoop answers private inbound messages with the configured text. It
// shares the bot's connection with the dispatch loop; sends interleave.
func (e *Engine) replyLoop(ctx context.Context, b *bot) {
	defer close(b.replyDone)
	if !b.cfg.AutoReply {
		<-ctx.Done()
		return
	}

	log := e.log.With(logx.String("bot", b.id))
	in := b.conn.Inbound()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			// Only one-to-one messages from other users get an answer.
			if msg.Own || !msg.Private || msg.SenderID == b.selfID {
				continue
			}

			if err := b.conn.SendMessage(ctx, msg.SenderID, b.cfg.AutoReplyText); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("auto-reply failed",
					logx.Int64("sender", msg.SenderID), logx.Err(err))
				continue
			}

			b.autoReplies.Add(1)
			log.Trace("auto-reply sent", logx.Int64("sender", msg.SenderID))
			e.publishSend(eventbus.TypeAutoReply, b, msg.SenderID, b.cfg.AutoReplyText, nil)
		}
	}
}
