package chatsync

// Bind routes the inbound events of src into the Syncer. It is usually called
// once, before src connects.
func (s *Syncer) Bind(src RealtimeSource) {
	src.OnChannelMessage(func(m Message) { s.ReceiveChannelMessage(m) })
	src.OnDirectMessage(func(m Message) { s.ReceiveDirectMessage(m) })
	src.OnMessageDeleted(func(p DeletionPayload) { s.ReceiveChannelDeletion(p.MessageID) })
	src.OnDirectMessageDeleted(func(p DeletionPayload) { s.ReceiveDirectDeletion(p.MessageID) })
	src.OnReactions(func(p ReactionsPayload) { s.ReplaceReactions(p.MessageID, p.Reactions) })
	src.OnReadReceipt(func(r ReadReceipt) { s.ReceiveReadReceipt(r) })
	src.OnTyping(func(p TypingPayload) {
		if p.ChannelID != "" {
			s.typing.SetChannel(p.ChannelID, firstNonEmpty(p.UserID, p.SenderID), p.Username, p.IsTyping)
			return
		}
		s.typing.SetDirect(firstNonEmpty(p.SenderID, p.UserID), p.IsTyping)
	})
}
