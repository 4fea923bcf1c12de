package chatsync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Inbound messages
// ============================================================================

// ReceiveChannelMessage merges a confirmed channel message into the cache.
// A pending provisional entry from the same sender is replaced; otherwise the
// message is appended unless it duplicates a cached entry or belongs to a
// channel other than the selected one. It reports whether the cache changed.
func (s *Syncer) ReceiveChannelMessage(m Message) bool {
	me := s.currentUser()
	if me == nil {
		s.metrics.drop("unauthenticated")
		s.log.Debug("inbound channel message dropped: no current user", zap.String("id", m.ID))
		return false
	}
	m = s.prepareInbound(m, me)
	if m.Sender.Username == "" {
		if m.IsSentByMe {
			m.Sender.Username, m.Sender.Avatar = me.Username, me.Avatar
		} else {
			m.Sender.Username = "Unknown User"
		}
	}
	return s.mergeInbound(ScopeChannel, m, me.ID)
}

// ReceiveDirectMessage merges a confirmed direct message into the cache. Only
// messages between the current user and the selected friend are appended.
func (s *Syncer) ReceiveDirectMessage(m Message) bool {
	me := s.currentUser()
	if me == nil {
		s.metrics.drop("unauthenticated")
		s.log.Debug("inbound direct message dropped: no current user", zap.String("id", m.ID))
		return false
	}
	m = s.prepareInbound(m, me)
	if m.IsSentByMe {
		m.Sender = Sender{UserID: me.ID, Username: me.Username, Avatar: me.Avatar}
		if m.ReceiverID == "" {
			m.ReceiverID = s.store.Selection().Friend
		}
	} else {
		m.ReceiverID = me.ID
	}
	if m.Language == "" {
		m.Language = "text"
	}
	return s.mergeInbound(ScopeDirect, m, me.ID)
}

// prepareInbound fills the fields a push payload may omit.
func (s *Syncer) prepareInbound(m Message, me *Identity) Message {
	if m.ID == "" {
		m.ID = "socket-" + strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.SenderID == "" {
		m.SenderID = m.Sender.UserID
	}
	if m.Sender.UserID == "" {
		m.Sender.UserID = m.SenderID
	}
	m.IsSentByMe = m.IsSentByMe || (m.SenderID != "" && m.SenderID == me.ID)
	m.IsPending = false
	return m
}

// mergeInbound applies the reconciliation rules to a confirmed message under a
// single store mutation.
func (s *Syncer) mergeInbound(scope Scope, m Message, meID string) bool {
	var dropped string
	reconciled := false
	changed := s.store.mutate(scope, func(cur []Message, sel Selection) ([]Message, bool) {
		// A redelivered confirmation must not consume a later send's entry.
		if indexByID(cur, m.ID) >= 0 {
			dropped = "duplicate"
			return cur, false
		}
		if i := firstProvisional(cur, scope, m); i >= 0 {
			next := append([]Message(nil), cur...)
			next[i] = m
			reconciled = true
			return next, true
		}
		if s.isDuplicate(cur, m) {
			dropped = "duplicate"
			return cur, false
		}
		switch scope {
		case ScopeChannel:
			if m.ChannelID != sel.Channel {
				dropped = "foreign_channel"
				return cur, false
			}
		case ScopeDirect:
			if sel.Friend != "" && m.SenderID != sel.Friend && (m.SenderID != meID || m.ReceiverID != sel.Friend) {
				dropped = "foreign_conversation"
				return cur, false
			}
		}
		return appendCopy(cur, m), true
	})

	switch {
	case reconciled:
		s.metrics.reconcile()
		s.log.Debug("provisional message reconciled", zap.Stringer("scope", scope), zap.String("id", m.ID))
	case dropped != "":
		s.metrics.drop(dropped)
		s.log.Debug("inbound message dropped", zap.Stringer("scope", scope),
			zap.String("id", m.ID), zap.String("reason", dropped))
	}
	return changed
}

// firstProvisional returns the index of the first provisional entry that m
// can confirm, or -1. This is narrower than taking the first provisional
// entry unconditionally: the sender must match unless m carries none, and the
// conversation must not contradict the entry's, so another participant's
// message never replaces one of ours.
func firstProvisional(cur []Message, scope Scope, m Message) int {
	for i, p := range cur {
		if !p.IsProvisional() {
			continue
		}
		if m.SenderID != "" && p.SenderID != m.SenderID {
			continue
		}
		if scope == ScopeChannel && !compatible(p.ChannelID, m.ChannelID) {
			continue
		}
		if scope == ScopeDirect && !compatible(p.ReceiverID, m.ReceiverID) {
			continue
		}
		return i
	}
	return -1
}

func compatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

// isDuplicate reports whether m is already cached: same id, or same content
// and sender created within the duplicate window.
func (s *Syncer) isDuplicate(cur []Message, m Message) bool {
	for _, c := range cur {
		if c.ID == m.ID {
			return true
		}
		if c.Content == m.Content && c.SenderID == m.SenderID && absDuration(c.CreatedAt.Sub(m.CreatedAt)) < s.duplicateWindow {
			return true
		}
	}
	return false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Deletion
// ============================================================================

// ReceiveChannelDeletion removes a deleted channel message.
func (s *Syncer) ReceiveChannelDeletion(messageID string) bool {
	return s.store.Remove(ScopeChannel, messageID)
}

// ReceiveDirectDeletion tombstones a deleted direct message. The entry stays
// in the sequence so the conversation can render it as deleted.
func (s *Syncer) ReceiveDirectDeletion(messageID string) bool {
	return s.store.Tombstone(ScopeDirect, messageID)
}

// DeleteMessage deletes a message, preferring the push channel. When the push
// channel accepts the command the cache is updated by the inbound deletion
// event; otherwise the request/response result is applied locally.
func (s *Syncer) DeleteMessage(ctx context.Context, messageID, channelID string, direct bool) error {
	if messageID == "" {
		return s.invalid("messageId", "Message ID is required")
	}
	s.store.setFlag(flagDeleting, true)
	defer s.store.setFlag(flagDeleting, false)

	if s.push.Available() {
		receipt, err := s.push.DeleteMessage(ctx, messageID, channelID, direct)
		if err == nil && receipt.Accepted {
			return nil
		}
		s.log.Debug("push delete refused, falling back", zap.String("id", messageID), zap.Error(err))
	}

	if _, err := s.rest.DeleteMessage(ctx, messageID, channelID, direct); err != nil {
		s.log.Warn("delete message failed", zap.String("id", messageID), zap.Error(err))
		s.notify(errorMessage(err, "Failed to delete message"))
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if direct {
		s.ReceiveDirectDeletion(messageID)
	} else {
		s.ReceiveChannelDeletion(messageID)
	}
	return nil
}

// ============================================================================
// Read receipts
// ============================================================================

// ReceiveReadReceipt stamps every unread direct message from r.SenderID to
// r.ReceiverID with r.ReadAt and returns how many were updated.
func (s *Syncer) ReceiveReadReceipt(r ReadReceipt) int {
	readAt := r.ReadAt
	if readAt.IsZero() {
		readAt = s.now()
	}
	updated := 0
	s.store.mutate(ScopeDirect, func(cur []Message, _ Selection) ([]Message, bool) {
		var next []Message
		for i, m := range cur {
			if m.ReadAt != nil || m.SenderID != r.SenderID || m.ReceiverID != r.ReceiverID {
				continue
			}
			if next == nil {
				next = append([]Message(nil), cur...)
			}
			at := readAt
			next[i].ReadAt = &at
			updated++
		}
		return next, next != nil
	})
	return updated
}
