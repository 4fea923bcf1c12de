package chatsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Optimistic send
// ============================================================================

// SendMessage shows d in the channel sequence immediately as a pending
// provisional entry, then delivers it. The push channel is tried first; when
// it is unavailable or refuses the command the message is posted instead and
// the provisional entry is replaced by the server's copy. On failure the
// provisional entry is removed and the error is notified.
//
// An empty workspaceID means there is nothing to send to and is a no-op.
func (s *Syncer) SendMessage(ctx context.Context, d Draft, workspaceID string) (*Message, error) {
	if workspaceID == "" {
		return nil, nil
	}
	me := s.currentUser()
	if me == nil {
		s.notify("You must be logged in to send messages")
		return nil, ErrNotAuthenticated
	}

	channelID := d.ChannelID
	if channelID == "" {
		channelID = firstNonEmpty(s.store.Selection().Channel, workspaceID)
	}

	s.store.setFlag(flagSending, true)
	defer s.store.setFlag(flagSending, false)

	provisional := s.provisional(me, d)
	provisional.ChannelID = channelID
	provisional.WorkspaceID = workspaceID
	s.store.Append(ScopeChannel, provisional)

	if s.push.Available() {
		receipt, err := s.push.SendChannelMessage(ctx, channelID, workspaceID, d)
		if err == nil && receipt.Accepted {
			s.metrics.sent(s.push.Name())
			s.schedulePendingTimeout(ScopeChannel, provisional.ID)
			if receipt.Message != nil {
				return s.confirmSend(ScopeChannel, provisional.ID, *receipt.Message, me.ID), nil
			}
			return &provisional, nil
		}
		s.log.Debug("push delivery refused, falling back",
			zap.String("path", s.push.Name()), zap.String("channel", channelID), zap.Error(err))
	}

	s.metrics.sent(s.rest.Name())
	receipt, err := s.rest.SendChannelMessage(ctx, channelID, workspaceID, d)
	if err != nil {
		s.store.Remove(ScopeChannel, provisional.ID)
		s.metrics.sendFailed()
		s.log.Warn("send message failed", zap.String("channel", channelID), zap.Error(err))
		s.notify(errorMessage(err, "Failed to send message"))
		return nil, fmt.Errorf("send message to %s: %w", channelID, err)
	}
	if receipt.Message == nil {
		s.clearPending(ScopeChannel, provisional.ID)
		provisional.IsPending = false
		return &provisional, nil
	}
	return s.confirmSend(ScopeChannel, provisional.ID, *receipt.Message, me.ID), nil
}

// SendDirectMessage shows d in the direct sequence immediately and posts it to
// friendID. Direct messages always use the request/response path.
func (s *Syncer) SendDirectMessage(ctx context.Context, d Draft, friendID string) (*Message, error) {
	if friendID == "" {
		return nil, s.invalid("friendId", "Friend ID is required")
	}
	me := s.currentUser()
	if me == nil {
		s.notify("You must be logged in to send messages")
		return nil, ErrNotAuthenticated
	}

	s.store.setFlag(flagSending, true)
	defer s.store.setFlag(flagSending, false)

	provisional := s.provisional(me, d)
	provisional.ReceiverID = friendID
	if provisional.Language == "" {
		provisional.Language = "text"
	}
	s.store.Append(ScopeDirect, provisional)

	s.metrics.sent(s.rest.Name())
	receipt, err := s.rest.SendDirectMessage(ctx, friendID, d)
	if err != nil {
		s.store.Remove(ScopeDirect, provisional.ID)
		s.metrics.sendFailed()
		s.log.Warn("send direct message failed", zap.String("friend", friendID), zap.Error(err))
		s.notify(errorMessage(err, "Failed to send direct message"))
		return nil, fmt.Errorf("send direct message to %s: %w", friendID, err)
	}
	if receipt.Message == nil {
		s.clearPending(ScopeDirect, provisional.ID)
		provisional.IsPending = false
		return &provisional, nil
	}
	return s.confirmSend(ScopeDirect, provisional.ID, *receipt.Message, me.ID), nil
}

// provisional builds the pending entry shown until the server confirms d.
func (s *Syncer) provisional(me *Identity, d Draft) Message {
	return Message{
		ID:         s.tempID(),
		SenderID:   me.ID,
		Sender:     Sender{UserID: me.ID, Username: me.Username, Avatar: me.Avatar},
		Content:    d.Content,
		Image:      d.Image,
		IsCode:     d.IsCode,
		Language:   d.Language,
		CreatedAt:  s.now(),
		IsPending:  true,
		IsSentByMe: true,
	}
}

// confirmSend swaps the provisional entry tempID for the server's copy. When
// the entry is already gone (a push confirmation won the race) the confirmed
// message goes through the regular inbound rules instead.
func (s *Syncer) confirmSend(scope Scope, tempID string, confirmed Message, meID string) *Message {
	confirmed.IsSentByMe = true
	confirmed.IsPending = false
	if s.store.Replace(scope, tempID, confirmed) {
		s.metrics.reconcile()
		return &confirmed
	}
	s.mergeInbound(scope, confirmed, meID)
	return &confirmed
}

func (s *Syncer) clearPending(scope Scope, id string) bool {
	return s.store.Update(scope, id, func(m Message) (Message, bool) {
		if !m.IsPending {
			return m, false
		}
		m.IsPending = false
		return m, true
	})
}

// schedulePendingTimeout clears the pending flag of id if no confirmation has
// replaced it by the time the timer fires.
func (s *Syncer) schedulePendingTimeout(scope Scope, id string) {
	time.AfterFunc(s.pendingTimeout, func() {
		if s.clearPending(scope, id) {
			s.metrics.pendingTimeout()
			s.log.Debug("pending message not confirmed in time", zap.String("id", id))
		}
	})
}
