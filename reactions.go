package chatsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ToggleReaction returns reactions with userID toggled on emoji. The input is
// never modified. A reaction whose last user is removed disappears, and the
// result is nil when no reactions remain.
func ToggleReaction(reactions []Reaction, emoji, userID string) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	found := false
	for _, r := range reactions {
		if r.Emoji != emoji {
			out = append(out, r)
			continue
		}
		found = true
		users := make([]string, 0, len(r.Users)+1)
		removed := false
		for _, u := range r.Users {
			if u == userID {
				removed = true
				continue
			}
			users = append(users, u)
		}
		if !removed {
			users = append(users, userID)
		}
		if len(users) > 0 {
			out = append(out, Reaction{Emoji: r.Emoji, Users: users})
		}
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, Users: []string{userID}})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sanitizeReactions copies reactions, dropping empty and repeated users and
// reactions left without users.
func sanitizeReactions(reactions []Reaction) []Reaction {
	var out []Reaction
	for _, r := range reactions {
		if r.Emoji == "" {
			continue
		}
		seen := make(map[string]struct{}, len(r.Users))
		users := make([]string, 0, len(r.Users))
		for _, u := range r.Users {
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
		if len(users) > 0 {
			out = append(out, Reaction{Emoji: r.Emoji, Users: users})
		}
	}
	return out
}

// ============================================================================
// Reaction requests
// ============================================================================

// ReactToMessage toggles userID's emoji reaction on a channel message. The
// toggle is applied to the cache before the request; if the request fails the
// channel history is reloaded to resynchronize.
func (s *Syncer) ReactToMessage(ctx context.Context, messageID, emoji, channelID, userID string) error {
	switch {
	case messageID == "":
		return s.invalid("messageId", "Message ID is required")
	case emoji == "":
		return s.invalid("emoji", "Emoji is required")
	case channelID == "":
		return s.invalid("channelId", "Channel ID is required to add reactions")
	case userID == "":
		return s.invalid("userId", "User not authenticated")
	}

	s.store.setFlag(flagReacting, true)
	defer s.store.setFlag(flagReacting, false)

	s.store.Update(ScopeChannel, messageID, func(m Message) (Message, bool) {
		m.Reactions = ToggleReaction(m.Reactions, emoji, userID)
		return m, true
	})

	_, err := s.api.Post(ctx, reactPath(messageID), map[string]string{"emoji": emoji})
	if err == nil {
		return nil
	}
	s.log.Warn("react to message failed, reloading channel",
		zap.String("id", messageID), zap.String("channel", channelID), zap.Error(err))
	s.notify(errorMessage(err, "Failed to add reaction"))
	if reloadErr := s.LoadChannel(ctx, channelID); reloadErr != nil {
		s.log.Warn("reload after reaction failure", zap.Error(reloadErr))
	}
	return fmt.Errorf("react to message %s: %w", messageID, err)
}

// AddReaction asks the server to add reaction to a message. The cache is not
// touched; the server answers with a reaction replacement event.
func (s *Syncer) AddReaction(ctx context.Context, messageID, channelID, reaction string) error {
	if messageID == "" {
		return s.invalid("messageId", "Message ID is required")
	}
	if reaction == "" {
		return s.invalid("emoji", "Emoji is required")
	}
	s.store.setFlag(flagReacting, true)
	defer s.store.setFlag(flagReacting, false)

	if s.push.Available() {
		receipt, err := s.push.AddReaction(ctx, messageID, channelID, reaction)
		if err == nil && receipt.Accepted {
			return nil
		}
		s.log.Debug("push reaction refused, falling back", zap.String("id", messageID), zap.Error(err))
	}
	if _, err := s.rest.AddReaction(ctx, messageID, channelID, reaction); err != nil {
		s.log.Warn("add reaction failed", zap.String("id", messageID), zap.Error(err))
		s.notify("Failed to add reaction")
		return fmt.Errorf("add reaction to %s: %w", messageID, err)
	}
	return nil
}

// ReplaceReactions overwrites the reactions of messageID with the server's
// authoritative set. The channel sequence is searched first.
func (s *Syncer) ReplaceReactions(messageID string, reactions []Reaction) bool {
	clean := sanitizeReactions(reactions)
	replace := func(m Message) (Message, bool) {
		m.Reactions = clean
		return m, true
	}
	if _, ok := s.store.Find(ScopeChannel, messageID); ok {
		return s.store.Update(ScopeChannel, messageID, replace)
	}
	if _, ok := s.store.Find(ScopeDirect, messageID); ok {
		return s.store.Update(ScopeDirect, messageID, replace)
	}
	s.log.Debug("reaction update for uncached message", zap.String("id", messageID))
	return false
}
