package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Wire shapes
// ============================================================================

// flexID accepts a plain string id or a populated object carrying one.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
	case '{':
		var obj struct {
			UnderscoreID string `json:"_id"`
			ID           string `json:"id"`
			UserID       string `json:"userId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*f = flexID(firstNonEmpty(obj.UnderscoreID, obj.ID, obj.UserID))
	default:
		*f = flexID(string(data))
	}
	return nil
}

// flexTime accepts RFC 3339 strings and epoch milliseconds.
type flexTime struct{ time.Time }

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		f.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		f.Time = t
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch %s: %w", data, err)
	}
	f.Time = time.UnixMilli(ms)
	return nil
}

func (f flexTime) ptr() *time.Time {
	if f.IsZero() {
		return nil
	}
	t := f.Time
	return &t
}

type wireSender struct {
	UserID   flexID `json:"userId"`
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type wireReaction struct {
	Emoji string   `json:"emoji"`
	Users []flexID `json:"users"`
}

type wireMessage struct {
	UnderscoreID string `json:"_id"`
	ID           string `json:"id"`
	MessageID    string `json:"messageId"`

	Content string `json:"content"`
	Text    string `json:"message"`
	Image   string `json:"image"`

	SenderID     flexID      `json:"senderId"`
	UserID       flexID      `json:"userId"`
	Sender       *wireSender `json:"sender"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar"`

	ChannelID   flexID `json:"channelId"`
	WorkspaceID flexID `json:"workspaceId"`
	ReceiverID  flexID `json:"receiverId"`

	IsCode   bool    `json:"isCode"`
	Language *string `json:"language"`

	CreatedAt flexTime `json:"createdAt"`
	Timestamp flexTime `json:"timestamp"`
	UpdatedAt flexTime `json:"updatedAt"`
	ReadAt    flexTime `json:"readAt"`

	IsDeleted  bool           `json:"isDeleted"`
	Reactions  []wireReaction `json:"reactions"`
	IsPending  bool           `json:"isPending"`
	IsSentByMe bool           `json:"isSentByMe"`
}

// ============================================================================
// Normalization
// ============================================================================

// DecodeMessage maps any supported payload variant onto the canonical Message.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.canonical(), nil
}

// DecodeMessages decodes a JSON array of messages. A null or empty payload
// yields an empty, non-nil slice.
func DecodeMessages(data []byte) ([]Message, error) {
	var ws []wireMessage
	if d := bytes.TrimSpace(data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		if err := json.Unmarshal(d, &ws); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	out := make([]Message, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.canonical())
	}
	return out, nil
}

func (w wireMessage) canonical() Message {
	id := firstNonEmpty(w.UnderscoreID, w.ID, w.MessageID)
	m := Message{
		ID:          id,
		ChannelID:   string(w.ChannelID),
		WorkspaceID: string(w.WorkspaceID),
		ReceiverID:  string(w.ReceiverID),
		Content:     firstNonEmpty(w.Content, w.Text),
		Image:       w.Image,
		IsCode:      w.IsCode,
		CreatedAt:   w.CreatedAt.Time,
		UpdatedAt:   w.UpdatedAt.ptr(),
		ReadAt:      w.ReadAt.ptr(),
		IsDeleted:   w.IsDeleted,
		Reactions:   normalizeReactions(w.Reactions),
		IsPending:   w.IsPending,
		IsSentByMe:  w.IsSentByMe,
	}
	if w.MessageID != "" && w.MessageID != id {
		m.AltID = w.MessageID
	}
	if w.Language != nil {
		m.Language = *w.Language
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = w.Timestamp.Time
	}

	if w.Sender != nil {
		m.SenderID = firstNonEmpty(string(w.SenderID), string(w.Sender.UserID), w.Sender.ID, string(w.UserID))
		m.Sender = Sender{
			UserID:   firstNonEmpty(string(w.Sender.UserID), w.Sender.ID, m.SenderID),
			Username: w.Sender.Username,
			Avatar:   w.Sender.Avatar,
		}
	} else {
		m.SenderID = firstNonEmpty(string(w.SenderID), string(w.UserID))
		m.Sender = Sender{UserID: m.SenderID, Username: w.SenderName, Avatar: w.SenderAvatar}
	}
	return m
}

// normalizeReactions drops reactions without users and repeated users.
func normalizeReactions(in []wireReaction) []Reaction {
	if len(in) == 0 {
		return nil
	}
	out := make([]Reaction, 0, len(in))
	for _, r := range in {
		seen := make(map[string]struct{}, len(r.Users))
		users := make([]string, 0, len(r.Users))
		for _, u := range r.Users {
			id := string(u)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, id)
		}
		if r.Emoji == "" || len(users) == 0 {
			continue
		}
		out = append(out, Reaction{Emoji: r.Emoji, Users: users})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
