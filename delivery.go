package chatsync

import (
	"context"
	"fmt"
)

// ============================================================================
// Transport boundary
// ============================================================================

// Realtime is the outbound half of the push channel. Each send reports
// whether the command was accepted for transmission; confirmation, if any,
// arrives later as an inbound event.
type Realtime interface {
	Connected() bool
	SendChannelMessage(ctx context.Context, channelID string, payload OutboundMessage, workspaceID string) bool
	DeleteMessage(ctx context.Context, messageID, channelID string) bool
	DeleteDirectMessage(ctx context.Context, messageID string) bool
	AddMessageReaction(ctx context.Context, messageID, channelID, reaction string) bool
}

// OutboundMessage is the body of a new channel message on either path.
type OutboundMessage struct {
	Message  string  `json:"message"`
	Image    string  `json:"image,omitempty"`
	IsCode   bool    `json:"isCode"`
	Language *string `json:"language"`
}

func outboundFromDraft(d Draft) OutboundMessage {
	out := OutboundMessage{Message: d.Content, Image: d.Image, IsCode: d.IsCode}
	if d.Language != "" {
		lang := d.Language
		out.Language = &lang
	}
	return out
}

// Receipt is the outcome of a delivery attempt. Message is set only when the
// path returns the confirmed message synchronously.
type Receipt struct {
	Accepted bool
	Message  *Message
}

// Delivery is one way of getting a mutation to the server. Available is the
// probe the pipeline consults once per operation.
type Delivery interface {
	Name() string
	Available() bool
	SendChannelMessage(ctx context.Context, channelID, workspaceID string, d Draft) (*Receipt, error)
	DeleteMessage(ctx context.Context, messageID, channelID string, direct bool) (*Receipt, error)
	AddReaction(ctx context.Context, messageID, channelID, reaction string) (*Receipt, error)
}

// ============================================================================
// Real-time delivery
// ============================================================================

type realtimeDelivery struct {
	rt Realtime
}

func (d *realtimeDelivery) Name() string { return "realtime" }

func (d *realtimeDelivery) Available() bool {
	return d.rt != nil && d.rt.Connected()
}

func (d *realtimeDelivery) SendChannelMessage(ctx context.Context, channelID, workspaceID string, draft Draft) (*Receipt, error) {
	ok := d.rt.SendChannelMessage(ctx, channelID, outboundFromDraft(draft), workspaceID)
	return &Receipt{Accepted: ok}, nil
}

func (d *realtimeDelivery) DeleteMessage(ctx context.Context, messageID, channelID string, direct bool) (*Receipt, error) {
	if direct {
		return &Receipt{Accepted: d.rt.DeleteDirectMessage(ctx, messageID)}, nil
	}
	return &Receipt{Accepted: d.rt.DeleteMessage(ctx, messageID, channelID)}, nil
}

func (d *realtimeDelivery) AddReaction(ctx context.Context, messageID, channelID, reaction string) (*Receipt, error) {
	return &Receipt{Accepted: d.rt.AddMessageReaction(ctx, messageID, channelID, reaction)}, nil
}

// ============================================================================
// Request/response delivery
// ============================================================================

type restDelivery struct {
	api Requester
}

func (d *restDelivery) Name() string { return "fallback" }

func (d *restDelivery) Available() bool { return d.api != nil }

func (d *restDelivery) SendChannelMessage(ctx context.Context, channelID, _ string, draft Draft) (*Receipt, error) {
	env, err := d.api.Post(ctx, channelMessagesPath(channelID), outboundFromDraft(draft))
	if err != nil {
		return nil, err
	}
	return confirmedReceipt(env)
}

// SendDirectMessage posts a direct message. Direct messages have no
// real-time send path.
func (d *restDelivery) SendDirectMessage(ctx context.Context, friendID string, draft Draft) (*Receipt, error) {
	lang := draft.Language
	if lang == "" {
		lang = "text"
	}
	body := map[string]any{
		"content":  draft.Content,
		"isCode":   draft.IsCode,
		"language": lang,
	}
	if draft.Image != "" {
		body["image"] = draft.Image
	}
	env, err := d.api.Post(ctx, directFriendPath(friendID), body)
	if err != nil {
		return nil, err
	}
	return confirmedReceipt(env)
}

func (d *restDelivery) DeleteMessage(ctx context.Context, messageID, _ string, direct bool) (*Receipt, error) {
	path := messagePath(messageID)
	if direct {
		path = directMessagePath(messageID)
	}
	if _, err := d.api.Delete(ctx, path); err != nil {
		return nil, err
	}
	return &Receipt{Accepted: true}, nil
}

func (d *restDelivery) AddReaction(ctx context.Context, messageID, channelID, reaction string) (*Receipt, error) {
	body := map[string]string{"reaction": reaction, "channelId": channelID}
	if _, err := d.api.Post(ctx, reactionPath(messageID), body); err != nil {
		return nil, err
	}
	return &Receipt{Accepted: true}, nil
}

func confirmedReceipt(env *Envelope) (*Receipt, error) {
	if !env.HasData() {
		return &Receipt{Accepted: true}, nil
	}
	m, err := DecodeMessage(env.Data)
	if err != nil {
		return nil, fmt.Errorf("confirmed message: %w", err)
	}
	if m.ID == "" {
		return &Receipt{Accepted: true}, nil
	}
	return &Receipt{Accepted: true, Message: &m}, nil
}
