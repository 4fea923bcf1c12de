package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when no current user can be resolved.
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("chatsync: validation failed")
	// ErrInvalidResponse is returned when a response envelope carries no data.
	ErrInvalidResponse = errors.New("chatsync: invalid response from server")
)

// APIError represents a failed request/response call.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// ValidationError reports a missing required identifier. It never reaches the
// network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "missing " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// errorMessage returns the server-provided message carried by err, or fallback.
func errorMessage(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// ============================================================================
// Messages
// ============================================================================

// TempIDPrefix marks provisional message identifiers.
const TempIDPrefix = "temp-"

// Scope selects one of the two message sequences held by the Store.
type Scope int

const (
	ScopeChannel Scope = iota
	ScopeDirect
)

func (s Scope) String() string {
	if s == ScopeDirect {
		return "direct"
	}
	return "channel"
}

// Sender carries the display fields of a message author.
type Sender struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Reaction is one emoji and the ordered set of users who reacted with it.
// A Reaction never has an empty Users list.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Message is the canonical cached message shape. Every inbound payload
// variant is mapped onto it by DecodeMessage.
type Message struct {
	ID          string     `json:"_id"`
	AltID       string     `json:"messageId,omitempty"`
	ChannelID   string     `json:"channelId,omitempty"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	ReceiverID  string     `json:"receiverId,omitempty"`
	SenderID    string     `json:"senderId"`
	Sender      Sender     `json:"sender"`
	Content     string     `json:"content"`
	Image       string     `json:"image,omitempty"`
	IsCode      bool       `json:"isCode,omitempty"`
	Language    string     `json:"language,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	Reactions   []Reaction `json:"reactions,omitempty"`
	IsPending   bool       `json:"isPending,omitempty"`
	IsSentByMe  bool       `json:"isSentByMe"`
}

// IsProvisional reports whether m is a client-synthesized entry awaiting
// confirmation.
func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Draft is the user input for a new message.
type Draft struct {
	ChannelID string
	Content   string
	Image     string
	IsCode    bool
	Language  string
}

// ReadReceipt marks every unread direct message from SenderID to ReceiverID
// as read at ReadAt.
type ReadReceipt struct {
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	ReadAt     time.Time `json:"readAt"`
}

// ============================================================================
// Envelope & Search
// ============================================================================

// Envelope is the generic response body of every request/response call.
type Envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HasData reports whether the envelope carries a non-null data field.
func (e *Envelope) HasData() bool {
	if e == nil {
		return false
	}
	d := strings.TrimSpace(string(e.Data))
	return d != "" && d != "null"
}

// Decode unmarshals the Data field into the provided type.
func (e *Envelope) Decode(v any) error {
	if !e.HasData() {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Pagination is the search paging state. Total is always recomputed from the
// locally filtered result count.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages,omitempty"`
	HasMore bool `json:"hasMore,omitempty"`
}

// SearchState is the result of the last search in one scope.
type SearchState struct {
	Query      string
	Results    []Message
	Pagination *Pagination
}
