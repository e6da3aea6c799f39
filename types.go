package rocketterm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp is a server timestamp. The realtime API encodes it as
// {"$date": <ms>}, the REST API as an RFC 3339 string.
type Timestamp struct {
	time.Time
}

// TimestampOf wraps t, truncated to the millisecond resolution the server uses.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Millisecond)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]int64{"$date": ts.UnixMilli()})
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		ts.Time = time.Time{}
		return nil
	case data[0] == '{':
		var wrapped struct {
			Date int64 `json:"$date"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("invalid timestamp object: %w", err)
		}
		ts.Time = time.UnixMilli(wrapped.Date)
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		ts.Time = t
		return nil
	default:
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		ts.Time = time.UnixMilli(ms)
		return nil
	}
}

// ============================================================================
// Users
// ============================================================================

// BasicUserInfo is the minimal user reference embedded in messages and
// member lists. Only the ID takes part in equality.
type BasicUserInfo struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// FriendlyName returns the display name, falling back to the username.
func (u BasicUserInfo) FriendlyName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

func (u BasicUserInfo) Equal(other BasicUserInfo) bool {
	return u.ID == other.ID
}

// UserInfo is the full user record returned by user lookups.
type UserInfo struct {
	BasicUserInfo
	Status     Presence `json:"status,omitempty"`
	StatusText string   `json:"statusText,omitempty"`
	UTCOffset  float64  `json:"utcOffset,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// PresenceFromCode maps the numeric status used on the user-status stream.
func PresenceFromCode(code int) (Presence, error) {
	switch code {
	case 0:
		return PresenceOffline, nil
	case 1:
		return PresenceOnline, nil
	case 2:
		return PresenceAway, nil
	case 3:
		return PresenceBusy, nil
	}
	return "", fmt.Errorf("unknown presence code %d", code)
}

// ParsePresence accepts the lowercase presence names.
func ParsePresence(s string) (Presence, error) {
	switch p := Presence(strings.ToLower(s)); p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return p, nil
	}
	return "", fmt.Errorf("invalid presence %q", s)
}

// UserStatus is a presence value plus the free-text status message.
type UserStatus struct {
	UserID   string
	Username string
	Presence Presence
	Text     string
}

// ============================================================================
// Rooms
// ============================================================================

type RoomType string

const (
	DirectChatType   RoomType = "d"
	ChatRoomType     RoomType = "c"
	PrivateGroupType RoomType = "p"
)

// Subscription is the per-user state of a room: visibility and unread
// counters. It is replaced wholesale on every subscription event.
type Subscription struct {
	RoomID        string    `json:"rid"`
	Name          string    `json:"name"`
	FriendlyName  string    `json:"fname,omitempty"`
	Type          RoomType  `json:"t"`
	Open          bool      `json:"open"`
	Unread        int       `json:"unread"`
	UnreadThreads []string  `json:"tunread,omitempty"`
	Updated       Timestamp `json:"_updatedAt"`
}

// Room is a direct chat, a chat room (channel) or a private group.
// Private groups with a parent room are discussions.
type Room struct {
	ID           string    `json:"_id"`
	Type         RoomType  `json:"t"`
	Name         string    `json:"name,omitempty"`
	FriendlyName string    `json:"fname,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	ParentID     string    `json:"prid,omitempty"`
	ReadOnly     bool      `json:"ro,omitempty"`
	MessageCount int       `json:"msgs,omitempty"`
	UserIDs      []string  `json:"uids,omitempty"`
	Usernames    []string  `json:"usernames,omitempty"`
	Updated      Timestamp `json:"_updatedAt"`

	raw json.RawMessage
	sub *Subscription
}

func (r *Room) UnmarshalJSON(data []byte) error {
	type plain Room
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Room(p)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the server representation of the room.
func (r *Room) Raw() json.RawMessage {
	if len(r.raw) > 0 {
		return r.raw
	}
	type plain Room
	data, _ := json.Marshal((*plain)(r))
	return data
}

// Equal reports whether both values refer to the same room.
func (r *Room) Equal(other *Room) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID == other.ID
}

func (r *Room) Subscription() *Subscription { return r.sub }
func (r *Room) IsSubscribed() bool          { return r.sub != nil }
func (r *Room) IsOpen() bool                { return r.sub != nil && r.sub.Open }

func (r *Room) Unread() int {
	if r.sub == nil {
		return 0
	}
	return r.sub.Unread
}

func (r *Room) IsDirectChat() bool   { return r.Type == DirectChatType }
func (r *Room) IsChatRoom() bool     { return r.Type == ChatRoomType }
func (r *Room) IsPrivateGroup() bool { return r.Type == PrivateGroupType }
func (r *Room) IsDiscussion() bool   { return r.Type == PrivateGroupType && r.ParentID != "" }

// SupportsMembers reports whether the room has a member list worth caching.
func (r *Room) SupportsMembers() bool { return !r.IsDirectChat() }
func (r *Room) SupportsTopic() bool   { return !r.IsDirectChat() }

// DisplayName is the name the room is listed and sorted by. Direct chats
// carry no name of their own, it comes from the subscription.
func (r *Room) DisplayName() string {
	switch {
	case r.IsDirectChat():
		if r.sub != nil && r.sub.Name != "" {
			return r.sub.Name
		}
		if len(r.Usernames) > 0 {
			return strings.Join(r.Usernames, ",")
		}
		return r.ID
	case r.IsDiscussion():
		if r.FriendlyName != "" {
			return r.FriendlyName
		}
	}
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Prefix is the one-character room type marker used in labels.
func (r *Room) Prefix() string {
	switch r.Type {
	case DirectChatType:
		return "@"
	case ChatRoomType:
		return "#"
	}
	return "$"
}

func (r *Room) Label() string { return r.Prefix() + r.DisplayName() }

func (r *Room) TypeLabel() string {
	switch {
	case r.IsDirectChat():
		return "direct chat"
	case r.IsChatRoom():
		return "chat room"
	case r.IsDiscussion():
		return "discussion"
	}
	return "private group"
}

// PeerUserID returns the other participant of a direct chat.
func (r *Room) PeerUserID(ownID string) (string, error) {
	if !r.IsDirectChat() {
		return "", fmt.Errorf("room %s is not a direct chat", r.ID)
	}
	for _, uid := range r.UserIDs {
		if uid != ownID {
			return uid, nil
		}
	}
	// direct chat room IDs are the concatenated participant IDs
	if peer := strings.Replace(r.ID, ownID, "", 1); peer != r.ID && peer != "" {
		return peer, nil
	}
	return "", fmt.Errorf("cannot determine peer of direct chat %s", r.ID)
}

// replaceSnapshot takes over the server fields of other while keeping the
// subscription state.
func (r *Room) replaceSnapshot(other *Room) {
	sub := r.sub
	*r = *other
	r.sub = sub
}

// ============================================================================
// Messages
// ============================================================================

type MessageType string

const (
	RegularMessage    MessageType = ""
	MessageRemoved    MessageType = "rm"
	UserJoined        MessageType = "uj"
	UserLeft          MessageType = "ul"
	UserAdded         MessageType = "au"
	UserRemoved       MessageType = "ru"
	RoomTopicChanged  MessageType = "room_changed_topic"
	DiscussionCreated MessageType = "discussion-created"
)

// Reaction lists the users that reacted with one symbol.
type Reaction struct {
	Usernames []string `json:"usernames"`
}

type StarMarker struct {
	UserID string `json:"_id"`
}

type FileInfo struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type URLInfo struct {
	URL string `json:"url"`
}

type Attachment struct {
	Title       string `json:"title,omitempty"`
	TitleLink   string `json:"title_link,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Message is a room message as known to the client.
//
// A message value either describes a new message or is an incremental
// update: a delta notification about a message seen before. Updates keep
// a reference to the previously known version, if there is one.
type Message struct {
	ID                     string              `json:"_id"`
	RoomID                 string              `json:"rid"`
	Text                   string              `json:"msg"`
	Type                   MessageType         `json:"t,omitempty"`
	Author                 BasicUserInfo       `json:"u"`
	Created                Timestamp           `json:"ts"`
	Updated                Timestamp           `json:"_updatedAt"`
	ThreadParent           string              `json:"tmid,omitempty"`
	ReplyCount             int                 `json:"tcount,omitempty"`
	ThreadLastMessage      *Timestamp          `json:"tlm,omitempty"`
	Replies                []string            `json:"replies,omitempty"`
	Reactions              map[string]Reaction `json:"reactions,omitempty"`
	Starred                []StarMarker        `json:"starred,omitempty"`
	File                   *FileInfo           `json:"file,omitempty"`
	Attachments            []Attachment        `json:"attachments,omitempty"`
	URLs                   []URLInfo           `json:"urls,omitempty"`
	Mentions               []BasicUserInfo     `json:"mentions,omitempty"`
	EditedAt               *Timestamp          `json:"editedAt,omitempty"`
	EditedBy               *BasicUserInfo      `json:"editedBy,omitempty"`
	DiscussionRoomID       string              `json:"drid,omitempty"`
	DiscussionCount        int                 `json:"dcount,omitempty"`
	DiscussionLastModified *Timestamp          `json:"dlm,omitempty"`

	raw    json.RawMessage
	update bool
	prev   *Message
	number int
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the server representation of the message.
func (m *Message) Raw() json.RawMessage {
	if len(m.raw) > 0 {
		return m.raw
	}
	type plain Message
	data, _ := json.Marshal((*plain)(m))
	return data
}

// IsIncrementalUpdate reports whether this value is an update record
// rather than a new message.
func (m *Message) IsIncrementalUpdate() bool { return m.update }

// Previous is the version the update was diffed against. It is nil for new
// messages and for updates to messages that were never loaded.
func (m *Message) Previous() *Message { return m.prev }

// Number is the room-local sequence number, 0 while still unknown.
func (m *Message) Number() int { return m.number }

func (m *Message) IsThreadRoot() bool    { return m.ReplyCount > 0 }
func (m *Message) IsThreadMessage() bool { return m.ThreadParent != "" }
func (m *Message) WasEdited() bool       { return m.EditedAt != nil }
func (m *Message) IsRemoved() bool       { return m.Type == MessageRemoved }

func (m *Message) IsDiscussionRoot() bool {
	return m.DiscussionRoomID != "" || m.Type == DiscussionCreated
}

func (m *Message) StarredBy(userID string) bool {
	for _, s := range m.Starred {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// sortKey orders the timeline. Update records are ordered by their server
// timestamp since their creation timestamp belongs to the original message.
func (m *Message) sortKey() time.Time {
	if m.update {
		return m.Updated.Time
	}
	return m.Created.Time
}

// Clone returns a deep copy without timeline bookkeeping.
func (m *Message) Clone() *Message {
	c := *m
	c.update, c.prev, c.number = false, nil, 0
	c.raw = append(json.RawMessage(nil), m.raw...)
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for sym, r := range m.Reactions {
			c.Reactions[sym] = Reaction{Usernames: append([]string(nil), r.Usernames...)}
		}
	}
	c.Starred = append([]StarMarker(nil), m.Starred...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.URLs = append([]URLInfo(nil), m.URLs...)
	c.Mentions = append([]BasicUserInfo(nil), m.Mentions...)
	c.Replies = append([]string(nil), m.Replies...)
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	if m.EditedAt != nil {
		e := *m.EditedAt
		c.EditedAt = &e
	}
	if m.EditedBy != nil {
		e := *m.EditedBy
		c.EditedBy = &e
	}
	if m.ThreadLastMessage != nil {
		t := *m.ThreadLastMessage
		c.ThreadLastMessage = &t
	}
	if m.DiscussionLastModified != nil {
		t := *m.DiscussionLastModified
		c.DiscussionLastModified = &t
	}
	return &c
}

// ============================================================================
// Errors
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrNotStarted     = errors.New("controller not started")
	ErrNoRoomSelected = errors.New("no room selected")
	ErrNotSubscribed  = errors.New("room is not subscribed")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")
)

// StartupError is returned when the controller cannot be started.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return "startup failed: " + e.Err.Error() }
func (e *StartupError) Unwrap() error { return e.Err }

// NotStartedError is returned by operations that need a started controller.
type NotStartedError struct {
	Op string
}

func (e *NotStartedError) Error() string { return e.Op + ": " + ErrNotStarted.Error() }
func (e *NotStartedError) Unwrap() error { return ErrNotStarted }

// ConsistencyError reports server data that contradicts itself.
type ConsistencyError struct {
	What string
	ID   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent server data: %s (%s)", e.What, e.ID)
}

// RateLimitError is returned when the server throttles requests. Reset is
// zero if the server did not say when to retry.
type RateLimitError struct {
	Method string
	Reset  time.Time
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return e.Method + ": too many requests"
	}
	return fmt.Sprintf("%s: too many requests, retry at %s", e.Method, e.Reset.Format(time.RFC3339))
}

// ForbiddenError is returned when the server refuses an action.
type ForbiddenError struct {
	Method string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: action not allowed: %s", e.Method, e.Reason)
}

// MethodCallError is any other failed request.
type MethodCallError struct {
	Method string
	Code   string
	Reason string
}

func (e *MethodCallError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s failed: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Method, e.Code, e.Reason)
}

type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string { return "login failed: " + e.Reason }

// IsRateLimited reports whether err is a rate limit error and when to retry.
func IsRateLimited(err error) (time.Time, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Reset, true
	}
	return time.Time{}, false
}
