package rocketterm

import (
	"context"
	"encoding/json"
	"time"
)

// Server is the set of remote operations the Controller depends on. Comm
// implements it on top of the REST and realtime APIs.
//
// Subscription handlers are invoked from transport goroutines. They must
// not touch controller state; the controller wraps them so that events are
// queued and applied by ProcessEvents.
type Server interface {
	LoggedInUser(ctx context.Context) (*UserInfo, error)
	ServerInfo(ctx context.Context) (*ServerInfo, error)

	JoinedRooms(ctx context.Context) ([]*Room, error)
	Subscriptions(ctx context.Context) ([]*Subscription, error)
	// RoomHistory returns up to count messages older than olderThan,
	// newest first, and the number of messages remaining on the server.
	// A zero olderThan starts at the newest message.
	RoomHistory(ctx context.Context, roomID string, count int, olderThan time.Time) (remaining int, msgs []*Message, err error)
	RoomMembers(ctx context.Context, room *Room, count, offset int) (total int, members []BasicUserInfo, err error)

	UserInfo(ctx context.Context, q UserQuery) (*UserInfo, error)
	UserStatus(ctx context.Context, userID string) (UserStatus, error)
	SetUserStatus(ctx context.Context, presence Presence, text string) error
	UserList(ctx context.Context, count, offset int) (total int, users []BasicUserInfo, err error)
	ChannelList(ctx context.Context, count, offset int) (total int, rooms []*Room, err error)

	HideRoom(ctx context.Context, roomID string) error
	OpenRoom(ctx context.Context, roomID string) error
	MarkRoomRead(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, msg *OutgoingMessage) error
	DeleteMessage(ctx context.Context, msgID string) error
	JoinChannel(ctx context.Context, roomID string) error
	CreateDirectChat(ctx context.Context, username string) (roomID string, err error)

	SubscribeRoomMessages(roomID string, fn func(*Message)) (*EventSubscription, error)
	SubscribeRoomDeletions(roomID string, fn func(roomID, msgID string)) (*EventSubscription, error)
	SubscribeSubscriptionEvents(userID string, fn func(change string, sub *Subscription)) (*EventSubscription, error)
	SubscribeRoomEvents(userID string, fn func(change string, room *Room)) (*EventSubscription, error)
	SubscribeUserStatus(fn func(UserStatus)) (*EventSubscription, error)
	Unsubscribe(sub *EventSubscription) error

	// OnConnectionLost registers fn to be called at most once when the
	// push connection breaks.
	OnConnectionLost(fn func())
}

// UserQuery selects a user either by ID or by username.
type UserQuery struct {
	ID       string
	Username string
}

type ServerInfo struct {
	Version string `json:"version"`
}

// OutgoingMessage is a message to be posted. ID is client generated so the
// confirmation event can be matched.
type OutgoingMessage struct {
	ID           string `json:"_id"`
	RoomID       string `json:"rid"`
	Text         string `json:"msg"`
	ThreadParent string `json:"tmid,omitempty"`
}

// EventHandler receives the args of a push event.
type EventHandler func(args []json.RawMessage)

// EventSubscription is the handle of an active push subscription.
type EventSubscription struct {
	ID      string
	Topic   string
	ItemID  string
	handler EventHandler
}
