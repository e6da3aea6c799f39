package rocketterm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"
)

// Push event topics of the realtime API.
const (
	topicRoomMessages = "stream-room-messages"
	topicNotifyRoom   = "stream-notify-room"
	topicNotifyUser   = "stream-notify-user"
	topicNotifyLogged = "stream-notify-logged"
)

// epoch asks list methods for everything changed since the beginning.
var epoch = map[string]int64{"$date": 0}

var _ Server = (*Comm)(nil)

// Comm implements Server using both server APIs: method calls and push
// events go through the realtime session, lookups and directory listings
// through REST.
type Comm struct {
	rest *RESTClient
	rt   *RealtimeSession
	log  *slog.Logger
}

func NewComm(rest *RESTClient, rt *RealtimeSession, logger *slog.Logger) *Comm {
	if logger == nil {
		logger = discardLogger()
	}
	return &Comm{rest: rest, rt: rt, log: logger.With("component", "comm")}
}

// Connect establishes the realtime connection and logs into both APIs
// with the same credentials.
func (c *Comm) Connect(ctx context.Context, login LoginData) (*LoginResult, error) {
	if err := c.rt.Connect(ctx); err != nil {
		return nil, err
	}
	res, err := c.rt.Login(ctx, login)
	if err != nil {
		c.rt.Close()
		return nil, err
	}
	c.rest.SetCredentials(res.UserID, res.Token)
	c.log.Info("logged in", "user_id", res.UserID)
	return res, nil
}

func (c *Comm) Close() error {
	return c.rt.Close()
}

func (c *Comm) REST() *RESTClient          { return c.rest }
func (c *Comm) Realtime() *RealtimeSession { return c.rt }

// ============================================================================
// Lookups
// ============================================================================

func (c *Comm) LoggedInUser(ctx context.Context) (*UserInfo, error) {
	var me UserInfo
	if err := c.rest.Get(ctx, "me", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (c *Comm) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	return c.rest.Info(ctx)
}

func (c *Comm) JoinedRooms(ctx context.Context) ([]*Room, error) {
	raw, err := c.rt.Call(ctx, "rooms/get", epoch)
	if err != nil {
		return nil, err
	}
	res, err := decodeUpdateList[*Room](raw)
	if err != nil {
		return nil, fmt.Errorf("rooms/get: %w", err)
	}
	return res, nil
}

func (c *Comm) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	raw, err := c.rt.Call(ctx, "subscriptions/get", epoch)
	if err != nil {
		return nil, err
	}
	res, err := decodeUpdateList[*Subscription](raw)
	if err != nil {
		return nil, fmt.Errorf("subscriptions/get: %w", err)
	}
	return res, nil
}

// decodeUpdateList accepts both the plain list reply and the
// {update, remove} reply returned when a timestamp was passed.
func decodeUpdateList[T any](raw json.RawMessage) ([]T, error) {
	var list []T
	if json.Unmarshal(raw, &list) == nil {
		return list, nil
	}
	var wrapped struct {
		Update []T `json:"update"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Update, nil
}

func (c *Comm) RoomHistory(ctx context.Context, roomID string, count int, olderThan time.Time) (int, []*Message, error) {
	var before any
	if !olderThan.IsZero() {
		before = TimestampOf(olderThan)
	}
	raw, err := c.rt.Call(ctx, "loadHistory", roomID, before, count, nil)
	if err != nil {
		return 0, nil, err
	}
	var res struct {
		Messages        []*Message `json:"messages"`
		UnreadNotLoaded int        `json:"unreadNotLoaded"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, nil, fmt.Errorf("loadHistory: %w", err)
	}
	return res.UnreadNotLoaded, res.Messages, nil
}

func (c *Comm) RoomMembers(ctx context.Context, room *Room, count, offset int) (int, []BasicUserInfo, error) {
	endpoint := "channels.members"
	if room.IsPrivateGroup() {
		endpoint = "groups.members"
	}
	var res struct {
		Members []BasicUserInfo `json:"members"`
		Total   int             `json:"total"`
	}
	if err := c.rest.Get(ctx, endpoint, window(count, offset, "roomId", room.ID), &res); err != nil {
		return 0, nil, err
	}
	return res.Total, res.Members, nil
}

func (c *Comm) UserInfo(ctx context.Context, q UserQuery) (*UserInfo, error) {
	query := url.Values{}
	if q.ID != "" {
		query.Set("userId", q.ID)
	} else {
		query.Set("username", q.Username)
	}
	var res struct {
		User UserInfo `json:"user"`
	}
	if err := c.rest.Get(ctx, "users.info", query, &res); err != nil {
		return nil, err
	}
	return &res.User, nil
}

func (c *Comm) UserStatus(ctx context.Context, userID string) (UserStatus, error) {
	var res struct {
		Status  Presence `json:"status"`
		Message string   `json:"message"`
	}
	if err := c.rest.Get(ctx, "users.getStatus", url.Values{"userId": {userID}}, &res); err != nil {
		return UserStatus{}, err
	}
	return UserStatus{UserID: userID, Presence: res.Status, Text: res.Message}, nil
}

func (c *Comm) SetUserStatus(ctx context.Context, presence Presence, text string) error {
	body := map[string]string{"status": string(presence), "message": text}
	return c.rest.Post(ctx, "users.setStatus", body, nil)
}

func (c *Comm) UserList(ctx context.Context, count, offset int) (int, []BasicUserInfo, error) {
	var res struct {
		Users []BasicUserInfo `json:"users"`
		Total int             `json:"total"`
	}
	if err := c.rest.Get(ctx, "users.list", window(count, offset), &res); err != nil {
		return 0, nil, err
	}
	return res.Total, res.Users, nil
}

func (c *Comm) ChannelList(ctx context.Context, count, offset int) (int, []*Room, error) {
	var res struct {
		Channels []*Room `json:"channels"`
		Total    int     `json:"total"`
	}
	if err := c.rest.Get(ctx, "channels.list", window(count, offset), &res); err != nil {
		return 0, nil, err
	}
	return res.Total, res.Channels, nil
}

func window(count, offset int, extra ...string) url.Values {
	q := url.Values{
		"count":  {strconv.Itoa(count)},
		"offset": {strconv.Itoa(offset)},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}
	return q
}

// ============================================================================
// Actions
// ============================================================================

func (c *Comm) HideRoom(ctx context.Context, roomID string) error {
	_, err := c.rt.Call(ctx, "hideRoom", roomID)
	return err
}

func (c *Comm) OpenRoom(ctx context.Context, roomID string) error {
	_, err := c.rt.Call(ctx, "openRoom", roomID)
	return err
}

func (c *Comm) MarkRoomRead(ctx context.Context, roomID string) error {
	return c.rest.Post(ctx, "subscriptions.read", map[string]string{"rid": roomID}, nil)
}

func (c *Comm) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	_, err := c.rt.Call(ctx, "sendMessage", msg)
	return err
}

func (c *Comm) DeleteMessage(ctx context.Context, msgID string) error {
	_, err := c.rt.Call(ctx, "deleteMessage", map[string]string{"_id": msgID})
	return err
}

func (c *Comm) JoinChannel(ctx context.Context, roomID string) error {
	return c.rest.Post(ctx, "channels.join", map[string]string{"roomId": roomID}, nil)
}

func (c *Comm) CreateDirectChat(ctx context.Context, username string) (string, error) {
	raw, err := c.rt.Call(ctx, "createDirectMessage", username)
	if err != nil {
		return "", err
	}
	var res struct {
		RoomID string `json:"rid"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("createDirectMessage: %w", err)
	}
	return res.RoomID, nil
}

// ============================================================================
// Push subscriptions
// ============================================================================

func (c *Comm) SubscribeRoomMessages(roomID string, fn func(*Message)) (*EventSubscription, error) {
	return c.rt.Subscribe(topicRoomMessages, roomID, func(args []json.RawMessage) {
		for _, arg := range args {
			var msg Message
			if err := json.Unmarshal(arg, &msg); err != nil {
				c.log.Warn("undecodable room message", "room_id", roomID, "error", err)
				continue
			}
			fn(&msg)
		}
	})
}

func (c *Comm) SubscribeRoomDeletions(roomID string, fn func(roomID, msgID string)) (*EventSubscription, error) {
	return c.rt.Subscribe(topicNotifyRoom, roomID+"/deleteMessage", func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		var del struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(args[0], &del); err != nil || del.ID == "" {
			c.log.Warn("undecodable deleteMessage event", "room_id", roomID)
			return
		}
		fn(roomID, del.ID)
	})
}

// changeArgs splits the [changeType, data] args of notify-user events.
func changeArgs(args []json.RawMessage) (string, json.RawMessage, bool) {
	if len(args) < 2 {
		return "", nil, false
	}
	var change string
	if err := json.Unmarshal(args[0], &change); err != nil {
		return "", nil, false
	}
	return change, args[1], true
}

func (c *Comm) SubscribeSubscriptionEvents(userID string, fn func(string, *Subscription)) (*EventSubscription, error) {
	return c.rt.Subscribe(topicNotifyUser, userID+"/subscriptions-changed", func(args []json.RawMessage) {
		change, data, ok := changeArgs(args)
		if !ok {
			c.log.Warn("malformed subscriptions-changed event")
			return
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			c.log.Warn("undecodable subscription", "error", err)
			return
		}
		fn(change, &sub)
	})
}

func (c *Comm) SubscribeRoomEvents(userID string, fn func(string, *Room)) (*EventSubscription, error) {
	return c.rt.Subscribe(topicNotifyUser, userID+"/rooms-changed", func(args []json.RawMessage) {
		change, data, ok := changeArgs(args)
		if !ok {
			c.log.Warn("malformed rooms-changed event")
			return
		}
		var room Room
		if err := json.Unmarshal(data, &room); err != nil {
			c.log.Warn("undecodable room", "error", err)
			return
		}
		fn(change, &room)
	})
}

func (c *Comm) SubscribeUserStatus(fn func(UserStatus)) (*EventSubscription, error) {
	return c.rt.Subscribe(topicNotifyLogged, "user-status", func(args []json.RawMessage) {
		for _, arg := range args {
			st, err := decodeUserStatus(arg)
			if err != nil {
				c.log.Warn("undecodable user-status event", "error", err)
				continue
			}
			fn(st)
		}
	})
}

// decodeUserStatus parses [userID, username, statusCode, statusText].
func decodeUserStatus(arg json.RawMessage) (UserStatus, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(arg, &fields); err != nil {
		return UserStatus{}, err
	}
	if len(fields) < 3 {
		return UserStatus{}, fmt.Errorf("expected at least 3 fields, got %d", len(fields))
	}
	var st UserStatus
	var code int
	if err := json.Unmarshal(fields[0], &st.UserID); err != nil {
		return UserStatus{}, err
	}
	if err := json.Unmarshal(fields[1], &st.Username); err != nil {
		return UserStatus{}, err
	}
	if err := json.Unmarshal(fields[2], &code); err != nil {
		return UserStatus{}, err
	}
	p, err := PresenceFromCode(code)
	if err != nil {
		return UserStatus{}, err
	}
	st.Presence = p
	if len(fields) > 3 {
		_ = json.Unmarshal(fields[3], &st.Text)
	}
	return st, nil
}

func (c *Comm) Unsubscribe(sub *EventSubscription) error {
	return c.rt.Unsubscribe(sub)
}

func (c *Comm) OnConnectionLost(fn func()) {
	c.rt.OnConnectionLost(fn)
}
