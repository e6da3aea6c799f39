package rocketterm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixtures
// ============================================================================

var (
	testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testMe    = BasicUserInfo{ID: "u-me", Username: "me", Name: "Me Myself"}
	testAlice = BasicUserInfo{ID: "u-alice", Username: "alice", Name: "Alice"}
	testBob   = BasicUserInfo{ID: "u-bob", Username: "bob"}
)

// at returns the timestamp sec seconds after testEpoch.
func at(sec int) Timestamp {
	return TimestampOf(testEpoch.Add(time.Duration(sec) * time.Second))
}

func textMessage(id, roomID string, sec int, text string) *Message {
	return &Message{ID: id, RoomID: roomID, Text: text, Author: testBob, Created: at(sec), Updated: at(sec)}
}

// history returns n messages m1..mn created at seconds 1..n, newest first.
func history(roomID string, n int) []*Message {
	msgs := make([]*Message, 0, n)
	for i := n; i >= 1; i-- {
		msgs = append(msgs, textMessage(fmt.Sprintf("m%d", i), roomID, i, fmt.Sprintf("message %d", i)))
	}
	return msgs
}

// ============================================================================
// Fake server
// ============================================================================

// fakeServer is an in-memory Server. Push handlers are kept so tests can
// fire events the way the transport goroutines would.
type fakeServer struct {
	me       *UserInfo
	info     *ServerInfo
	rooms    []*Room
	subs     []*Subscription
	history  map[string][]*Message
	members  map[string][]BasicUserInfo
	users    []BasicUserInfo
	channels []*Room
	statuses map[string]UserStatus
	profiles map[string]*UserInfo

	// returned once by the UserList call at that offset
	userListErrs map[int]error

	userOffsets   []int
	userQueries   []UserQuery
	historyCalls  int
	memberCalls   int
	statusCalls   int
	hidden        []string
	opened        []string
	read          []string
	joined        []string
	deleted       []string
	sent          []*OutgoingMessage
	directRoom    string
	subscribeSeen int

	active    map[string]*EventSubscription
	onMessage map[string]func(*Message)
	onDelete  map[string]func(roomID, msgID string)
	onSub     func(change string, sub *Subscription)
	onRoom    func(change string, room *Room)
	onStatus  func(UserStatus)
	onLost    func()
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		me:           &UserInfo{BasicUserInfo: testMe, Status: PresenceOnline},
		info:         &ServerInfo{Version: "6.5.0"},
		history:      make(map[string][]*Message),
		members:      make(map[string][]BasicUserInfo),
		statuses:     make(map[string]UserStatus),
		profiles:     make(map[string]*UserInfo),
		userListErrs: make(map[int]error),
		active:       make(map[string]*EventSubscription),
		onMessage:    make(map[string]func(*Message)),
		onDelete:     make(map[string]func(string, string)),
	}
}

// addRoom registers a joined room and its subscription.
func (f *fakeServer) addRoom(id, name string, typ RoomType, open bool) {
	f.rooms = append(f.rooms, &Room{ID: id, Name: name, Type: typ})
	f.subs = append(f.subs, &Subscription{RoomID: id, Name: name, Type: typ, Open: open})
}

func (f *fakeServer) subscription(roomID string) *Subscription {
	for _, s := range f.subs {
		if s.RoomID == roomID {
			c := *s
			return &c
		}
	}
	return nil
}

func page[T any](all []T, count, offset int) []T {
	start := min(offset, len(all))
	end := min(offset+count, len(all))
	return all[start:end]
}

func (f *fakeServer) LoggedInUser(context.Context) (*UserInfo, error) {
	u := *f.me
	return &u, nil
}

func (f *fakeServer) ServerInfo(context.Context) (*ServerInfo, error) {
	if f.info == nil {
		return nil, &MethodCallError{Method: "info", Reason: "unavailable"}
	}
	return f.info, nil
}

func (f *fakeServer) JoinedRooms(context.Context) ([]*Room, error) {
	rooms := make([]*Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		c := *r
		rooms = append(rooms, &c)
	}
	return rooms, nil
}

func (f *fakeServer) Subscriptions(context.Context) ([]*Subscription, error) {
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		c := *s
		subs = append(subs, &c)
	}
	return subs, nil
}

func (f *fakeServer) RoomHistory(_ context.Context, roomID string, count int, olderThan time.Time) (int, []*Message, error) {
	f.historyCalls++
	var older []*Message
	for _, m := range f.history[roomID] {
		if olderThan.IsZero() || m.Created.Before(olderThan) {
			older = append(older, m)
		}
	}
	n := min(count, len(older))
	return len(older) - n, older[:n], nil
}

func (f *fakeServer) RoomMembers(_ context.Context, room *Room, count, offset int) (int, []BasicUserInfo, error) {
	f.memberCalls++
	all := f.members[room.ID]
	return len(all), page(all, count, offset), nil
}

func (f *fakeServer) UserInfo(_ context.Context, q UserQuery) (*UserInfo, error) {
	f.userQueries = append(f.userQueries, q)
	if q.Username != "" {
		if u, ok := f.profiles[q.Username]; ok {
			return u, nil
		}
	}
	if q.ID != "" {
		for _, u := range f.profiles {
			if u.ID == q.ID {
				return u, nil
			}
		}
	}
	return nil, &MethodCallError{Method: "users.info", Code: "error-invalid-user", Reason: "no such user"}
}

func (f *fakeServer) UserStatus(_ context.Context, userID string) (UserStatus, error) {
	f.statusCalls++
	st, ok := f.statuses[userID]
	if !ok {
		return UserStatus{}, &MethodCallError{Method: "users.getStatus", Reason: "no such user"}
	}
	return st, nil
}

func (f *fakeServer) SetUserStatus(_ context.Context, presence Presence, text string) error {
	f.statuses[f.me.ID] = UserStatus{UserID: f.me.ID, Presence: presence, Text: text}
	return nil
}

func (f *fakeServer) UserList(_ context.Context, count, offset int) (int, []BasicUserInfo, error) {
	f.userOffsets = append(f.userOffsets, offset)
	if err, ok := f.userListErrs[offset]; ok {
		delete(f.userListErrs, offset)
		return 0, nil, err
	}
	return len(f.users), page(f.users, count, offset), nil
}

func (f *fakeServer) ChannelList(_ context.Context, count, offset int) (int, []*Room, error) {
	return len(f.channels), page(f.channels, count, offset), nil
}

func (f *fakeServer) HideRoom(_ context.Context, roomID string) error {
	f.hidden = append(f.hidden, roomID)
	return nil
}

func (f *fakeServer) OpenRoom(_ context.Context, roomID string) error {
	f.opened = append(f.opened, roomID)
	return nil
}

func (f *fakeServer) MarkRoomRead(_ context.Context, roomID string) error {
	f.read = append(f.read, roomID)
	return nil
}

func (f *fakeServer) SendMessage(_ context.Context, msg *OutgoingMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeServer) DeleteMessage(_ context.Context, msgID string) error {
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeServer) JoinChannel(_ context.Context, roomID string) error {
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeServer) CreateDirectChat(_ context.Context, username string) (string, error) {
	if f.directRoom == "" {
		return "", &MethodCallError{Method: "im.create", Reason: "unknown user " + username}
	}
	return f.directRoom, nil
}

func (f *fakeServer) subscribe(topic, itemID string) *EventSubscription {
	f.subscribeSeen++
	sub := &EventSubscription{ID: fmt.Sprintf("sub-%d", f.subscribeSeen), Topic: topic, ItemID: itemID}
	f.active[sub.ID] = sub
	return sub
}

func (f *fakeServer) SubscribeRoomMessages(roomID string, fn func(*Message)) (*EventSubscription, error) {
	f.onMessage[roomID] = fn
	return f.subscribe("stream-room-messages", roomID), nil
}

func (f *fakeServer) SubscribeRoomDeletions(roomID string, fn func(roomID, msgID string)) (*EventSubscription, error) {
	f.onDelete[roomID] = fn
	return f.subscribe("stream-notify-room", roomID+"/deleteMessage"), nil
}

func (f *fakeServer) SubscribeSubscriptionEvents(userID string, fn func(string, *Subscription)) (*EventSubscription, error) {
	f.onSub = fn
	return f.subscribe("stream-notify-user", userID+"/subscriptions-changed"), nil
}

func (f *fakeServer) SubscribeRoomEvents(userID string, fn func(string, *Room)) (*EventSubscription, error) {
	f.onRoom = fn
	return f.subscribe("stream-notify-user", userID+"/rooms-changed"), nil
}

func (f *fakeServer) SubscribeUserStatus(fn func(UserStatus)) (*EventSubscription, error) {
	f.onStatus = fn
	return f.subscribe("stream-notify-logged", "user-status"), nil
}

func (f *fakeServer) Unsubscribe(sub *EventSubscription) error {
	if _, ok := f.active[sub.ID]; !ok {
		return fmt.Errorf("unknown subscription %s", sub.ID)
	}
	delete(f.active, sub.ID)
	return nil
}

func (f *fakeServer) OnConnectionLost(fn func()) { f.onLost = fn }

// hasSubscription reports whether an active subscription for item exists.
func (f *fakeServer) hasSubscription(itemID string) bool {
	for _, s := range f.active {
		if s.ItemID == itemID {
			return true
		}
	}
	return false
}

var _ Server = (*fakeServer)(nil)

// ============================================================================
// Recording callbacks
// ============================================================================

type recorder struct {
	NopCallbacks

	added    []string
	removed  []string
	opened   []string
	hidden   []string
	changed  []string
	selected []string

	messages       []*Message
	threadActivity []*Message
	resolved       map[string][]*Message

	surfaceDiscussions bool
	discussionCalls    int

	ownStatus       []UserStatus
	peerStatus      []UserStatus
	lost            int
	errs            []error
	userProgress    [][2]int
	channelProgress [][2]int
}

func (r *recorder) RoomAdded(room *Room)   { r.added = append(r.added, room.ID) }
func (r *recorder) RoomRemoved(room *Room) { r.removed = append(r.removed, room.ID) }
func (r *recorder) RoomOpened(room *Room)  { r.opened = append(r.opened, room.ID) }
func (r *recorder) RoomHidden(room *Room)  { r.hidden = append(r.hidden, room.ID) }
func (r *recorder) RoomChanged(room *Room) { r.changed = append(r.changed, room.ID) }

func (r *recorder) NewRoomSelected(room *Room) {
	if room == nil {
		r.selected = append(r.selected, "")
		return
	}
	r.selected = append(r.selected, room.ID)
}

func (r *recorder) NewRoomMessage(msg *Message) { r.messages = append(r.messages, msg) }

func (r *recorder) ThreadActivity(root, _ *Message) {
	r.threadActivity = append(r.threadActivity, root)
}

func (r *recorder) DiscussionActivity(_, _ *Message) bool {
	r.discussionCalls++
	return r.surfaceDiscussions
}

func (r *recorder) ThreadParentsResolved(parent *Message, replies []*Message) {
	if r.resolved == nil {
		r.resolved = make(map[string][]*Message)
	}
	r.resolved[parent.ID] = append(r.resolved[parent.ID], replies...)
}

func (r *recorder) OwnStatusChanged(st UserStatus)  { r.ownStatus = append(r.ownStatus, st) }
func (r *recorder) PeerStatusChanged(st UserStatus) { r.peerStatus = append(r.peerStatus, st) }
func (r *recorder) LostConnection()                 { r.lost++ }
func (r *recorder) InternalError(err error)         { r.errs = append(r.errs, err) }

func (r *recorder) UserListProgress(loaded, total int) {
	r.userProgress = append(r.userProgress, [2]int{loaded, total})
}

func (r *recorder) ChannelListProgress(loaded, total int) {
	r.channelProgress = append(r.channelProgress, [2]int{loaded, total})
}

// ============================================================================
// Controller setup
// ============================================================================

// newTestController starts a controller on f without seeding history and
// with a clock fixed one hour after testEpoch. opts override the defaults.
func newTestController(t *testing.T, f *fakeServer, opts ...Option) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	defaults := []Option{
		WithCallbacks(rec),
		WithSeedHistory(0),
		WithClock(func() time.Time { return testEpoch.Add(time.Hour) }),
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
	}
	c := NewController(f, append(defaults, opts...)...)
	require.NoError(t, c.Start(context.Background()))
	return c, rec
}

func mustRoom(t *testing.T, c *Controller, id string) *Room {
	t.Helper()
	room, ok := c.RoomByID(id)
	require.True(t, ok, "room %s not known", id)
	return room
}
