// Package rocketterm keeps a local mirror of a chat server's state: rooms,
// per-room message timelines, users and presence.
//
// The Controller owns all mirrored state. Push events from the server are
// delivered on transport goroutines and queued; the owner of the
// Controller applies them by calling ProcessEvents whenever Events fires.
//
// Example:
//
//	rest := rocketterm.NewRESTClient(url)
//	rt := rocketterm.NewRealtimeSession(url, nil)
//	comm := rocketterm.NewComm(rest, rt, logger)
//	comm.Connect(ctx, rocketterm.TokenLogin{Token: token})
//
//	ctl := rocketterm.NewController(comm, rocketterm.WithCallbacks(ui))
//	ctl.Start(ctx)
//	for range ctl.Events() {
//		ctl.ProcessEvents()
//	}
package rocketterm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize      = 50
	DefaultSeedHistory    = 1
	DefaultUserPageSize   = 200
	DefaultMemberPageSize = 50
	DefaultResolveRounds  = 10
	defaultEventTimeout   = time.Minute
)

// Direction selects the neighbour in SelectAdjacentRoom.
type Direction int

const (
	Previous Direction = -1
	Next     Direction = 1
)

// ============================================================================
// Controller
// ============================================================================

// Controller is the state synchronization engine. It is not safe for
// concurrent use: all methods must be called from one goroutine, the one
// that also calls ProcessEvents.
type Controller struct {
	server    Server
	callbacks Callbacks
	log       *slog.Logger
	queue     *EventQueue
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	batchSize      int
	seedHistory    int
	userPageSize   int
	memberPageSize int
	resolveRounds  int
	eventTimeout   time.Duration

	started     bool
	localUser   *UserInfo
	statusQuirk bool
	userSubs    []*EventSubscription

	rooms       map[string]*Room
	msgSubs     map[string]*EventSubscription
	deleteSubs  map[string]*EventSubscription
	timelines   map[string]*timeline
	members     map[string]map[string]struct{}
	memberCount map[string]int
	threads     map[string]string
	selected    *Room
	awaitedRoom string

	users               *userDirectory
	presence            map[string]UserStatus
	ignoreNextOwnStatus bool
	userListCached      bool
}

type Option func(*Controller)

func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.callbacks = cb }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithBatchSize sets how many messages are loaded per history page.
func WithBatchSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithSeedHistory sets how many messages are loaded per room on Start.
func WithSeedHistory(n int) Option {
	return func(c *Controller) { c.seedHistory = n }
}

func WithUserPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.userPageSize = n
		}
	}
}

// WithThreadResolveRounds bounds the history pages ResolveThreadParents
// loads per call.
func WithThreadResolveRounds(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.resolveRounds = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleeper replaces the function used to wait for rate limits to reset.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func NewController(server Server, opts ...Option) *Controller {
	c := &Controller{
		server:         server,
		callbacks:      NopCallbacks{},
		log:            discardLogger(),
		queue:          NewEventQueue(),
		now:            time.Now,
		sleep:          sleepContext,
		batchSize:      DefaultBatchSize,
		seedHistory:    DefaultSeedHistory,
		userPageSize:   DefaultUserPageSize,
		memberPageSize: DefaultMemberPageSize,
		resolveRounds:  DefaultResolveRounds,
		eventTimeout:   defaultEventTimeout,
		users:          newUserDirectory(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reset()
	return c
}

func (c *Controller) reset() {
	c.localUser = nil
	c.userSubs = nil
	c.rooms = make(map[string]*Room)
	c.msgSubs = make(map[string]*EventSubscription)
	c.deleteSubs = make(map[string]*EventSubscription)
	c.timelines = make(map[string]*timeline)
	c.members = make(map[string]map[string]struct{})
	c.memberCount = make(map[string]int)
	c.threads = make(map[string]string)
	c.selected = nil
	c.awaitedRoom = ""
	c.users = newUserDirectory()
	c.presence = make(map[string]UserStatus)
	c.ignoreNextOwnStatus = false
	c.userListCached = false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start loads the joined rooms and subscribes to all push events.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return &StartupError{Err: ErrAlreadyStarted}
	}

	me, err := c.server.LoggedInUser(ctx)
	if err != nil {
		return &StartupError{Err: fmt.Errorf("fetching own user: %w", err)}
	}

	var (
		rooms []*Room
		subs  []*Subscription
		info  *ServerInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rooms, err = c.server.JoinedRooms(gctx)
		return err
	})
	g.Go(func() (err error) {
		subs, err = c.server.Subscriptions(gctx)
		return err
	})
	g.Go(func() error {
		i, err := c.server.ServerInfo(gctx)
		if err != nil {
			c.log.Debug("server info unavailable", "error", err)
			return nil
		}
		info = i
		return nil
	})
	if err := g.Wait(); err != nil {
		return &StartupError{Err: err}
	}

	paired, err := pairRooms(rooms, subs)
	if err != nil {
		return err
	}

	c.reset()
	c.localUser = me
	c.users.add(me.BasicUserInfo)
	c.statusQuirk = needsStatusQuirk(info)
	c.started = true

	if err := c.subscribeUserEvents(); err != nil {
		c.teardown(true)
		return &StartupError{Err: err}
	}
	for _, room := range paired {
		if err := c.addRoom(ctx, room); err != nil {
			c.teardown(true)
			return &StartupError{Err: fmt.Errorf("adding room %s: %w", room.ID, err)}
		}
	}

	c.log.Info("controller started", "user", me.Username, "rooms", len(paired))
	return nil
}

// Stop cancels all push subscriptions and clears the local state.
func (c *Controller) Stop() error {
	if !c.started {
		return &NotStartedError{Op: "stop"}
	}
	c.teardown(true)
	return nil
}

func (c *Controller) Started() bool { return c.started }

func (c *Controller) teardown(unsubscribe bool) {
	if unsubscribe {
		for _, sub := range c.allSubscriptions() {
			if err := c.server.Unsubscribe(sub); err != nil {
				c.log.Debug("unsubscribe failed", "topic", sub.Topic, "item", sub.ItemID, "error", err)
			}
		}
	}
	c.queue.Drain()
	c.reset()
	c.started = false
}

func (c *Controller) allSubscriptions() []*EventSubscription {
	subs := append([]*EventSubscription(nil), c.userSubs...)
	for _, s := range c.msgSubs {
		subs = append(subs, s)
	}
	for _, s := range c.deleteSubs {
		subs = append(subs, s)
	}
	return subs
}

// pairRooms attaches each room to its subscription.
func pairRooms(rooms []*Room, subs []*Subscription) ([]*Room, error) {
	byRoom := make(map[string]*Subscription, len(subs))
	for _, s := range subs {
		byRoom[s.RoomID] = s
	}
	for _, r := range rooms {
		sub, ok := byRoom[r.ID]
		if !ok {
			return nil, &ConsistencyError{What: "joined room without subscription", ID: r.ID}
		}
		r.sub = sub
	}
	return rooms, nil
}

// needsStatusQuirk reports whether the server is older than 3.7.0, which
// does not reliably push own status changes.
func needsStatusQuirk(info *ServerInfo) bool {
	if info == nil || info.Version == "" {
		return true
	}
	parts := strings.SplitN(info.Version, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return true
	}
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major < 3 || (major == 3 && minor < 7)
}

// ============================================================================
// Event queue
// ============================================================================

// Events fires when queued events wait for ProcessEvents.
func (c *Controller) Events() <-chan struct{} {
	return c.queue.Ready()
}

// ProcessEvents applies all queued push events in arrival order and
// returns how many were processed. A failing handler is reported via
// InternalError and does not stop the others.
func (c *Controller) ProcessEvents() int {
	events := c.queue.Drain()
	for _, ev := range events {
		if err := ev.Run(); err != nil {
			c.log.Error("event handler failed", "event", ev.Name, "error", err)
			c.callbacks.InternalError(err)
		}
	}
	return len(events)
}

// forward queues fn for the owning goroutine. It is called from transport
// goroutines and must not touch controller state itself.
func (c *Controller) forward(name string, fn func(ctx context.Context) error) {
	c.queue.Push(name, func() error {
		if !c.started {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.eventTimeout)
		defer cancel()
		return fn(ctx)
	})
}

func (c *Controller) subscribeUserEvents() error {
	uid := c.localUser.ID

	sub, err := c.server.SubscribeSubscriptionEvents(uid, func(change string, s *Subscription) {
		c.forward("subscription "+change, func(ctx context.Context) error {
			return c.HandleSubscriptionEvent(ctx, change, s)
		})
	})
	if err != nil {
		return err
	}
	c.userSubs = append(c.userSubs, sub)

	sub, err = c.server.SubscribeRoomEvents(uid, func(change string, r *Room) {
		c.forward("room "+change, func(context.Context) error {
			c.roomChanged(change, r)
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.userSubs = append(c.userSubs, sub)

	sub, err = c.server.SubscribeUserStatus(func(st UserStatus) {
		c.forward("user status", func(context.Context) error {
			c.userStatusChanged(st)
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.userSubs = append(c.userSubs, sub)

	c.server.OnConnectionLost(func() {
		c.forward("connection lost", func(context.Context) error {
			c.callbacks.LostConnection()
			c.teardown(false)
			return nil
		})
	})
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

// addRoom registers room, subscribes to its messages and seeds history.
func (c *Controller) addRoom(ctx context.Context, room *Room) error {
	c.rooms[room.ID] = room
	c.timelines[room.ID] = newTimeline()

	rid := room.ID
	sub, err := c.server.SubscribeRoomMessages(rid, func(m *Message) {
		c.forward("room message", func(context.Context) error {
			c.IngestMessage(m)
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.msgSubs[rid] = sub

	if room.IsOpen() {
		if err := c.subscribeDeletions(room); err != nil {
			return err
		}
	}
	if c.seedHistory > 0 {
		if _, err := c.LoadMoreMessages(ctx, room, c.seedHistory); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) subscribeDeletions(room *Room) error {
	if _, ok := c.deleteSubs[room.ID]; ok {
		return nil
	}
	sub, err := c.server.SubscribeRoomDeletions(room.ID, func(roomID, msgID string) {
		c.forward("message deleted", func(context.Context) error {
			c.handleDeleteMessage(roomID, msgID)
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.deleteSubs[room.ID] = sub
	return nil
}

func (c *Controller) unsubscribeDeletions(room *Room) {
	sub, ok := c.deleteSubs[room.ID]
	if !ok {
		return
	}
	delete(c.deleteSubs, room.ID)
	if err := c.server.Unsubscribe(sub); err != nil {
		c.log.Warn("failed to unsubscribe deletions", "room", room.Label(), "error", err)
	}
}

func (c *Controller) evictRoom(room *Room) {
	if sub, ok := c.msgSubs[room.ID]; ok {
		if err := c.server.Unsubscribe(sub); err != nil {
			c.log.Warn("failed to unsubscribe messages", "room", room.Label(), "error", err)
		}
		delete(c.msgSubs, room.ID)
	}
	c.unsubscribeDeletions(room)
	delete(c.rooms, room.ID)
	delete(c.timelines, room.ID)
	delete(c.members, room.ID)
	delete(c.memberCount, room.ID)
	delete(c.threads, room.ID)
}

// HandleSubscriptionEvent applies a change of the local user's room
// subscriptions. change is "inserted", "updated" or "removed".
func (c *Controller) HandleSubscriptionEvent(ctx context.Context, change string, sub *Subscription) error {
	if !c.started {
		return &NotStartedError{Op: "subscription event"}
	}
	switch change {
	case "inserted":
		return c.subscriptionAdded(ctx, sub)
	case "updated":
		if room, ok := c.rooms[sub.RoomID]; ok {
			return c.subscriptionChanged(ctx, room, sub)
		}
		return c.subscriptionAdded(ctx, sub)
	case "removed":
		return c.subscriptionRemoved(ctx, sub)
	}
	c.log.Warn("ignoring subscription event", "change", change, "room_id", sub.RoomID)
	return nil
}

func (c *Controller) subscriptionAdded(ctx context.Context, sub *Subscription) error {
	if room, ok := c.rooms[sub.RoomID]; ok {
		return c.subscriptionChanged(ctx, room, sub)
	}

	rooms, err := c.server.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("refreshing joined rooms: %w", err)
	}
	idx := slices.IndexFunc(rooms, func(r *Room) bool { return r.ID == sub.RoomID })
	if idx < 0 {
		// room and subscription events race each other
		c.log.Warn("new subscription for room not in joined list", "room_id", sub.RoomID)
		return nil
	}

	room := rooms[idx]
	room.sub = sub
	if err := c.addRoom(ctx, room); err != nil {
		return err
	}
	c.callbacks.RoomAdded(room)

	if room.IsOpen() && c.awaitedRoom == room.ID {
		c.awaitedRoom = ""
		_, err := c.SelectRoom(ctx, room)
		return err
	}
	return nil
}

func (c *Controller) subscriptionChanged(ctx context.Context, room *Room, sub *Subscription) error {
	before := c.VisibleRooms()
	old := room.sub
	room.sub = sub

	if old != nil && old.Open == sub.Open {
		return nil
	}

	if sub.Open {
		if err := c.subscribeDeletions(room); err != nil {
			return err
		}
		c.callbacks.RoomOpened(room)
		if c.awaitedRoom == room.ID || c.selected == nil {
			c.awaitedRoom = ""
			_, err := c.SelectRoom(ctx, room)
			return err
		}
		return nil
	}

	c.unsubscribeDeletions(room)
	c.callbacks.RoomHidden(room)
	if c.selected.Equal(room) {
		return c.reselect(ctx, before, room)
	}
	return nil
}

func (c *Controller) subscriptionRemoved(ctx context.Context, sub *Subscription) error {
	room, ok := c.rooms[sub.RoomID]
	if !ok {
		c.log.Warn("subscription for unknown room removed", "room_id", sub.RoomID)
		return nil
	}
	before := c.VisibleRooms()
	c.evictRoom(room)
	c.callbacks.RoomRemoved(room)
	if c.selected.Equal(room) {
		return c.reselect(ctx, before, room)
	}
	return nil
}

// reselect picks a new selection after gone left the visible list. The
// room now at gone's former index is chosen, clamped to the list end.
func (c *Controller) reselect(ctx context.Context, before []*Room, gone *Room) error {
	idx := slices.IndexFunc(before, gone.Equal)
	c.selected = nil

	rooms := c.VisibleRooms()
	if len(rooms) == 0 {
		c.callbacks.NewRoomSelected(nil)
		return nil
	}
	idx = min(max(idx, 0), len(rooms)-1)

	ok, err := c.SelectRoom(ctx, rooms[idx])
	if !ok {
		c.callbacks.NewRoomSelected(nil)
	}
	return err
}

func (c *Controller) roomChanged(change string, room *Room) {
	if change != "updated" {
		// e.g. a new direct chat reported before its subscription
		c.log.Warn("ignoring room event", "change", change, "room_id", room.ID)
		return
	}
	known, ok := c.rooms[room.ID]
	if !ok {
		c.log.Warn("event for unknown room", "room_id", room.ID)
		return
	}
	known.replaceSnapshot(room)
	c.callbacks.RoomChanged(known)
}

// ============================================================================
// Room queries
// ============================================================================

func roomTypeRank(r *Room) int {
	switch r.Type {
	case ChatRoomType:
		return 0
	case PrivateGroupType:
		return 1
	}
	return 2
}

func compareRooms(a, b *Room) int {
	if n := cmp.Compare(roomTypeRank(a), roomTypeRank(b)); n != 0 {
		return n
	}
	return cmp.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName()))
}

// VisibleRooms returns the open rooms: chat rooms, then private groups,
// then direct chats, each sorted by name.
func (c *Controller) VisibleRooms() []*Room {
	var rooms []*Room
	for _, r := range c.rooms {
		if r.IsOpen() {
			rooms = append(rooms, r)
		}
	}
	slices.SortFunc(rooms, compareRooms)
	return rooms
}

// Rooms returns all joined rooms including hidden ones.
func (c *Controller) Rooms() []*Room {
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	slices.SortFunc(rooms, compareRooms)
	return rooms
}

func (c *Controller) RoomByID(id string) (*Room, bool) {
	r, ok := c.rooms[id]
	return r, ok
}

// RoomByLabel finds a joined room by label ("#general") or bare name.
func (c *Controller) RoomByLabel(label string) (*Room, bool) {
	for _, r := range c.Rooms() {
		if r.Label() == label || r.DisplayName() == label || r.Name == label {
			return r, true
		}
	}
	return nil, false
}

func (c *Controller) SelectedRoom() *Room { return c.selected }

func (c *Controller) LocalUser() *UserInfo { return c.localUser }

// ============================================================================
// Selection
// ============================================================================

// SelectRoom makes room the current room. Hidden and unknown rooms are not
// selected and false is returned.
func (c *Controller) SelectRoom(ctx context.Context, room *Room) (bool, error) {
	if !c.started {
		return false, &NotStartedError{Op: "select room"}
	}
	known, ok := c.rooms[room.ID]
	if !ok {
		return false, nil
	}
	if c.selected.Equal(known) {
		return true, nil
	}
	if !known.IsOpen() {
		return false, nil
	}

	tl := c.timelines[known.ID]
	if len(tl.msgs) < c.batchSize && !tl.complete {
		if _, err := c.LoadMoreMessages(ctx, known, c.batchSize); err != nil {
			return false, err
		}
	}
	if known.SupportsMembers() {
		if err := c.CacheRoomMembers(ctx, known); err != nil {
			return false, err
		}
	}
	if known.Unread() > 0 {
		if err := c.server.MarkRoomRead(ctx, known.ID); err != nil {
			return false, err
		}
	}

	c.selected = known
	c.callbacks.NewRoomSelected(known)
	return true, nil
}

// SelectAdjacentRoom moves the selection through VisibleRooms, wrapping
// around at both ends.
func (c *Controller) SelectAdjacentRoom(ctx context.Context, dir Direction) (bool, error) {
	rooms := c.VisibleRooms()
	if len(rooms) < 2 {
		return false, nil
	}
	next := 0
	if cur := slices.IndexFunc(rooms, c.selected.Equal); cur >= 0 {
		n := len(rooms)
		next = ((cur+int(dir))%n + n) % n
	}
	return c.SelectRoom(ctx, rooms[next])
}

// SelectAnyRoom selects the first visible room, if there is one.
func (c *Controller) SelectAnyRoom(ctx context.Context) (bool, error) {
	rooms := c.VisibleRooms()
	if len(rooms) == 0 {
		return false, nil
	}
	return c.SelectRoom(ctx, rooms[0])
}

// roomOrSelected resolves a nil room to the selected one.
func (c *Controller) roomOrSelected(room *Room) (*Room, error) {
	if room != nil {
		return room, nil
	}
	if c.selected == nil {
		return nil, ErrNoRoomSelected
	}
	return c.selected, nil
}

// ============================================================================
// Actions
// ============================================================================

// HideRoom hides room (or the selected room). The change becomes visible
// once the server confirms it with a subscription event.
func (c *Controller) HideRoom(ctx context.Context, room *Room) error {
	room, err := c.roomOrSelected(room)
	if err != nil {
		return err
	}
	if !room.IsSubscribed() {
		return ErrNotSubscribed
	}
	return c.server.HideRoom(ctx, room.ID)
}

// OpenRoom opens a hidden room and selects it as soon as the server
// reports it open.
func (c *Controller) OpenRoom(ctx context.Context, room *Room) error {
	if !room.IsSubscribed() {
		return ErrNotSubscribed
	}
	if err := c.server.OpenRoom(ctx, room.ID); err != nil {
		return err
	}
	c.awaitedRoom = room.ID
	return nil
}

// JoinChannel joins a public chat room and selects it once it shows up.
func (c *Controller) JoinChannel(ctx context.Context, room *Room) error {
	if err := c.server.JoinChannel(ctx, room.ID); err != nil {
		return err
	}
	c.awaitedRoom = room.ID
	return nil
}

// CreateDirectChat opens a direct chat with username and selects it once
// it shows up.
func (c *Controller) CreateDirectChat(ctx context.Context, username string) error {
	rid, err := c.server.CreateDirectChat(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return err
	}
	if room, ok := c.rooms[rid]; ok && room.IsOpen() {
		_, err := c.SelectRoom(ctx, room)
		return err
	}
	c.awaitedRoom = rid
	return nil
}

func (c *Controller) MarkRoomRead(ctx context.Context, room *Room) error {
	room, err := c.roomOrSelected(room)
	if err != nil {
		return err
	}
	if !room.IsSubscribed() {
		return ErrNotSubscribed
	}
	return c.server.MarkRoomRead(ctx, room.ID)
}

// SendMessage posts text into room (or the selected room), into the
// selected thread of that room if there is one. The message appears in the
// timeline when the server echoes it back.
func (c *Controller) SendMessage(ctx context.Context, room *Room, text string) (string, error) {
	room, err := c.roomOrSelected(room)
	if err != nil {
		return "", err
	}
	msg := &OutgoingMessage{
		ID:           uuid.NewString(),
		RoomID:       room.ID,
		Text:         text,
		ThreadParent: c.threads[room.ID],
	}
	if err := c.server.SendMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// DeleteMessage deletes msg on the server. The timeline shows the removal
// once the deletion event arrives.
func (c *Controller) DeleteMessage(ctx context.Context, msg *Message) error {
	return c.server.DeleteMessage(ctx, msg.ID)
}

// SetUserStatus changes the local user's presence and status text.
func (c *Controller) SetUserStatus(ctx context.Context, presence Presence, text string) error {
	if !c.started {
		return &NotStartedError{Op: "set status"}
	}
	if err := c.server.SetUserStatus(ctx, presence, text); err != nil {
		return err
	}

	// Presence changes are not pushed reliably, only text changes are, and
	// those then carry a stale presence. Poll and suppress the bogus push.
	uid := c.localUser.ID
	st, err := c.server.UserStatus(ctx, uid)
	if err != nil {
		return err
	}
	st.Username = c.localUser.Username
	old, known := c.presence[uid]
	if known && old.Presence == st.Presence && old.Text == st.Text {
		return nil
	}
	if !known || old.Text != st.Text {
		c.ignoreNextOwnStatus = true
	}
	c.presence[uid] = st
	c.localUser.Status, c.localUser.StatusText = st.Presence, st.Text
	c.callbacks.OwnStatusChanged(st)
	return nil
}

// ============================================================================
// Threads
// ============================================================================

// SelectThread makes root the default thread for messages sent to room.
func (c *Controller) SelectThread(room *Room, root *Message) {
	c.threads[room.ID] = root.ID
}

func (c *Controller) ClearThread(room *Room) {
	delete(c.threads, room.ID)
}

// SelectedThread returns the selected thread root of room, if any.
func (c *Controller) SelectedThread(room *Room) (*Message, bool) {
	id, ok := c.threads[room.ID]
	if !ok {
		return nil, false
	}
	return c.MessageByID(room, id)
}

// ============================================================================
// Message attribution
// ============================================================================

// MentionsUs reports whether msg mentions the local user directly or via
// @all / @here.
func (c *Controller) MentionsUs(msg *Message) bool {
	if c.localUser == nil {
		return false
	}
	for _, m := range msg.Mentions {
		if m.ID == c.localUser.ID || m.ID == "all" || m.ID == "here" {
			return true
		}
	}
	return false
}

func (c *Controller) IsFromUs(msg *Message) bool {
	return c.localUser != nil && msg.Author.ID == c.localUser.ID
}
