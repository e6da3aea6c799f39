package rocketterm

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	rateLimitBackoff    = time.Second
	maxRateLimitRetries = 10
)

// ============================================================================
// User directory
// ============================================================================

// userDirectory maps user IDs and usernames to basic user info. Entries
// are only ever added; usernames are assumed stable for a session.
type userDirectory struct {
	mu     sync.RWMutex
	byID   map[string]BasicUserInfo
	byName map[string]string
}

func newUserDirectory() *userDirectory {
	return &userDirectory{
		byID:   make(map[string]BasicUserInfo),
		byName: make(map[string]string),
	}
}

// add stores u unless the ID is already known and reports whether it was
// new.
func (d *userDirectory) add(u BasicUserInfo) bool {
	if u.ID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[u.ID]; ok {
		return false
	}
	d.byID[u.ID] = u
	if u.Username != "" {
		if _, ok := d.byName[u.Username]; !ok {
			d.byName[u.Username] = u.ID
		}
	}
	return true
}

func (d *userDirectory) byUserID(id string) (BasicUserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	return u, ok
}

func (d *userDirectory) byUsername(name string) (BasicUserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	if !ok {
		return BasicUserInfo{}, false
	}
	u, ok := d.byID[id]
	return u, ok
}

// all returns every known user sorted by username.
func (d *userDirectory) all() []BasicUserInfo {
	d.mu.RLock()
	users := make([]BasicUserInfo, 0, len(d.byID))
	for _, u := range d.byID {
		users = append(users, u)
	}
	d.mu.RUnlock()
	slices.SortFunc(users, compareUsers)
	return users
}

func compareUsers(a, b BasicUserInfo) int {
	return cmp.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username))
}

// ============================================================================
// User lookups
// ============================================================================

// UserByID returns a cached user.
func (c *Controller) UserByID(id string) (BasicUserInfo, bool) {
	return c.users.byUserID(id)
}

// UserByName returns a cached user. A leading "@" is ignored.
func (c *Controller) UserByName(name string) (BasicUserInfo, bool) {
	return c.users.byUsername(strings.TrimPrefix(name, "@"))
}

// GetUser returns the user referenced by who, fetching it from the server
// if it is not cached. "@name" refers to a username, anything else to a
// user ID. Lookup failures are logged and reported as not found.
func (c *Controller) GetUser(ctx context.Context, who string) (BasicUserInfo, bool) {
	if u, ok := c.UserByID(who); ok {
		return u, true
	}
	if u, ok := c.UserByName(who); ok {
		return u, true
	}

	q := UserQuery{ID: who}
	if name, ok := strings.CutPrefix(who, "@"); ok {
		q = UserQuery{Username: name}
	}
	info, err := c.server.UserInfo(ctx, q)
	if err != nil {
		c.log.Debug("user lookup failed", "user", who, "error", err)
		return BasicUserInfo{}, false
	}
	c.users.add(info.BasicUserInfo)
	return info.BasicUserInfo, true
}

// KnownUsers returns all users cached so far.
func (c *Controller) KnownUsers() []BasicUserInfo {
	return c.users.all()
}

// ============================================================================
// Presence
// ============================================================================

// GetPresence returns the presence of userID. The cached value is used
// unless forceRefresh is set. On servers that do not push own status text
// changes reliably the local user is always fetched.
func (c *Controller) GetPresence(ctx context.Context, userID string, forceRefresh bool) (UserStatus, error) {
	own := c.localUser != nil && c.localUser.ID == userID
	if st, ok := c.presence[userID]; ok && !forceRefresh && !(own && c.statusQuirk) {
		return st, nil
	}

	st, err := c.server.UserStatus(ctx, userID)
	if err != nil {
		return UserStatus{}, err
	}
	if st.Username == "" {
		if u, ok := c.UserByID(userID); ok {
			st.Username = u.Username
		}
	}
	c.presence[userID] = st
	return st, nil
}

// userStatusChanged applies a pushed presence change.
func (c *Controller) userStatusChanged(st UserStatus) {
	c.presence[st.UserID] = st
	if st.Username != "" {
		c.users.add(BasicUserInfo{ID: st.UserID, Username: st.Username})
	}

	if c.localUser != nil && st.UserID == c.localUser.ID {
		c.localUser.Status, c.localUser.StatusText = st.Presence, st.Text
		if c.ignoreNextOwnStatus {
			c.ignoreNextOwnStatus = false
			return
		}
		c.callbacks.OwnStatusChanged(st)
		return
	}

	for _, r := range c.rooms {
		if !r.IsDirectChat() {
			continue
		}
		peer, err := r.PeerUserID(c.localUser.ID)
		if err == nil && peer == st.UserID {
			c.callbacks.PeerStatusChanged(st)
			return
		}
	}
}

// ============================================================================
// Paginated caches
// ============================================================================

// retryRateLimited runs fn until it does not fail with a rate limit error,
// sleeping until the reset time the server announced in between. After
// maxRateLimitRetries (10) retries it gives up and returns the last
// *RateLimitError.
func (c *Controller) retryRateLimited(ctx context.Context, what string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		reset, limited := IsRateLimited(err)
		if !limited || attempt >= maxRateLimitRetries {
			return err
		}
		wait := reset.Sub(c.now())
		if reset.IsZero() || wait <= 0 {
			wait = rateLimitBackoff
		}
		c.log.Info("rate limited, waiting", "op", what, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CacheAllUsers fetches the complete user directory page by page and
// returns it sorted by username. Progress is reported via
// UserListProgress. Later calls return the cached list. A page that is
// still throttled after 10 retries aborts the walk with a *RateLimitError.
func (c *Controller) CacheAllUsers(ctx context.Context) ([]BasicUserInfo, error) {
	if c.userListCached {
		return c.users.all(), nil
	}

	seen := make(map[string]struct{})
	offset := 0
	for {
		var (
			total int
			batch []BasicUserInfo
		)
		err := c.retryRateLimited(ctx, "list users", func() error {
			var err error
			total, batch, err = c.server.UserList(ctx, c.userPageSize, offset)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, u := range batch {
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
			c.users.add(u)
		}
		offset += len(batch)
		c.callbacks.UserListProgress(offset, total)
		if len(batch) == 0 || offset >= total {
			break
		}
	}

	c.userListCached = true
	c.log.Debug("cached user directory", "users", len(seen))
	return c.users.all(), nil
}

// ListChannels returns all public chat rooms of the server, joined or
// not. Progress is reported via ChannelListProgress. Like CacheAllUsers it
// gives up with a *RateLimitError after 10 throttled retries of a page.
func (c *Controller) ListChannels(ctx context.Context) ([]*Room, error) {
	var rooms []*Room
	seen := make(map[string]struct{})
	offset := 0
	for {
		var (
			total int
			batch []*Room
		)
		err := c.retryRateLimited(ctx, "list channels", func() error {
			var err error
			total, batch, err = c.server.ChannelList(ctx, c.userPageSize, offset)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			if known, ok := c.rooms[r.ID]; ok {
				r = known
			}
			rooms = append(rooms, r)
		}
		offset += len(batch)
		c.callbacks.ChannelListProgress(offset, total)
		if len(batch) == 0 || offset >= total {
			break
		}
	}
	slices.SortFunc(rooms, compareRooms)
	return rooms, nil
}

// ============================================================================
// Room members
// ============================================================================

// CacheRoomMembers fetches the member list of room once. Throttled pages
// are retried up to 10 times.
func (c *Controller) CacheRoomMembers(ctx context.Context, room *Room) error {
	if !room.SupportsMembers() {
		return nil
	}
	if _, ok := c.memberCount[room.ID]; ok {
		return nil
	}

	members, ok := c.members[room.ID]
	if !ok {
		members = make(map[string]struct{})
		c.members[room.ID] = members
	}

	offset := 0
	for {
		var (
			total int
			batch []BasicUserInfo
		)
		err := c.retryRateLimited(ctx, "list members", func() error {
			var err error
			total, batch, err = c.server.RoomMembers(ctx, room, c.memberPageSize, offset)
			return err
		})
		if err != nil {
			return err
		}
		for _, u := range batch {
			c.users.add(u)
			members[u.ID] = struct{}{}
		}
		offset += len(batch)
		c.memberCount[room.ID] = total
		if len(batch) == 0 || offset >= total {
			break
		}
	}
	c.log.Debug("cached room members", "room", room.Label(), "members", len(members))
	return nil
}

// RoomMembers returns the members of room known so far, sorted by name.
func (c *Controller) RoomMembers(room *Room) []BasicUserInfo {
	var users []BasicUserInfo
	for id := range c.members[room.ID] {
		if u, ok := c.users.byUserID(id); ok {
			users = append(users, u)
		}
	}
	slices.SortFunc(users, compareUsers)
	return users
}

// RoomUserCount returns the member count reported by the server, or -1 if
// the members were not fetched yet.
func (c *Controller) RoomUserCount(room *Room) int {
	n, ok := c.memberCount[room.ID]
	if !ok {
		return -1
	}
	return n
}
