package rocketterm

import (
	"context"
	"encoding/json"
	"reflect"
	"slices"
	"time"
)

// timeline is the newest-first message list of one room.
//
// Every row carries a room-local number. Numbers are assigned once and
// never change: new rows at the front get the next number, history rows at
// the back continue below the lowest one. The total starts out unknown
// until the first history page tells how many messages the server still
// holds. Locally synthesized rows (updates, deletion markers) count as
// well, so the total can exceed what the server reports.
type timeline struct {
	msgs     []*Message
	byID     map[string]*Message
	byNumber map[int]*Message

	// latest update row per message older than the loaded history. These
	// rows are not part of byID: thread references and message numbers
	// only ever point at rows that keep their number.
	detached map[string]*Message

	total      int
	totalKnown bool
	lowest     int
	complete   bool

	// replies waiting for their thread root, keyed by root ID
	waiters    map[string][]*Message
	unresolved []*Message
}

func newTimeline() *timeline {
	return &timeline{
		byID:     make(map[string]*Message),
		byNumber: make(map[int]*Message),
		detached: make(map[string]*Message),
		waiters:  make(map[string][]*Message),
	}
}

// head returns the newest row.
func (t *timeline) head() *Message {
	if len(t.msgs) == 0 {
		return nil
	}
	return t.msgs[0]
}

// newest returns the newest row that is not an update record.
func (t *timeline) newest() *Message {
	for _, m := range t.msgs {
		if !m.update {
			return m
		}
	}
	return nil
}

// oldest returns the oldest row that is not an update record. Update rows
// carry a server timestamp and must never be used as history cursor.
func (t *timeline) oldest() *Message {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !t.msgs[i].update {
			return t.msgs[i]
		}
	}
	return nil
}

// covers reports whether m lies within the loaded part of the history,
// where no history page will ever deliver it.
func (t *timeline) covers(m *Message) bool {
	if t.complete {
		return true
	}
	o := t.oldest()
	return o != nil && !m.Created.Before(o.Created.Time)
}

// insert places m keeping the list sorted non-increasing by sort key.
func (t *timeline) insert(m *Message) {
	key := m.sortKey()
	idx := slices.IndexFunc(t.msgs, func(o *Message) bool { return o.sortKey().Before(key) })
	if idx < 0 {
		idx = len(t.msgs)
	}
	t.msgs = slices.Insert(t.msgs, idx, m)
}

// numberNew assigns the next number to a row added at the front.
func (t *timeline) numberNew(m *Message) {
	if !t.totalKnown {
		return
	}
	t.total++
	m.number = t.total
	t.byNumber[m.number] = m
}

// ============================================================================
// Content diffing
// ============================================================================

var (
	noisyFields      = []string{"_updatedAt", "ts", "u"}
	threadFields     = []string{"tcount", "tlm", "replies"}
	discussionFields = []string{"dcount", "dlm"}
)

// changedFields returns the top level fields that differ between the
// server representations of a and b, ignoring bookkeeping fields.
func changedFields(a, b *Message) []string {
	var am, bm map[string]any
	if err := json.Unmarshal(a.Raw(), &am); err != nil {
		return []string{"*"}
	}
	if err := json.Unmarshal(b.Raw(), &bm); err != nil {
		return []string{"*"}
	}
	for _, k := range noisyFields {
		delete(am, k)
		delete(bm, k)
	}

	var changed []string
	for k, av := range am {
		if bv, ok := bm[k]; !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

func onlyFields(changed, allowed []string) bool {
	for _, f := range changed {
		if !slices.Contains(allowed, f) {
			return false
		}
	}
	return true
}

// takeContent copies the mutable server fields of src into dst. Identity
// and timeline bookkeeping of dst stay.
func takeContent(dst, src *Message) {
	id, rid, created, author := dst.ID, dst.RoomID, dst.Created, dst.Author
	update, prev, number := dst.update, dst.prev, dst.number
	*dst = *src.Clone()
	dst.ID, dst.RoomID, dst.Created, dst.Author = id, rid, created, author
	dst.update, dst.prev, dst.number = update, prev, number
}

// ============================================================================
// Ingestion
// ============================================================================

// IngestMessage merges a pushed message into the timeline of its room.
// Duplicates and useless updates are dropped; everything else produces a
// NewRoomMessage notification carrying the resulting row.
func (c *Controller) IngestMessage(in *Message) {
	tl, ok := c.timelines[in.RoomID]
	if !ok {
		c.log.Warn("message for unknown room", "room_id", in.RoomID, "msg_id", in.ID)
		return
	}
	msg := in.Clone()

	existing, known := tl.byID[msg.ID]
	if known && existing.Updated.Equal(msg.Updated.Time) {
		return
	}
	if d, ok := tl.detached[msg.ID]; ok && !known && d.Updated.Equal(msg.Updated.Time) {
		return
	}

	isUpdate := known
	if !isUpdate {
		if n := tl.newest(); n != nil && !msg.Created.After(n.Created.Time) {
			isUpdate = true
		}
	}
	if !isUpdate {
		c.addNewMessage(tl, msg)
		return
	}

	if h := tl.head(); h != nil && !msg.Updated.After(h.sortKey()) {
		c.log.Debug("dropping stale update", "room_id", msg.RoomID, "msg_id", msg.ID)
		return
	}

	if !known {
		// a message that was never loaded; nothing to diff against
		msg.update = true
		tl.msgs = slices.Insert(tl.msgs, 0, msg)
		tl.numberNew(msg)
		if !tl.covers(msg) {
			tl.detached[msg.ID] = msg
			c.callbacks.NewRoomMessage(msg)
			return
		}
		tl.byID[msg.ID] = msg
		c.cacheAuthor(msg)
		c.trackThreadParent(tl, msg)
		c.callbacks.NewRoomMessage(msg)
		c.resolveWaiters(tl, msg)
		return
	}

	changed := changedFields(existing, msg)
	prev := existing.Clone()
	prev.number = existing.number

	switch {
	case len(changed) == 0:
		existing.Updated = msg.Updated
		return
	case onlyFields(changed, threadFields):
		takeContent(existing, msg)
		if prev.ReplyCount != existing.ReplyCount {
			c.callbacks.ThreadActivity(existing, prev)
		}
		return
	case onlyFields(changed, discussionFields):
		takeContent(existing, msg)
		if !c.callbacks.DiscussionActivity(existing, prev) {
			return
		}
	default:
		takeContent(existing, msg)
	}

	row := existing.Clone()
	row.update = true
	row.prev = prev
	tl.msgs = slices.Insert(tl.msgs, 0, row)
	tl.numberNew(row)
	c.callbacks.NewRoomMessage(row)
}

func (c *Controller) addNewMessage(tl *timeline, msg *Message) {
	tl.insert(msg)
	tl.byID[msg.ID] = msg
	tl.numberNew(msg)
	c.cacheAuthor(msg)
	c.trackThreadParent(tl, msg)
	c.callbacks.NewRoomMessage(msg)
	c.resolveWaiters(tl, msg)
}

func (c *Controller) cacheAuthor(msg *Message) {
	if msg.Author.ID == "" {
		return
	}
	c.users.add(msg.Author)
	members, ok := c.members[msg.RoomID]
	if !ok {
		members = make(map[string]struct{})
		c.members[msg.RoomID] = members
	}
	members[msg.Author.ID] = struct{}{}
}

// trackThreadParent records msg as waiting if its thread root is unknown.
func (c *Controller) trackThreadParent(tl *timeline, msg *Message) {
	if msg.ThreadParent == "" {
		return
	}
	if _, ok := tl.byID[msg.ThreadParent]; ok {
		return
	}
	tl.waiters[msg.ThreadParent] = append(tl.waiters[msg.ThreadParent], msg)
}

func (c *Controller) resolveWaiters(tl *timeline, parent *Message) {
	replies, ok := tl.waiters[parent.ID]
	if !ok {
		return
	}
	delete(tl.waiters, parent.ID)
	c.callbacks.ThreadParentsResolved(parent, replies)
}

// ============================================================================
// Deletion
// ============================================================================

// handleDeleteMessage turns a deletion event into a content-replacing
// update so the message keeps its slot and number.
func (c *Controller) handleDeleteMessage(roomID, msgID string) {
	tl, ok := c.timelines[roomID]
	if !ok {
		c.log.Warn("deletion for unknown room", "room_id", roomID, "msg_id", msgID)
		return
	}

	ts := TimestampOf(c.now())
	if h := tl.head(); h != nil && !ts.After(h.sortKey()) {
		ts = TimestampOf(h.sortKey().Add(time.Millisecond))
	}

	existing, ok := tl.byID[msgID]
	if !ok {
		existing, ok = tl.detached[msgID]
	}
	var removed *Message
	if ok {
		removed = existing.Clone()
		removed.raw = nil
		removed.Type = MessageRemoved
		removed.Text = ""
		removed.Reactions = nil
		removed.Attachments = nil
		removed.File = nil
		removed.URLs = nil
		removed.Mentions = nil
		removed.Updated = ts
		removed.EditedAt = &ts
		author := existing.Author
		removed.EditedBy = &author
	} else {
		removed = &Message{
			ID:      msgID,
			RoomID:  roomID,
			Type:    MessageRemoved,
			Author:  BasicUserInfo{Username: "unknown"},
			Created: ts,
			Updated: ts,
		}
	}
	c.IngestMessage(removed)
}

// ============================================================================
// History
// ============================================================================

// LoadMoreMessages loads up to count messages older than everything cached
// for room. It returns the added messages newest first, or nothing once
// the room history is exhausted. A request still throttled after 10
// retries fails with a *RateLimitError and leaves the timeline unchanged.
func (c *Controller) LoadMoreMessages(ctx context.Context, room *Room, count int) ([]*Message, error) {
	room, err := c.roomOrSelected(room)
	if err != nil {
		return nil, err
	}
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil, ErrNotSubscribed
	}
	if tl.complete {
		return nil, nil
	}
	if count <= 0 {
		count = c.batchSize
	}

	var cursor time.Time
	if o := tl.oldest(); o != nil {
		cursor = o.Created.Time
	}

	var (
		remaining int
		batch     []*Message
	)
	err = c.retryRateLimited(ctx, "load history", func() error {
		var err error
		remaining, batch, err = c.server.RoomHistory(ctx, room.ID, count, cursor)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 || remaining == 0 {
		tl.complete = true
	}

	batch = slices.Clone(batch)
	slices.SortStableFunc(batch, func(a, b *Message) int {
		return b.Created.Compare(a.Created.Time)
	})

	var added []*Message
	for _, in := range batch {
		if _, ok := tl.byID[in.ID]; ok {
			continue
		}
		msg := in.Clone()
		tl.msgs = append(tl.msgs, msg)
		tl.byID[msg.ID] = msg
		delete(tl.detached, msg.ID)
		c.cacheAuthor(msg)
		added = append(added, msg)
	}

	if !tl.totalKnown {
		tl.totalKnown = true
		tl.total = remaining + len(tl.msgs)
		tl.lowest = tl.total + 1
		for _, m := range tl.msgs {
			tl.lowest--
			m.number = tl.lowest
			tl.byNumber[m.number] = m
		}
	} else {
		for _, m := range added {
			tl.lowest--
			m.number = tl.lowest
			tl.byNumber[m.number] = m
		}
	}

	for _, m := range added {
		c.trackThreadParent(tl, m)
	}
	for _, m := range added {
		c.resolveWaiters(tl, m)
	}

	c.log.Debug("loaded history", "room", room.Label(), "count", len(added),
		"remaining", remaining, "complete", tl.complete)
	return added, nil
}

// ResolveThreadParents loads history until every cached thread reply has
// its root cached, the history is exhausted or the configured number of
// pages was loaded. Replies whose root cannot be found in the complete
// history are returned and kept as unresolved.
func (c *Controller) ResolveThreadParents(ctx context.Context, room *Room) ([]*Message, error) {
	room, err := c.roomOrSelected(room)
	if err != nil {
		return nil, err
	}
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil, ErrNotSubscribed
	}

	for round := 0; len(tl.waiters) > 0 && !tl.complete && round < c.resolveRounds; round++ {
		if _, err := c.LoadMoreMessages(ctx, room, c.batchSize); err != nil {
			return nil, err
		}
	}
	if !tl.complete || len(tl.waiters) == 0 {
		return nil, nil
	}

	var lost []*Message
	for parent, replies := range tl.waiters {
		c.log.Warn("thread root not found in room history", "room", room.Label(),
			"parent_id", parent, "replies", len(replies))
		lost = append(lost, replies...)
	}
	clear(tl.waiters)
	tl.unresolved = append(tl.unresolved, lost...)
	return lost, nil
}

// ============================================================================
// Timeline queries
// ============================================================================

// Messages returns the cached rows of room, newest first.
func (c *Controller) Messages(room *Room) []*Message {
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil
	}
	return slices.Clone(tl.msgs)
}

func (c *Controller) MessageByID(room *Room, id string) (*Message, bool) {
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil, false
	}
	m, ok := tl.byID[id]
	return m, ok
}

func (c *Controller) MessageByNumber(room *Room, nr int) (*Message, bool) {
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil, false
	}
	m, ok := tl.byNumber[nr]
	return m, ok
}

// MessageNumber returns the number of the row holding message id. For
// updated messages this is the number of the original row; messages only
// known from update rows have no number yet.
func (c *Controller) MessageNumber(room *Room, id string) int {
	if m, ok := c.MessageByID(room, id); ok {
		return m.number
	}
	return 0
}

// ThreadParentNumber returns the number of the thread root msg belongs to,
// or 0 if the root is not cached (yet).
func (c *Controller) ThreadParentNumber(room *Room, msg *Message) int {
	if msg.ThreadParent == "" {
		return 0
	}
	return c.MessageNumber(room, msg.ThreadParent)
}

// UnresolvedThreadReferences returns replies whose thread root was not
// found in the complete room history.
func (c *Controller) UnresolvedThreadReferences(room *Room) []*Message {
	tl, ok := c.timelines[room.ID]
	if !ok {
		return nil
	}
	return slices.Clone(tl.unresolved)
}

// PendingThreadReferences returns the number of replies still waiting for
// their thread root.
func (c *Controller) PendingThreadReferences(room *Room) int {
	tl, ok := c.timelines[room.ID]
	if !ok {
		return 0
	}
	n := 0
	for _, r := range tl.waiters {
		n += len(r)
	}
	return n
}

func (c *Controller) HistoryComplete(room *Room) bool {
	tl, ok := c.timelines[room.ID]
	return ok && tl.complete
}

// RoomMessageCount returns the believed total number of messages in room
// including locally synthesized rows, or -1 while it is still unknown.
func (c *Controller) RoomMessageCount(room *Room) int {
	tl, ok := c.timelines[room.ID]
	if !ok || !tl.totalKnown {
		return -1
	}
	return tl.total
}
