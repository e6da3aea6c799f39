package rocketterm

import (
	"log/slog"
	"time"
)

// Callbacks receives the notifications emitted by the Controller. All
// methods are invoked on the goroutine that calls ProcessEvents or the
// Controller operation that caused the change.
//
// Embed NopCallbacks to implement only a subset.
type Callbacks interface {
	RoomAdded(room *Room)
	RoomRemoved(room *Room)
	RoomOpened(room *Room)
	RoomHidden(room *Room)
	RoomChanged(room *Room)
	// NewRoomSelected is called with nil when no room is left to select.
	NewRoomSelected(room *Room)

	// NewRoomMessage is called for new messages and accepted updates.
	NewRoomMessage(msg *Message)
	// ThreadActivity is called when only the reply count of a thread
	// root changed.
	ThreadActivity(root, previous *Message)
	// DiscussionActivity decides whether a changed discussion message
	// count is surfaced as an update.
	DiscussionActivity(msg, previous *Message) bool
	// ThreadParentsResolved is called when a thread root arrives that
	// previously seen replies were waiting for.
	ThreadParentsResolved(parent *Message, replies []*Message)

	OwnStatusChanged(status UserStatus)
	PeerStatusChanged(status UserStatus)
	LostConnection()
	InternalError(err error)

	UserListProgress(loaded, total int)
	ChannelListProgress(loaded, total int)
}

// NopCallbacks implements Callbacks doing nothing.
type NopCallbacks struct{}

func (NopCallbacks) RoomAdded(*Room)                            {}
func (NopCallbacks) RoomRemoved(*Room)                          {}
func (NopCallbacks) RoomOpened(*Room)                           {}
func (NopCallbacks) RoomHidden(*Room)                           {}
func (NopCallbacks) RoomChanged(*Room)                          {}
func (NopCallbacks) NewRoomSelected(*Room)                      {}
func (NopCallbacks) NewRoomMessage(*Message)                    {}
func (NopCallbacks) ThreadActivity(*Message, *Message)          {}
func (NopCallbacks) DiscussionActivity(*Message, *Message) bool { return false }
func (NopCallbacks) ThreadParentsResolved(*Message, []*Message) {}
func (NopCallbacks) OwnStatusChanged(UserStatus)                {}
func (NopCallbacks) PeerStatusChanged(UserStatus)               {}
func (NopCallbacks) LostConnection()                            {}
func (NopCallbacks) InternalError(error)                        {}
func (NopCallbacks) UserListProgress(int, int)                  {}
func (NopCallbacks) ChannelListProgress(int, int)               {}

var _ Callbacks = NopCallbacks{}

// MultiCallbacks forwards every notification to all members in order.
// A discussion is surfaced if any member asks for it.
type MultiCallbacks []Callbacks

func (m MultiCallbacks) RoomAdded(r *Room) {
	for _, c := range m {
		c.RoomAdded(r)
	}
}

func (m MultiCallbacks) RoomRemoved(r *Room) {
	for _, c := range m {
		c.RoomRemoved(r)
	}
}

func (m MultiCallbacks) RoomOpened(r *Room) {
	for _, c := range m {
		c.RoomOpened(r)
	}
}

func (m MultiCallbacks) RoomHidden(r *Room) {
	for _, c := range m {
		c.RoomHidden(r)
	}
}

func (m MultiCallbacks) RoomChanged(r *Room) {
	for _, c := range m {
		c.RoomChanged(r)
	}
}

func (m MultiCallbacks) NewRoomSelected(r *Room) {
	for _, c := range m {
		c.NewRoomSelected(r)
	}
}

func (m MultiCallbacks) NewRoomMessage(msg *Message) {
	for _, c := range m {
		c.NewRoomMessage(msg)
	}
}

func (m MultiCallbacks) ThreadActivity(root, prev *Message) {
	for _, c := range m {
		c.ThreadActivity(root, prev)
	}
}

func (m MultiCallbacks) DiscussionActivity(msg, prev *Message) bool {
	surface := false
	for _, c := range m {
		if c.DiscussionActivity(msg, prev) {
			surface = true
		}
	}
	return surface
}

func (m MultiCallbacks) ThreadParentsResolved(parent *Message, replies []*Message) {
	for _, c := range m {
		c.ThreadParentsResolved(parent, replies)
	}
}

func (m MultiCallbacks) OwnStatusChanged(st UserStatus) {
	for _, c := range m {
		c.OwnStatusChanged(st)
	}
}

func (m MultiCallbacks) PeerStatusChanged(st UserStatus) {
	for _, c := range m {
		c.PeerStatusChanged(st)
	}
}

func (m MultiCallbacks) LostConnection() {
	for _, c := range m {
		c.LostConnection()
	}
}

func (m MultiCallbacks) InternalError(err error) {
	for _, c := range m {
		c.InternalError(err)
	}
}

func (m MultiCallbacks) UserListProgress(loaded, total int) {
	for _, c := range m {
		c.UserListProgress(loaded, total)
	}
}

func (m MultiCallbacks) ChannelListProgress(loaded, total int) {
	for _, c := range m {
		c.ChannelListProgress(loaded, total)
	}
}

// LogCallbacks records notifications in a structured log.
type LogCallbacks struct {
	NopCallbacks
	Logger *slog.Logger
}

func (l LogCallbacks) RoomAdded(r *Room)   { l.Logger.Info("room added", "room", r.Label()) }
func (l LogCallbacks) RoomRemoved(r *Room) { l.Logger.Info("room removed", "room", r.Label()) }
func (l LogCallbacks) RoomOpened(r *Room)  { l.Logger.Info("room opened", "room", r.Label()) }
func (l LogCallbacks) RoomHidden(r *Room)  { l.Logger.Info("room hidden", "room", r.Label()) }
func (l LogCallbacks) RoomChanged(r *Room) { l.Logger.Debug("room changed", "room", r.Label()) }

func (l LogCallbacks) NewRoomSelected(r *Room) {
	if r == nil {
		l.Logger.Debug("selection cleared")
		return
	}
	l.Logger.Debug("room selected", "room", r.Label())
}

func (l LogCallbacks) NewRoomMessage(m *Message) {
	l.Logger.Debug("room message", "room_id", m.RoomID, "msg_id", m.ID,
		"number", m.Number(), "update", m.IsIncrementalUpdate())
}

func (l LogCallbacks) ThreadActivity(root, _ *Message) {
	l.Logger.Debug("thread activity", "room_id", root.RoomID, "msg_id", root.ID, "replies", root.ReplyCount)
}

func (l LogCallbacks) OwnStatusChanged(st UserStatus) {
	l.Logger.Info("own status changed", "presence", st.Presence, "text", st.Text)
}

func (l LogCallbacks) LostConnection() { l.Logger.Warn("lost connection to server") }

func (l LogCallbacks) InternalError(err error) {
	l.Logger.Error("internal error", "error", err)
}

// DiscussionDecayPolicy surfaces discussion activity only if the
// discussion was quiet for longer than Threshold. Busy discussions would
// otherwise flood the parent room with count updates.
//
// It implements Callbacks so it can be combined with other consumers in
// MultiCallbacks.
type DiscussionDecayPolicy struct {
	NopCallbacks
	Threshold time.Duration
}

const DefaultDiscussionThreshold = 10 * time.Minute

func (p DiscussionDecayPolicy) Surface(msg, prev *Message) bool {
	if prev == nil || prev.DiscussionLastModified == nil || msg.DiscussionLastModified == nil {
		return true
	}
	threshold := p.Threshold
	if threshold == 0 {
		threshold = DefaultDiscussionThreshold
	}
	return msg.DiscussionLastModified.Sub(prev.DiscussionLastModified.Time) > threshold
}

func (p DiscussionDecayPolicy) DiscussionActivity(msg, prev *Message) bool {
	return p.Surface(msg, prev)
}
