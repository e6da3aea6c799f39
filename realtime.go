package rocketterm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// ddpMessage is the envelope of every realtime API frame.
type ddpMessage struct {
	Msg        string            `json:"msg,omitempty"`
	ID         string            `json:"id,omitempty"`
	Method     string            `json:"method,omitempty"`
	Name       string            `json:"name,omitempty"`
	Params     []any             `json:"params,omitempty"`
	Version    string            `json:"version,omitempty"`
	Support    []string          `json:"support,omitempty"`
	Session    string            `json:"session,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *ddpError         `json:"error,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Fields     *ddpChangedFields `json:"fields,omitempty"`
	Subs       []string          `json:"subs,omitempty"`
}

type ddpChangedFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

type ddpError struct {
	Code    json.RawMessage `json:"error"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
	Details struct {
		TimeToReset int64  `json:"timeToReset"`
		Method      string `json:"method"`
	} `json:"details"`
}

// code returns the error tag, which the server sends either as string or
// as number.
func (e *ddpError) code() string {
	var s string
	if json.Unmarshal(e.Code, &s) == nil {
		return s
	}
	return strings.Trim(string(e.Code), `"`)
}

// asError classifies a method error reply.
func (e *ddpError) asError(method string, now time.Time) error {
	reason := e.Reason
	if reason == "" {
		reason = e.Message
	}
	switch code := e.code(); code {
	case "error-action-not-allowed":
		return &ForbiddenError{Method: method, Reason: reason}
	case "too-many-requests":
		rl := &RateLimitError{Method: method}
		if e.Details.TimeToReset > 0 {
			rl.Reset = now.Add(time.Duration(e.Details.TimeToReset) * time.Millisecond)
		}
		return rl
	default:
		return &MethodCallError{Method: method, Code: code, Reason: reason}
	}
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeSession.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	CallTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
)

// ============================================================================
// Login data
// ============================================================================

// LoginData is either PasswordLogin or TokenLogin.
type LoginData interface {
	loginParams() any
}

type PasswordLogin struct {
	Username string
	Password string
}

func (l PasswordLogin) loginParams() any {
	sum := sha256.Sum256([]byte(l.Password))
	return map[string]any{
		"user": map[string]string{"username": l.Username},
		"password": map[string]string{
			"digest":    hex.EncodeToString(sum[:]),
			"algorithm": "sha-256",
		},
	}
}

// TokenLogin resumes a session with a personal or previously issued token.
type TokenLogin struct {
	Token string
}

func (l TokenLogin) loginParams() any {
	return map[string]string{"resume": l.Token}
}

type LoginResult struct {
	UserID  string    `json:"id"`
	Token   string    `json:"token"`
	Expires Timestamp `json:"tokenExpires"`
}

// ============================================================================
// Event dispatch
// ============================================================================

type subscriptionKey struct {
	topic  string
	itemID string
}

// eventDispatcher routes "changed" frames to subscribers. The server does
// not echo subscription IDs on events, so routing is by topic and item.
type eventDispatcher struct {
	mu   sync.RWMutex
	subs map[subscriptionKey][]*EventSubscription
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{subs: make(map[subscriptionKey][]*EventSubscription)}
}

func (d *eventDispatcher) add(sub *EventSubscription) {
	d.mu.Lock()
	key := subscriptionKey{sub.Topic, sub.ItemID}
	d.subs[key] = append(d.subs[key], sub)
	d.mu.Unlock()
}

// remove reports whether sub was the last subscriber of its key.
func (d *eventDispatcher) remove(sub *EventSubscription) (found, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := subscriptionKey{sub.Topic, sub.ItemID}
	list := d.subs[key]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(list) == 0 {
		delete(d.subs, key)
		return found, true
	}
	d.subs[key] = list
	return found, false
}

// dispatch runs handlers synchronously to keep delivery order.
func (d *eventDispatcher) dispatch(topic, itemID string, args []json.RawMessage) int {
	d.mu.RLock()
	handlers := append([]*EventSubscription(nil), d.subs[subscriptionKey{topic, itemID}]...)
	d.mu.RUnlock()
	for _, s := range handlers {
		s.handler(args)
	}
	return len(handlers)
}

func (d *eventDispatcher) clear() {
	d.mu.Lock()
	d.subs = make(map[subscriptionKey][]*EventSubscription)
	d.mu.Unlock()
}

// ============================================================================
// RealtimeSession
// ============================================================================

// RealtimeSession is a client of the realtime (DDP over WebSocket) API.
// It carries method calls and push subscriptions. Reconnecting is left to
// the caller: a lost connection is reported once via OnConnectionLost.
type RealtimeSession struct {
	wsURL      string
	config     *RealtimeConfig
	log        *slog.Logger
	dispatcher *eventDispatcher

	mu          sync.Mutex
	conn        *websocket.Conn
	state       RealtimeState
	intentional bool
	cancelFn    context.CancelFunc
	lostFn      func()
	lostOnce    *sync.Once
	session     string

	counterMu sync.Mutex
	counter   int

	pendingMu sync.Mutex
	pending   map[string]chan ddpMessage
}

// NewRealtimeSession creates a session for the server at serverURL
// (http or https URL of the server's web interface).
func NewRealtimeSession(serverURL string, config *RealtimeConfig) *RealtimeSession {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &RealtimeSession{
		wsURL:      websocketURL(serverURL),
		config:     config,
		log:        config.Logger.With("component", "realtime"),
		dispatcher: newEventDispatcher(),
		state:      StateDisconnected,
		pending:    make(map[string]chan ddpMessage),
	}
}

func websocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/websocket"
}

// State returns the current connection state.
func (s *RealtimeSession) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnConnectionLost registers fn to run when the connection breaks without
// Close having been called. It runs at most once per connection, on the
// reader goroutine.
func (s *RealtimeSession) OnConnectionLost(fn func()) {
	s.mu.Lock()
	s.lostFn = fn
	s.mu.Unlock()
}

// Connect dials the server and performs the DDP handshake.
func (s *RealtimeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentional = false
	s.mu.Unlock()

	fail := func(conn *websocket.Conn, err error) error {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, s.wsURL, &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		return fail(nil, fmt.Errorf("websocket dial: %w", err))
	}
	conn.SetReadLimit(16 << 20)

	hello := ddpMessage{Msg: "connect", Version: "1", Support: []string{"1"}}
	if err := writeFrame(ctx, conn, &hello); err != nil {
		return fail(conn, fmt.Errorf("send connect: %w", err))
	}

	// the server announces itself with a server_id frame before "connected"
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fail(conn, fmt.Errorf("read connect reply: %w", err))
		}
		var msg ddpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Msg == "failed" {
			return fail(conn, fmt.Errorf("server refused DDP version %s", msg.Version))
		}
		if msg.Msg == "connected" {
			s.mu.Lock()
			s.session = msg.Session
			s.mu.Unlock()
			break
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	s.lostOnce = &sync.Once{}
	s.mu.Unlock()

	s.log.Debug("connected", "url", s.wsURL)

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)
	return nil
}

// Close shuts the connection down. Pending calls fail with ErrNotConnected.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	s.intentional = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.failPending()
	s.dispatcher.clear()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Login authenticates the session.
func (s *RealtimeSession) Login(ctx context.Context, data LoginData) (*LoginResult, error) {
	raw, err := s.Call(ctx, "login", data.loginParams())
	if err != nil {
		return nil, &LoginError{Reason: err.Error()}
	}
	res, err := decodeJSON[LoginResult](raw)
	if err != nil {
		return nil, &LoginError{Reason: err.Error()}
	}
	return res, nil
}

// Call invokes a server method and returns the raw result.
func (s *RealtimeSession) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
	}
	if params == nil {
		params = []any{}
	}

	id := s.nextID("")
	ch := make(chan ddpMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	drop := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	s.log.Debug("method call", "method", method, "id", id)
	if err := s.send(ctx, &ddpMessage{Msg: "method", ID: id, Method: method, Params: params}); err != nil {
		drop()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrConnectionLost)
		}
		if reply.Error != nil {
			return nil, reply.Error.asError(method, time.Now())
		}
		return reply.Result, nil
	case <-ctx.Done():
		drop()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Subscribe registers handler for events of topic concerning itemID.
func (s *RealtimeSession) Subscribe(topic, itemID string, handler EventHandler) (*EventSubscription, error) {
	sub := &EventSubscription{ID: s.nextID("sub-"), Topic: topic, ItemID: itemID, handler: handler}
	s.dispatcher.add(sub)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CallTimeout)
	defer cancel()
	err := s.send(ctx, &ddpMessage{Msg: "sub", ID: sub.ID, Name: topic, Params: []any{itemID, false}})
	if err != nil {
		s.dispatcher.remove(sub)
		return nil, fmt.Errorf("subscribe %s/%s: %w", topic, itemID, err)
	}
	return sub, nil
}

// Unsubscribe cancels sub. The server side subscription is only cancelled
// once no local subscriber is left for the same topic and item.
func (s *RealtimeSession) Unsubscribe(sub *EventSubscription) error {
	found, last := s.dispatcher.remove(sub)
	if !found {
		return fmt.Errorf("unsubscribe %s/%s: unknown subscription", sub.Topic, sub.ItemID)
	}
	if !last {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CallTimeout)
	defer cancel()
	return s.send(ctx, &ddpMessage{Msg: "unsub", ID: sub.ID})
}

// Ping sends a ping and waits for the pong.
func (s *RealtimeSession) Ping(ctx context.Context) error {
	id := s.nextID("ping-")
	ch := make(chan ddpMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.send(ctx, &ddpMessage{Msg: "ping", ID: id}); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return err
	}

	timer := time.NewTimer(s.config.PongTimeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("ping timeout")
}

func (s *RealtimeSession) nextID(prefix string) string {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	s.counter++
	return prefix + strconv.Itoa(s.counter)
}

func (s *RealtimeSession) send(ctx context.Context, msg *ddpMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return writeFrame(ctx, conn, msg)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg *ddpMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *RealtimeSession) resolve(msg ddpMessage) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (s *RealtimeSession) failPending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

func (s *RealtimeSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.connectionBroken(conn, err)
			return
		}

		var msg ddpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("ignoring malformed frame", "error", err)
			continue
		}

		switch msg.Msg {
		case "ping":
			pong := ddpMessage{Msg: "pong", ID: msg.ID}
			if err := writeFrame(ctx, conn, &pong); err != nil {
				s.log.Warn("failed to answer ping", "error", err)
			}
		case "pong", "result":
			s.resolve(msg)
		case "changed":
			if msg.Fields == nil {
				continue
			}
			if n := s.dispatcher.dispatch(msg.Collection, msg.Fields.EventName, msg.Fields.Args); n == 0 {
				s.log.Debug("event without subscriber", "topic", msg.Collection, "item", msg.Fields.EventName)
			}
		case "nosub":
			if msg.Error != nil {
				s.log.Warn("subscription refused", "id", msg.ID, "error", msg.Error.asError("sub", time.Now()))
			}
		case "ready", "updated", "added", "removed":
		case "error":
			s.log.Warn("server reported protocol error", "frame", string(data))
		}
	}
}

func (s *RealtimeSession) connectionBroken(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.intentional || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	fn, once := s.lostFn, s.lostOnce
	s.mu.Unlock()

	s.log.Warn("connection lost", "error", err)
	s.failPending()

	if fn != nil && once != nil {
		once.Do(fn)
	}
}

func (s *RealtimeSession) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			if err := s.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("heartbeat failed", "error", err)
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
