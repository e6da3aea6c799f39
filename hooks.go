package rocketterm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Hook names.
const (
	HookNewRoomMessage = "new_room_message"
	HookMentioned      = "mentioned"
	HookRoomOpened     = "room_opened"
	HookRoomHidden     = "room_hidden"
	HookRoomAdded      = "room_added"
	HookRoomRemoved    = "room_removed"
	HookLostConnection = "lost_connection"
	HookInternalError  = "internal_error"
)

// SupportedHooks lists all hook names a HookRunner accepts.
var SupportedHooks = []string{
	HookNewRoomMessage,
	HookMentioned,
	HookRoomOpened,
	HookRoomHidden,
	HookRoomAdded,
	HookRoomRemoved,
	HookLostConnection,
	HookInternalError,
}

const HookSignatureHeader = "X-Rocketterm-Signature"

// HookContext holds the values passed to a hook. Command hooks receive
// them as RC_<KEY> environment variables and as {key} placeholders.
type HookContext map[string]string

// ============================================================================
// HookRunner
// ============================================================================

// MessageClassifier tells whether a message concerns the local user.
// The Controller implements it.
type MessageClassifier interface {
	MentionsUs(msg *Message) bool
	IsFromUs(msg *Message) bool
	RoomByID(id string) (*Room, bool)
}

// HookRunner is a Callbacks consumer that runs external commands and
// delivers signed webhooks for selected notifications.
type HookRunner struct {
	NopCallbacks

	log        *slog.Logger
	classifier MessageClassifier
	httpClient *http.Client
	timeout    time.Duration

	mu       sync.Mutex
	commands map[string][][]string

	webhookURL    string
	webhookSecret string
	webhookHooks  []string
}

type HookOption func(*HookRunner)

func WithHookLogger(l *slog.Logger) HookOption {
	return func(h *HookRunner) { h.log = l }
}

// WithWebhook posts the context of the given hooks (all if none are named)
// to url, signed with secret.
func WithWebhook(url, secret string, hooks ...string) HookOption {
	return func(h *HookRunner) {
		h.webhookURL, h.webhookSecret, h.webhookHooks = url, secret, hooks
	}
}

func WithHookHTTPClient(c *http.Client) HookOption {
	return func(h *HookRunner) { h.httpClient = c }
}

// WithHookTimeout bounds the run time of a single hook command.
func WithHookTimeout(d time.Duration) HookOption {
	return func(h *HookRunner) { h.timeout = d }
}

func NewHookRunner(classifier MessageClassifier, opts ...HookOption) *HookRunner {
	h := &HookRunner{
		log:        discardLogger(),
		classifier: classifier,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		timeout:    30 * time.Second,
		commands:   make(map[string][][]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddCommand registers argv for hook. The executable must exist and must
// not be writable by other users.
func (h *HookRunner) AddCommand(hook string, argv []string) error {
	if !slices.Contains(SupportedHooks, hook) {
		return fmt.Errorf("unsupported hook %q", hook)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty command for hook %s", hook)
	}
	argv = slices.Clone(argv)
	argv[0] = expandHome(argv[0])

	info, err := os.Stat(argv[0])
	if err != nil {
		return fmt.Errorf("hook executable: %w", err)
	}
	if err := checkExecutableMode(info); err != nil {
		return fmt.Errorf("refusing hook %s: %w", argv[0], err)
	}

	h.mu.Lock()
	h.commands[hook] = append(h.commands[hook], argv)
	h.mu.Unlock()
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// checkExecutableMode rejects files whose content other users could change.
func checkExecutableMode(info os.FileInfo) error {
	mode := info.Mode().Perm()
	if mode&0o002 != 0 {
		return fmt.Errorf("file is world writable")
	}
	if mode&0o020 != 0 {
		return fmt.Errorf("file is group writable")
	}
	return nil
}

func (h *HookRunner) configured(hook string) bool {
	h.mu.Lock()
	n := len(h.commands[hook])
	h.mu.Unlock()
	if n > 0 {
		return true
	}
	return h.webhookURL != "" && (len(h.webhookHooks) == 0 || slices.Contains(h.webhookHooks, hook))
}

// Run executes all commands and the webhook for hook. Commands that fail
// are dropped for the rest of the session.
func (h *HookRunner) Run(ctx context.Context, hook string, hc HookContext) {
	hc["hook"] = hook

	h.mu.Lock()
	cmds := slices.Clone(h.commands[hook])
	h.mu.Unlock()

	var bad [][]string
	for _, argv := range cmds {
		if err := h.runCommand(ctx, argv, hc); err != nil {
			h.log.Warn("hook failed, disabling it", "hook", hook, "cmd", argv[0], "error", err)
			bad = append(bad, argv)
		}
	}
	if len(bad) > 0 {
		h.mu.Lock()
		h.commands[hook] = slices.DeleteFunc(h.commands[hook], func(argv []string) bool {
			return slices.ContainsFunc(bad, func(b []string) bool { return &b[0] == &argv[0] })
		})
		h.mu.Unlock()
	}

	if h.webhookURL != "" && (len(h.webhookHooks) == 0 || slices.Contains(h.webhookHooks, hook)) {
		if err := h.postWebhook(ctx, hc); err != nil {
			h.log.Warn("webhook delivery failed", "hook", hook, "error", err)
		}
	}
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// expandArgs replaces {key} placeholders with context values.
func expandArgs(argv []string, hc HookContext) ([]string, error) {
	out := make([]string, len(argv))
	for i, arg := range argv {
		var missing string
		out[i] = placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := hc[key]
			if !ok {
				missing = key
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("unknown placeholder {%s}", missing)
		}
	}
	return out, nil
}

// hookEnv returns the process environment plus RC_<KEY> for every context
// value.
func hookEnv(hc HookContext) []string {
	env := os.Environ()
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, "RC_"+strings.ToUpper(k)+"="+hc[k])
	}
	return env
}

func (h *HookRunner) runCommand(ctx context.Context, argv []string, hc HookContext) error {
	args, err := expandArgs(argv, hc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = hookEnv(hc)
	return cmd.Run()
}

func (h *HookRunner) postWebhook(ctx context.Context, hc HookContext) error {
	body, err := json.Marshal(hc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.webhookSecret != "" {
		req.Header.Set(HookSignatureHeader, SignHookPayload(body, h.webhookSecret))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// ============================================================================
// Callbacks
// ============================================================================

func roomContext(prefix string, room *Room, hc HookContext) {
	hc[prefix+"friendly_name"] = room.DisplayName()
	hc[prefix+"json"] = string(room.Raw())
	hc[prefix+"label"] = room.Label()
	hc[prefix+"name"] = room.Name
	hc[prefix+"type"] = room.TypeLabel()
}

func (h *HookRunner) runRoomHook(hook string, room *Room) {
	if !h.configured(hook) {
		return
	}
	hc := HookContext{}
	roomContext("", room, hc)
	h.Run(context.Background(), hook, hc)
}

func (h *HookRunner) RoomOpened(r *Room)  { h.runRoomHook(HookRoomOpened, r) }
func (h *HookRunner) RoomHidden(r *Room)  { h.runRoomHook(HookRoomHidden, r) }
func (h *HookRunner) RoomAdded(r *Room)   { h.runRoomHook(HookRoomAdded, r) }
func (h *HookRunner) RoomRemoved(r *Room) { h.runRoomHook(HookRoomRemoved, r) }

func (h *HookRunner) LostConnection() {
	if h.configured(HookLostConnection) {
		h.Run(context.Background(), HookLostConnection, HookContext{})
	}
}

func (h *HookRunner) InternalError(err error) {
	if h.configured(HookInternalError) {
		h.Run(context.Background(), HookInternalError, HookContext{"error_text": err.Error()})
	}
}

func (h *HookRunner) NewRoomMessage(msg *Message) {
	if !h.configured(HookNewRoomMessage) && !h.configured(HookMentioned) {
		return
	}
	room, ok := h.classifier.RoomByID(msg.RoomID)
	if !ok {
		return
	}

	hc := HookContext{
		"is_update":      strconv.FormatBool(msg.IsIncrementalUpdate()),
		"json":           string(msg.Raw()),
		"msg_author":     msg.Author.Username,
		"msg_id":         msg.ID,
		"msg_is_thread":  strconv.FormatBool(msg.IsThreadMessage()),
		"msg_text":       msg.Text,
		"msg_type":       string(msg.Type),
		"msg_was_edited": strconv.FormatBool(msg.WasEdited()),
		"room_id":        room.ID,
	}
	roomContext("room_", room, hc)
	if prev := msg.Previous(); prev != nil {
		hc["old_json"] = string(prev.Raw())
	}

	ctx := context.Background()
	h.Run(ctx, HookNewRoomMessage, hc)

	direct := room.IsDirectChat() && !h.classifier.IsFromUs(msg)
	if h.classifier.MentionsUs(msg) || direct {
		h.Run(ctx, HookMentioned, hc)
	}
}

var _ Callbacks = (*HookRunner)(nil)

// ============================================================================
// Webhook signatures
// ============================================================================

// SignHookPayload returns the signature header value for body.
func SignHookPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHookSignature checks an HMAC-SHA256 hook signature using a
// constant-time comparison. The "sha256=" prefix is optional.
func VerifyHookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseHookPayload parses a webhook body sent by a HookRunner.
func ParseHookPayload(body string) (HookContext, error) {
	var hc HookContext
	if err := json.Unmarshal([]byte(body), &hc); err != nil {
		return nil, fmt.Errorf("invalid JSON in hook body: %w", err)
	}
	hook := hc["hook"]
	if hook == "" {
		return nil, fmt.Errorf("missing hook field in payload")
	}
	if !slices.Contains(SupportedHooks, hook) {
		return nil, fmt.Errorf("unknown hook: %s", hook)
	}
	if (hook == HookNewRoomMessage || hook == HookMentioned) && (hc["msg_id"] == "" || hc["room_id"] == "") {
		return nil, fmt.Errorf("missing required fields in hook payload (msg_id, room_id)")
	}
	return hc, nil
}

// ============================================================================
// HookReceiver
// ============================================================================

// HookHandlerFunc handles a verified hook payload.
type HookHandlerFunc func(hc HookContext) error

// HookReceiver is the receiving end of webhook hooks.
type HookReceiver struct {
	secret string
	handle HookHandlerFunc
}

func NewHookReceiver(secret string, handle HookHandlerFunc) (*HookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &HookReceiver{secret: secret, handle: handle}, nil
}

// Handle verifies and dispatches a payload. It returns the status code and
// response body for the caller to write.
func (r *HookReceiver) Handle(body, signature string) (int, any) {
	if !VerifyHookSignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	hc, err := ParseHookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := r.handle(hc); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (r *HookReceiver) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := r.Handle(string(body), req.Header.Get(HookSignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
