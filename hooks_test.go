package rocketterm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testHookSecret = "test-hook-secret-key"

func makeHookPayload(hc HookContext) string {
	b, _ := json.Marshal(hc)
	return string(b)
}

func messageHookContext() HookContext {
	return HookContext{
		"hook":     HookNewRoomMessage,
		"msg_id":   "m1",
		"room_id":  "r1",
		"msg_text": "hello",
	}
}

type stubClassifier struct {
	rooms    map[string]*Room
	mentions bool
	me       string
}

func (s *stubClassifier) MentionsUs(*Message) bool   { return s.mentions }
func (s *stubClassifier) IsFromUs(msg *Message) bool { return msg.Author.ID == s.me }
func (s *stubClassifier) RoomByID(id string) (*Room, bool) {
	r, ok := s.rooms[id]
	return r, ok
}

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

// ============================================================================
// Signatures
// ============================================================================

func TestVerifyHookSignature(t *testing.T) {
	body := makeHookPayload(messageHookContext())

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, VerifyHookSignature(body, SignHookPayload([]byte(body), testHookSecret), testHookSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignHookPayload([]byte(body), testHookSecret), "sha256=")
		assert.True(t, VerifyHookSignature(body, sig, testHookSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifyHookSignature(body, SignHookPayload([]byte(body), "other"), testHookSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignHookPayload([]byte(body), testHookSecret)
		assert.False(t, VerifyHookSignature(body+" ", sig, testHookSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifyHookSignature("", "sha256=abc", testHookSecret))
		assert.False(t, VerifyHookSignature(body, "", testHookSecret))
		assert.False(t, VerifyHookSignature(body, "sha256=", testHookSecret))
		assert.False(t, VerifyHookSignature(body, "sha256=abc", ""))
	})
}

func TestParseHookPayload(t *testing.T) {
	t.Run("message hook", func(t *testing.T) {
		hc, err := ParseHookPayload(makeHookPayload(messageHookContext()))
		require.NoError(t, err)
		assert.Equal(t, "hello", hc["msg_text"])
	})

	t.Run("hook without message", func(t *testing.T) {
		hc, err := ParseHookPayload(`{"hook":"lost_connection"}`)
		require.NoError(t, err)
		assert.Equal(t, HookLostConnection, hc["hook"])
	})

	tests := map[string]string{
		"invalid json":    `{`,
		"missing hook":    `{"msg_id":"m1"}`,
		"unknown hook":    `{"hook":"room_renamed"}`,
		"missing room id": `{"hook":"mentioned","msg_id":"m1"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHookPayload(body)
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// HookReceiver
// ============================================================================

func TestNewHookReceiver(t *testing.T) {
	_, err := NewHookReceiver("", func(HookContext) error { return nil })
	assert.Error(t, err)
}

func TestHookReceiverHTTPHandler(t *testing.T) {
	var got []HookContext
	recv, err := NewHookReceiver(testHookSecret, func(hc HookContext) error {
		if hc["msg_text"] == "fail" {
			return errors.New("handler failed")
		}
		got = append(got, hc)
		return nil
	})
	require.NoError(t, err)
	srv := httptest.NewServer(recv)
	defer srv.Close()

	post := func(body, sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		if sig != "" {
			req.Header.Set(HookSignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("accepted", func(t *testing.T) {
		body := makeHookPayload(messageHookContext())
		resp := post(body, SignHookPayload([]byte(body), testHookSecret))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0]["msg_id"])
	})

	t.Run("bad signature", func(t *testing.T) {
		resp := post(makeHookPayload(messageHookContext()), "sha256=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid payload", func(t *testing.T) {
		body := `{"hook":"nope"}`
		resp := post(body, SignHookPayload([]byte(body), testHookSecret))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("handler error", func(t *testing.T) {
		hc := messageHookContext()
		hc["msg_text"] = "fail"
		body := makeHookPayload(hc)
		resp := post(body, SignHookPayload([]byte(body), testHookSecret))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		data, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(data), "handler failed")
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

// ============================================================================
// HookRunner
// ============================================================================

func TestExpandArgs(t *testing.T) {
	hc := HookContext{"msg_id": "m1", "room_name": "general"}

	out, err := expandArgs([]string{"notify", "{room_name}: {msg_id}", "-v"}, hc)
	require.NoError(t, err)
	assert.Equal(t, []string{"notify", "general: m1", "-v"}, out)

	_, err = expandArgs([]string{"notify", "{msg_text}"}, hc)
	assert.ErrorContains(t, err, "msg_text")
}

func TestCheckExecutableMode(t *testing.T) {
	dir := t.TempDir()
	for mode, ok := range map[os.FileMode]bool{0o700: true, 0o755: true, 0o775: false, 0o777: false} {
		path := filepath.Join(dir, mode.String())
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		require.NoError(t, os.Chmod(path, mode))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, ok, checkExecutableMode(info) == nil, mode.String())
	}
}

func TestHookRunnerAddCommand(t *testing.T) {
	h := NewHookRunner(&stubClassifier{})
	script := writeScript(t, "exit 0")

	assert.NoError(t, h.AddCommand(HookRoomAdded, []string{script}))
	assert.Error(t, h.AddCommand("room_renamed", []string{script}))
	assert.Error(t, h.AddCommand(HookRoomAdded, nil))
	assert.Error(t, h.AddCommand(HookRoomAdded, []string{filepath.Join(t.TempDir(), "missing")}))

	require.NoError(t, os.Chmod(script, 0o777))
	assert.Error(t, h.AddCommand(HookRoomHidden, []string{script}))
}

func TestHookRunnerCommands(t *testing.T) {
	room := &Room{ID: "r1", Name: "general", Type: ChatRoomType}
	msg := &Message{ID: "m1", RoomID: "r1", Text: "hi there", Author: testBob}

	t.Run("arguments and environment", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")
		script := writeScript(t, `echo "$2 $RC_MSG_AUTHOR $RC_ROOM_LABEL $RC_HOOK" >> "$1"`)
		h := NewHookRunner(&stubClassifier{rooms: map[string]*Room{"r1": room}})
		require.NoError(t, h.AddCommand(HookNewRoomMessage, []string{script, out, "{msg_text}"}))

		h.NewRoomMessage(msg)

		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "hi there bob #general new_room_message\n", string(data))
	})

	t.Run("failing command is disabled", func(t *testing.T) {
		h := NewHookRunner(&stubClassifier{})
		require.NoError(t, h.AddCommand(HookLostConnection, []string{writeScript(t, "exit 3")}))

		h.LostConnection()
		assert.Empty(t, h.commands[HookLostConnection])
		assert.False(t, h.configured(HookLostConnection))
	})

	t.Run("unknown room", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")
		h := NewHookRunner(&stubClassifier{})
		require.NoError(t, h.AddCommand(HookNewRoomMessage, []string{writeScript(t, `touch "$1"`), out}))

		h.NewRoomMessage(msg)
		assert.NoFileExists(t, out)
	})
}

func TestHookRunnerWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []HookContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifyHookSignature(string(body), r.Header.Get(HookSignatureHeader), testHookSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var hc HookContext
		assert.NoError(t, json.Unmarshal(body, &hc))
		mu.Lock()
		received = append(received, hc)
		mu.Unlock()
	}))
	defer srv.Close()

	hooks := func() []string {
		mu.Lock()
		defer mu.Unlock()
		var names []string
		for _, hc := range received {
			names = append(names, hc["hook"])
		}
		received = nil
		return names
	}

	dm := &Room{ID: "dm", Type: DirectChatType, Usernames: []string{"bob", "me"}}
	group := &Room{ID: "g1", Name: "ops", Type: PrivateGroupType}
	classifier := &stubClassifier{rooms: map[string]*Room{"dm": dm, "g1": group}, me: testMe.ID}

	t.Run("all hooks", func(t *testing.T) {
		h := NewHookRunner(classifier, WithWebhook(srv.URL, testHookSecret))

		h.NewRoomMessage(&Message{ID: "m1", RoomID: "g1", Author: testBob})
		assert.Equal(t, []string{HookNewRoomMessage}, hooks())

		h.NewRoomMessage(&Message{ID: "m2", RoomID: "dm", Author: testBob})
		assert.Equal(t, []string{HookNewRoomMessage, HookMentioned}, hooks())

		h.NewRoomMessage(&Message{ID: "m3", RoomID: "dm", Author: testMe})
		assert.Equal(t, []string{HookNewRoomMessage}, hooks())

		h.RoomHidden(group)
		h.InternalError(errors.New("broken"))
		assert.Equal(t, []string{HookRoomHidden, HookInternalError}, hooks())
	})

	t.Run("selected hooks", func(t *testing.T) {
		h := NewHookRunner(classifier, WithWebhook(srv.URL, testHookSecret, HookMentioned))
		classifier.mentions = true
		defer func() { classifier.mentions = false }()

		h.NewRoomMessage(&Message{ID: "m4", RoomID: "g1", Author: testBob})
		h.RoomAdded(group)
		assert.Equal(t, []string{HookMentioned}, hooks())
	})

	t.Run("failed delivery", func(t *testing.T) {
		h := NewHookRunner(classifier, WithWebhook(srv.URL, "wrong-secret"))
		h.RoomOpened(group)
		assert.Empty(t, hooks())
	})
}

func TestHookRunnerContext(t *testing.T) {
	var got HookContext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	room := &Room{ID: "r1", Name: "general", Type: ChatRoomType}
	h := NewHookRunner(&stubClassifier{rooms: map[string]*Room{"r1": room}}, WithWebhook(srv.URL, ""))
	h.Run(context.Background(), HookRoomOpened, HookContext{"label": room.Label()})
	assert.Equal(t, HookContext{"hook": HookRoomOpened, "label": "#general"}, got)
}
