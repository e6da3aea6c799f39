package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketterm/rocketterm"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "server.url", "https://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "auth.username", "alice"))
	require.NoError(t, setConfigValue(cfg, "client.batch_size", "50"))
	require.NoError(t, setConfigValue(cfg, "client.discussion_activity_threshold", "15m"))
	require.NoError(t, setConfigValue(cfg, "client.rest_rate", "2.5"))
	require.NoError(t, setConfigValue(cfg, "webhook.hooks", "mentioned, room_added"))

	assert.Equal(t, "https://chat.example.com", cfg.Server.URL)
	assert.Equal(t, "alice", cfg.Auth.Username)
	assert.Equal(t, 50, cfg.Client.BatchSize)
	assert.Equal(t, "15m", cfg.Client.DiscussionActivityThreshold)
	assert.Equal(t, 2.5, cfg.Client.RESTRate)
	assert.Equal(t, []string{"mentioned", "room_added"}, cfg.Webhook.Hooks)

	invalid := map[string]string{
		"url":                                  "x",
		"server.port":                          "1",
		"client.batch_size":                    "-1",
		"client.seed_history":                  "many",
		"client.discussion_activity_threshold": "soon",
		"client.rest_rate":                     "fast",
		"colors.theme":                         "dark",
	}
	for key, value := range invalid {
		assert.Error(t, setConfigValue(cfg, key, value), key)
	}
	assert.Equal(t, "15m", cfg.Client.DiscussionActivityThreshold)
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`
[server]
url = "https://chat.example.com"

[auth]
username = "alice"
token = "tok"

[client]
seed_history = 20

[hooks]
mentioned = [["notify-send", "{room_label}", "{msg_text}"]]
`))
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Server.URL)
	assert.Equal(t, 20, cfg.Client.SeedHistory)
	assert.Equal(t, [][]string{{"notify-send", "{room_label}", "{msg_text}"}}, cfg.Hooks["mentioned"])
	assert.Equal(t, 1, countHooks(cfg))

	login, err := loginData(cfg)
	require.NoError(t, err)
	assert.Equal(t, rocketterm.TokenLogin{Token: "tok"}, login)

	_, err = parseConfig([]byte(`[server`))
	assert.Error(t, err)
}

func TestLoginData(t *testing.T) {
	login, err := loginData(&Config{Auth: ConfigAuth{Username: "alice", Password: "pw"}})
	require.NoError(t, err)
	assert.Equal(t, rocketterm.PasswordLogin{Username: "alice", Password: "pw"}, login)

	_, err = loginData(&Config{Auth: ConfigAuth{Username: "alice"}})
	assert.Error(t, err)
}

func TestNormalizeServerURL(t *testing.T) {
	tests := map[string]string{
		"chat.example.com":          "https://chat.example.com",
		"https://chat.example.com/": "https://chat.example.com",
		"http://localhost:3000":     "http://localhost:3000",
		"https://example.com/chat/": "https://example.com/chat",
	}
	for in, want := range tests {
		got, err := normalizeServerURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"ftp://example.com", "https://"} {
		_, err := normalizeServerURL(in)
		assert.Error(t, err, in)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		args []string
	}{
		{"/join general", "join", []string{"general"}},
		{"/reply #12  some text", "reply", []string{"#12", "some", "text"}},
		{"/quit", "quit", []string{}},
		{"hello there", "", nil},
		{"//not a command", "", nil},
		{"/", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, args := parseCommand(tt.line)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestParseMessageNumber(t *testing.T) {
	nr, err := parseMessageNumber("#42")
	require.NoError(t, err)
	assert.Equal(t, 42, nr)

	nr, err = parseMessageNumber("7")
	require.NoError(t, err)
	assert.Equal(t, 7, nr)

	for _, arg := range []string{"", "#", "0", "-3", "abc"} {
		_, err := parseMessageNumber(arg)
		assert.Error(t, err, arg)
	}
}

func TestMessageText(t *testing.T) {
	bob := rocketterm.BasicUserInfo{ID: "u2", Username: "bob"}
	edited := rocketterm.TimestampOf(time.Now())

	tests := []struct {
		name string
		msg  *rocketterm.Message
		want string
	}{
		{"plain", &rocketterm.Message{Author: bob, Text: "hi"}, "@bob: hi"},
		{"edited", &rocketterm.Message{Author: bob, Text: "hi", EditedAt: &edited}, "@bob: hi (edited)"},
		{"removed", &rocketterm.Message{Author: bob, Type: rocketterm.MessageRemoved}, "@bob: (message removed)"},
		{"joined", &rocketterm.Message{Author: bob, Type: rocketterm.UserJoined}, "@bob joined the room"},
		{"file only", &rocketterm.Message{Author: bob, File: &rocketterm.FileInfo{Name: "a.png"}}, "@bob: [file: a.png]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageText(tt.msg))
		})
	}
}

func TestSmallHelpers(t *testing.T) {
	assert.Equal(t, "?", countLabel(-1))
	assert.Equal(t, "12", countLabel(12))

	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))

	assert.Equal(t, "def", valueOrDefault("", "def"))
	assert.Equal(t, "v", valueOrDefault("v", "def"))

	assert.Equal(t, 10*time.Minute, durationOr("10m", time.Second))
	assert.Equal(t, time.Second, durationOr("", time.Second))
	assert.Equal(t, time.Second, durationOr("-5s", time.Second))
}
