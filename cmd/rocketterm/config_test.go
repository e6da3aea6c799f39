package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigKeys(t *testing.T) {
	samples := map[string]string{
		"server.url":                           "https://chat.example.com",
		"auth.username":                        "alice",
		"auth.password":                        "hunter22",
		"auth.token":                           "tok-abcdefghijkl",
		"auth.user_id":                         "u-alice",
		"client.batch_size":                    "100",
		"client.seed_history":                  "20",
		"client.user_page_size":                "250",
		"client.thread_resolve_rounds":         "4",
		"client.discussion_activity_threshold": "15m",
		"client.heartbeat_interval":            "30s",
		"client.rest_rate":                     "2.5",
		"log.file":                             "~/rocketterm.log",
		"log.level":                            "debug",
		"webhook.url":                          "https://hooks.example.com/in",
		"webhook.secret":                       "s3cr3t-value",
		"webhook.hooks":                        "mentioned,room_added",
	}
	require.Len(t, configKeys, len(samples))

	for _, key := range configKeys {
		t.Run(key.name, func(t *testing.T) {
			value, ok := samples[key.name]
			require.True(t, ok, "no sample value")
			cfg := &Config{}
			assert.Empty(t, key.get(cfg))
			require.NoError(t, setConfigValue(cfg, key.name, value))
			assert.Equal(t, value, key.get(cfg))
		})
	}

	t.Run("help lists every key", func(t *testing.T) {
		for _, key := range configKeys {
			assert.Contains(t, configCmd.Long, key.name)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := lookupConfigKey("client.colors")
		assert.Error(t, err)
		k, err := lookupConfigKey("auth.token")
		require.NoError(t, err)
		assert.True(t, k.secret)
	})
}

func TestRedactConfig(t *testing.T) {
	cfg := &Config{
		Server:  ConfigServer{URL: "https://chat.example.com"},
		Auth:    ConfigAuth{Username: "alice", Token: "abcdefghijklmnop"},
		Webhook: ConfigWebhook{Secret: "short"},
	}

	red := redactConfig(cfg)
	assert.Equal(t, "abcd...mnop", red.Auth.Token)
	assert.Equal(t, "****", red.Webhook.Secret)
	assert.Empty(t, red.Auth.Password)
	assert.Equal(t, "alice", red.Auth.Username)
	assert.Equal(t, "abcdefghijklmnop", cfg.Auth.Token, "original left alone")

	for _, key := range configKeys {
		if key.secret && key.get(red) != "" {
			assert.False(t, strings.Contains(key.get(red), key.get(cfg)), key.name)
		}
	}
}
