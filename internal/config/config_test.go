package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 8080
  api_keys:
    - key-one
  websocket:
    path: /v1/ws
    read_limit: 1048576
providers:
  openai:
    api_key: sk-openai
    base_url: https://api.openai.com/v1
    models:
      - id: gpt-4o
        api_style: openai
    aliases:
      gpt: gpt-4o
  claude:
    api_key: sk-claude
    base_url: https://api.anthropic.com
    models:
      - id: claude-sonnet-4
        api_style: claude
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"key-one"}, cfg.Server.APIKeys)
	assert.Equal(t, "/v1/ws", cfg.Server.WebSocket.Path)
	assert.Equal(t, int64(1048576), cfg.Server.WebSocket.ReadLimit)
	assert.Equal(t, "sk-openai", cfg.Providers.OpenAI.APIKey)
	require.Len(t, cfg.Providers.Claude.Models, 1)
	assert.Equal(t, "claude", cfg.Providers.Claude.Models[0].APIStyle)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	base := func() Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantMsg: "server.port",
		},
		{
			name:    "websocket path without slash",
			mutate:  func(c *Config) { c.Server.WebSocket.Path = "v1/ws" },
			wantMsg: "server.websocket.path",
		},
		{
			name:    "negative read limit",
			mutate:  func(c *Config) { c.Server.WebSocket.ReadLimit = -1 },
			wantMsg: "server.websocket.read_limit",
		},
		{
			name:    "blank api key",
			mutate:  func(c *Config) { c.Server.APIKeys = []string{"key-one", "  "} },
			wantMsg: "server.api_keys[1]",
		},
		{
			name:    "missing provider key",
			mutate:  func(c *Config) { c.Providers.OpenAI.APIKey = "" },
			wantMsg: "api_key must be provided",
		},
		{
			name:    "unknown api style",
			mutate:  func(c *Config) { c.Providers.OpenAI.Models[0].APIStyle = "grpc" },
			wantMsg: "api_style",
		},
		{
			name: "invalid header",
			mutate: func(c *Config) {
				c.Providers.OpenAI.Headers = Headers{"X-Bad Header": "v"}
			},
			wantMsg: "canonical HTTP header",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}
