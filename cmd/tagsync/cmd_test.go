package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huykn/tagsync/server"
)

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
secret: s3cret
store: redis
redis:
  addr: localhost:6379
  db: 2
  feed_channel: tagsync:invalidate
ping_interval: 15s
`), 0o600))

	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, "s3cret", cfg.Secret)
	require.Equal(t, "redis", cfg.Store)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, "tagsync:invalidate", cfg.Redis.FeedChannel)
	require.Equal(t, 15*time.Second, cfg.PingInterval)
	require.Equal(t, 64, cfg.QueueSize)
}

func TestLoadFileConfigDefaults(t *testing.T) {
	cfg, err := LoadFileConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultFileConfig(), cfg)
}

func TestFileConfigValidate(t *testing.T) {
	cfg := DefaultFileConfig()
	cfg.Store = "redis"
	require.Error(t, cfg.Validate())

	cfg = DefaultFileConfig()
	cfg.Redis.FeedChannel = "x"
	require.Error(t, cfg.Validate())

	cfg = DefaultFileConfig()
	cfg.Store = "etcd"
	require.Error(t, cfg.Validate())
}

func TestTokenCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--secret", "abc", "--subject", "ops@example.com", "--ttl", "1m"})
	require.NoError(t, cmd.Execute())

	p, err := server.NewJWTAuthenticator("abc").Authenticate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Equal(t, "ops@example.com", p.Subject)
}

func TestServeRequiresSecret(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:0"})
	require.ErrorContains(t, cmd.Execute(), "secret")
}
