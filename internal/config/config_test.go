package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
mode: debug
port: 9090
pong_wait: 30s
ping_period: 10s
auth:
  secret: 0123456789abcdef0123
store:
  driver: badger
rtc:
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: c
`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 30*time.Second, cfg.PongWait)
	require.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL, "default")
	require.Equal(t, uint64(5), cfg.Audit.MaxRetries)
	require.Len(t, cfg.RTC.ICEServers, 1)
	require.Equal(t, "u", cfg.RTC.ICEServers[0].Username)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	p := writeConfig(t, "port: 9090\n")
	t.Setenv("PROCTOR_AUTH_SECRET", "from-the-environment-1234")
	t.Setenv("PROCTOR_PORT", "7000")
	t.Setenv("PROCTOR_STORE_DRIVER", "mongo")
	t.Setenv("PROCTOR_STORE_MONGO_URI", "mongodb://db:27017")

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	require.Equal(t, "from-the-environment-1234", cfg.Auth.Secret)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, "mongo", cfg.Store.Driver)
	require.Equal(t, "mongodb://db:27017", cfg.Store.MongoURI)
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PROCTOR_AUTH_SECRET", "0123456789abcdef")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "badger", cfg.Store.Driver)
	require.NotEmpty(t, cfg.RTC.ICEServers)
}

func TestValidate(t *testing.T) {
	t.Setenv("PROCTOR_AUTH_SECRET", "0123456789abcdef")
	base, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"short secret":      func(c *Config) { c.Auth.Secret = "x" },
		"ping after pong":   func(c *Config) { c.PingPeriod = c.PongWait },
		"bad port":          func(c *Config) { c.Port = 70000 },
		"unknown driver":    func(c *Config) { c.Store.Driver = "sqlite" },
		"mongo without uri": func(c *Config) { c.Store.Driver = "mongo"; c.Store.MongoURI = "" },
		"detect no brokers": func(c *Config) { c.Detect.Enabled = true; c.Detect.Brokers = nil },
		"zero audit buffer": func(c *Config) { c.Audit.Buffer = 0 },
		"zero reconcile":    func(c *Config) { c.ReconcileInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, base.Validate())
}
