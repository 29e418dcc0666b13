package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardeddb/pkg/session"
	"shardeddb/pkg/sharding"
)

func demoSession(t *testing.T) *session.Session {
	t.Helper()
	reg := sharding.NewRegistry(sharding.StaticBinds{
		Default: "memory://commons",
		Binds: map[string]string{
			"accounts:0": "memory://accounts0",
			"accounts:1": "memory://accounts1",
			"asia":       "memory://asia",
		},
	})
	require.NoError(t, reg.Validate(newCatalog().Types()...))

	sess := session.New(reg)
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, sess.CreateAll(context.Background(), newCatalog().Types()...))
	return sess
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	sess := demoSession(t)
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, seed(ctx, sess, first))

	meta, ok, err := sess.GetByIdentity(ctx, metadataType, "region")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "asia", meta["value"])
	assert.Nil(t, meta["updated"])

	tokyo, ok, err := sess.GetByIdentity(ctx, cityType, "tokyo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(13839910), tokyo["population"])

	// bob: 'b' = 98 -> accounts:0
	route, err := sess.Chooser().Explain(accountType, "bob")
	require.NoError(t, err)
	assert.Equal(t, "accounts:0", route.Write)

	// a second run updates metadata and keeps the rest
	second := first.Add(time.Hour)
	require.NoError(t, seed(ctx, sess, second))

	meta, ok, err = sess.GetByIdentity(ctx, metadataType, "region")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, meta["created"])
	assert.Equal(t, second, meta["updated"])

	var n int
	for _, err := range sess.RunQuery(ctx, sharding.Query{Type: accountType}) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestRouteCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger: {level: error}
sharding:
  default_database: "memory://commons"
  binds:
    "accounts:0": "memory://a0"
    "accounts:1": "memory://a1"
    "asia": "memory://asia"
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "route", "account", "alice"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	var route sharding.Route
	require.NoError(t, json.Unmarshal(out.Bytes(), &route))
	assert.Equal(t, "accounts:1", route.Write)
	assert.Equal(t, []string{"accounts:0", "accounts:1"}, route.Group)
}

func TestCatalog(t *testing.T) {
	c := newCatalog()
	names := make([]string, 0, 3)
	for _, et := range c.Types() {
		names = append(names, et.Name)
	}
	assert.Equal(t, []string{"account", "city", "metadata"}, names)
	assert.Equal(t, uint64('z'), firstRune("zed"))
	assert.Equal(t, uint64('é'), firstRune("éloïse"))
	assert.Zero(t, firstRune(""))
	assert.Zero(t, firstRune(42))

	// 'é' is 233, its first UTF-8 byte is 195
	assert.NotEqual(t, firstRune("éloïse")%3, uint64("éloïse"[0])%3)
}
