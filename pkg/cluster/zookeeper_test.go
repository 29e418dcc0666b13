package cluster

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardeddb/pkg/sharding"
)

// ====== in-memory ZooKeeper ======

type fakeConn struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	data     map[string][]chan zk.Event // GetW / ExistsW
	children map[string][]chan zk.Event // ChildrenW
	reads    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodes:    map[string][]byte{"/": nil},
		data:     make(map[string][]chan zk.Event),
		children: make(map[string][]chan zk.Event),
	}
}

func (f *fakeConn) fire(watches map[string][]chan zk.Event, p string, t zk.EventType) {
	for _, ch := range watches[p] {
		ch <- zk.Event{Type: t, Path: p}
	}
	delete(watches, p)
}

func (f *fakeConn) watch(watches map[string][]chan zk.Event, p string) <-chan zk.Event {
	ch := make(chan zk.Event, 1)
	watches[p] = append(watches[p], ch)
	return ch
}

func (f *fakeConn) kids(p string) []string {
	var out []string
	for n := range f.nodes {
		if n != p && path.Dir(n) == p {
			out = append(out, path.Base(n))
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	return f.kids(p), &zk.Stat{}, nil
}

func (f *fakeConn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	return f.kids(p), &zk.Stat{}, f.watch(f.children, p), nil
}

func (f *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	d, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return d, &zk.Stat{}, nil
}

func (f *fakeConn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	d, ok := f.nodes[p]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	return d, &zk.Stat{}, f.watch(f.data, p), nil
}

func (f *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeConn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, f.watch(f.data, p), nil
}

func (f *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if _, ok := f.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	f.nodes[p] = data
	f.fire(f.data, p, zk.EventNodeCreated)
	f.fire(f.children, path.Dir(p), zk.EventNodeChildrenChanged)
	return p, nil
}

func (f *fakeConn) Set(p string, data []byte, _ int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, zk.ErrNoNode
	}
	f.nodes[p] = data
	f.fire(f.data, p, zk.EventNodeDataChanged)
	return &zk.Stat{}, nil
}

func (f *fakeConn) Delete(p string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	if len(f.kids(p)) > 0 {
		return zk.ErrNotEmpty
	}
	delete(f.nodes, p)
	f.fire(f.data, p, zk.EventNodeDeleted)
	f.fire(f.children, path.Dir(p), zk.EventNodeChildrenChanged)
	return nil
}

func (f *fakeConn) State() zk.State { return zk.StateHasSession }
func (f *fakeConn) Close()          {}

func (f *fakeConn) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// ====== tests ======

func TestZKBinds_PublishAndRead(t *testing.T) {
	conn := newFakeConn()
	b := NewZKBinds(conn, "/shardeddb", nil)

	require.NoError(t, b.PublishDefault("sqlite:///commons.db"))
	require.NoError(t, b.Publish("accounts:0", "sqlite:///accounts.0.db"))
	require.NoError(t, b.Publish("accounts:1", "sqlite:///accounts.1.db"))
	require.NoError(t, b.Publish("accounts:1", "sqlite:///accounts.1.bak.db"), "publish overwrites")
	require.Error(t, b.Publish("a/b", "x"))

	def, binds, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///commons.db", def)
	assert.Equal(t, map[string]string{
		"accounts:0": "sqlite:///accounts.0.db",
		"accounts:1": "sqlite:///accounts.1.bak.db",
	}, binds)

	keys, err := sharding.NewRegistry(b).Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{sharding.DefaultBindKey, "accounts:0", "accounts:1"}, keys)
}

func TestZKBinds_EmptyTreeIsConfigurationError(t *testing.T) {
	b := NewZKBinds(newFakeConn(), "/shardeddb", nil)

	def, binds, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, def)
	assert.Empty(t, binds)

	_, err = sharding.NewRegistry(b).Resolve()
	require.ErrorIs(t, err, sharding.ErrConfiguration)
}

func TestZKBinds_BindsWithoutDefault(t *testing.T) {
	conn := newFakeConn()
	b := NewZKBinds(conn, "/shardeddb", nil)
	require.NoError(t, b.Publish("accounts:0", "memory://a0"))
	require.NoError(t, b.Publish("accounts:1", "memory://a1"))

	def, binds, err := b.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, def)
	assert.Len(t, binds, 2)

	// startup validates against a cold snapshot
	reg := sharding.NewRegistry(b)
	account := &sharding.EntityType{Name: "account", BindKey: sharding.MustPattern(`accounts:\d+`)}
	require.NoError(t, reg.Validate(account))

	keys, err := reg.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts:0", "accounts:1"}, keys)
}

func TestZKBinds_SnapshotIsCached(t *testing.T) {
	conn := newFakeConn()
	b := NewZKBinds(conn, "/shardeddb", nil)
	require.NoError(t, b.Publish("asia", "memory://asia"))

	_, _, err := b.Snapshot()
	require.NoError(t, err)
	reads := conn.readCount()

	_, binds, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, reads, conn.readCount())

	// callers own the returned map
	binds["asia"] = "memory://elsewhere"
	_, binds, err = b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "memory://asia", binds["asia"])

	require.NoError(t, b.Publish("europe", "memory://europe"))
	_, binds, err = b.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, binds, "europe", "no watch running, snapshot is stale")

	b.Invalidate()
	_, binds, err = b.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, binds, "europe")
}

func TestZKBinds_RunRefreshesOnWatch(t *testing.T) {
	conn := newFakeConn()
	b := NewZKBinds(conn, "/shardeddb", nil)
	require.NoError(t, b.PublishDefault("memory://commons"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	reg := sharding.NewRegistry(b)
	keysEventually := func(want ...string) {
		t.Helper()
		require.Eventually(t, func() bool {
			keys, err := reg.Keys()
			return err == nil && strings.Join(keys, ",") == strings.Join(want, ",")
		}, 2*time.Second, 10*time.Millisecond, "want %v", want)
	}

	keysEventually(sharding.DefaultBindKey)

	// binds node created after Run started
	require.NoError(t, b.Publish("accounts:0", "memory://a0"))
	keysEventually(sharding.DefaultBindKey, "accounts:0")

	require.NoError(t, b.Publish("accounts:1", "memory://a1"))
	keysEventually(sharding.DefaultBindKey, "accounts:0", "accounts:1")

	require.NoError(t, b.Unpublish("accounts:0"))
	require.NoError(t, b.Unpublish("accounts:0"), "already gone")
	keysEventually(sharding.DefaultBindKey, "accounts:1")

	// data change of an existing bind
	require.NoError(t, b.Publish("accounts:1", "memory://a1-moved"))
	require.Eventually(t, func() bool {
		dsn, err := reg.DSN("accounts:1")
		return err == nil && dsn == "memory://a1-moved"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewZKBinds_CleansRoot(t *testing.T) {
	conn := newFakeConn()
	b := NewZKBinds(conn, "shardeddb/", nil)
	require.NoError(t, b.Publish("asia", "memory://asia"))

	_, ok := conn.nodes["/shardeddb/binds/asia"]
	assert.True(t, ok)
}
