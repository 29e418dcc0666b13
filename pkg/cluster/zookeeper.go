package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"

	"shardeddb/pkg/sharding"
)

// Conn is the part of *zk.Conn used by ZKBinds.
type Conn interface {
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	State() zk.State
	Close()
}

var _ Conn = (*zk.Conn)(nil)

type snapshot struct {
	def   string
	binds map[string]string
}

// ZKBinds is a sharding.BindSource kept in ZooKeeper:
//
//	<root>/default       data: default DSN
//	<root>/binds/<key>   data: DSN of connection identifier <key>
//
// Snapshot serves a cached copy. Run keeps the snapshot current by
// watching the nodes above.
type ZKBinds struct {
	conn   Conn
	root   string
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

var _ sharding.BindSource = (*ZKBinds)(nil)

// DialZKBinds connects to the ensemble and waits for a session.
// servers: ["zk1:2181", "zk2:2181"]
func DialZKBinds(servers []string, root string, timeout time.Duration, logger *slog.Logger) (*ZKBinds, error) {
	conn, _, err := zk.Connect(servers, timeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	b := NewZKBinds(conn, root, logger)
	if err := b.waitConnected(timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func NewZKBinds(conn Conn, root string, logger *slog.Logger) *ZKBinds {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKBinds{
		conn:   conn,
		root:   path.Clean("/" + root),
		logger: logger.With("component", "zkbinds", "root", root),
	}
}

func (b *ZKBinds) Close() error {
	b.conn.Close()
	return nil
}

func (b *ZKBinds) defaultPath() string { return b.root + "/default" }
func (b *ZKBinds) bindsPath() string   { return b.root + "/binds" }

// Snapshot implements sharding.BindSource.
func (b *ZKBinds) Snapshot() (string, map[string]string, error) {
	s := b.snap.Load()
	if s == nil {
		var err error
		s, _, err = b.load(false)
		if err != nil {
			return "", nil, err
		}
		b.snap.CompareAndSwap(nil, s)
	}
	return s.def, maps.Clone(s.binds), nil
}

// Invalidate drops the cached snapshot; the next Snapshot call reads ZooKeeper.
func (b *ZKBinds) Invalidate() {
	b.snap.Store(nil)
}

// load reads the default and every bind. With watch set it also returns
// the watch channels armed by the reads.
func (b *ZKBinds) load(watch bool) (*snapshot, []<-chan zk.Event, error) {
	var watches []<-chan zk.Event

	def, ch, err := b.read(b.defaultPath(), watch)
	if err != nil {
		return nil, nil, err
	}
	if ch != nil {
		watches = append(watches, ch)
	}

	var keys []string
	if watch {
		keys, _, ch, err = b.conn.ChildrenW(b.bindsPath())
	} else {
		keys, _, err = b.conn.Children(b.bindsPath())
	}
	switch {
	case errors.Is(err, zk.ErrNoNode):
		keys = nil
		if watch {
			if ch, err = b.watchCreation(b.bindsPath()); err != nil {
				return nil, nil, err
			}
		}
	case err != nil:
		return nil, nil, fmt.Errorf("zk children %s: %w", b.bindsPath(), err)
	}
	if ch != nil {
		watches = append(watches, ch)
	}

	binds := make(map[string]string, len(keys))
	for _, key := range keys {
		dsn, ch, err := b.read(b.bindsPath()+"/"+key, watch)
		if err != nil {
			return nil, nil, err
		}
		if ch != nil {
			watches = append(watches, ch)
		}
		if dsn != "" {
			binds[key] = dsn
		}
	}
	return &snapshot{def: def, binds: binds}, watches, nil
}

// read returns the data of p, "" if p does not exist.
func (b *ZKBinds) read(p string, watch bool) (string, <-chan zk.Event, error) {
	var (
		data []byte
		ch   <-chan zk.Event
		err  error
	)
	if watch {
		data, _, ch, err = b.conn.GetW(p)
	} else {
		data, _, err = b.conn.Get(p)
	}
	if errors.Is(err, zk.ErrNoNode) {
		if !watch {
			return "", nil, nil
		}
		ch, err = b.watchCreation(p)
		return "", ch, err
	}
	if err != nil {
		return "", nil, fmt.Errorf("zk get %s: %w", p, err)
	}
	return strings.TrimSpace(string(data)), ch, nil
}

// watchCreation arms a watch on a node that does not exist. A failed read
// arms nothing, so this is the only way to learn about the node appearing.
func (b *ZKBinds) watchCreation(p string) (<-chan zk.Event, error) {
	exists, _, ch, err := b.conn.ExistsW(p)
	if err != nil {
		return nil, fmt.Errorf("zk exists %s: %w", p, err)
	}
	if exists {
		// created in between; make the caller reload right away
		fired := make(chan zk.Event, 1)
		fired <- zk.Event{Type: zk.EventNodeCreated, Path: p}
		return fired, nil
	}
	return ch, nil
}

// Run refreshes the snapshot every time a watched node changes, until ctx
// is done.
func (b *ZKBinds) Run(ctx context.Context) {
	for {
		s, watches, err := b.load(true)
		if err != nil {
			b.logger.Warn("reading binds failed", "error", err)
			b.Invalidate()
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.snap.Store(s)
		b.logger.Debug("binds loaded", "default", s.def != "", "binds", len(s.binds))

		ev, ok := b.wait(ctx, watches)
		if !ok {
			b.logger.Debug("watch stopped")
			return
		}
		b.logger.Info("binds changed", "event", ev.Type.String(), "path", ev.Path)
	}
}

// wait blocks until one of watches fires or ctx is done. With no watches
// armed it polls.
func (b *ZKBinds) wait(ctx context.Context, watches []<-chan zk.Event) (zk.Event, bool) {
	if len(watches) == 0 {
		select {
		case <-time.After(2 * time.Second):
			return zk.Event{Type: zk.EventNotWatching}, true
		case <-ctx.Done():
			return zk.Event{}, false
		}
	}

	round, cancel := context.WithCancel(ctx)
	defer cancel()

	fired := make(chan zk.Event, 1)
	for _, ch := range watches {
		go func() {
			select {
			case ev := <-ch:
				select {
				case fired <- ev:
				default:
				}
			case <-round.Done():
			}
		}()
	}

	select {
	case ev := <-fired:
		return ev, true
	case <-ctx.Done():
		return zk.Event{}, false
	}
}

// Publish writes the DSN of one connection identifier, creating parents as
// needed.
func (b *ZKBinds) Publish(key, dsn string) error {
	if key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("zk publish: invalid connection identifier %q", key)
	}
	if err := b.ensurePath(b.bindsPath()); err != nil {
		return fmt.Errorf("ensure binds path: %w", err)
	}
	return b.put(b.bindsPath()+"/"+key, dsn)
}

// PublishDefault writes the default DSN.
func (b *ZKBinds) PublishDefault(dsn string) error {
	if err := b.ensurePath(b.root); err != nil {
		return fmt.Errorf("ensure root path: %w", err)
	}
	return b.put(b.defaultPath(), dsn)
}

// Unpublish removes a connection identifier. Removing an absent one is not
// an error.
func (b *ZKBinds) Unpublish(key string) error {
	err := b.conn.Delete(b.bindsPath()+"/"+key, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zk delete %s: %w", key, err)
	}
	return nil
}

func (b *ZKBinds) put(p, dsn string) error {
	_, err := b.conn.Create(p, []byte(dsn), 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = b.conn.Set(p, []byte(dsn), -1)
	}
	if err != nil {
		return fmt.Errorf("zk write %s: %w", p, err)
	}
	return nil
}

func (b *ZKBinds) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := b.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = b.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (b *ZKBinds) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := b.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// zkLogger routes the client's own log lines to slog.
type zkLogger struct {
	l *slog.Logger
}

func (z zkLogger) Printf(format string, args ...any) {
	if z.l == nil {
		return
	}
	z.l.Debug(fmt.Sprintf(format, args...), "component", "zk")
}
