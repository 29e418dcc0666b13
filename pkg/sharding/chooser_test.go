package sharding

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardeddb/pkg/types"
)

var accountTable = types.Table{
	Name:       "accounts",
	PrimaryKey: "id",
	Columns: []types.Column{
		{Name: "id", Kind: types.KindText},
		{Name: "name", Kind: types.KindText},
	},
}

// firstByte hashes a string id by its first byte; tests use ASCII ids only.
func firstByte(id any) uint64 {
	s, _ := id.(string)
	if s == "" {
		return 0
	}
	return uint64(s[0])
}

func newChooser(def string, binds map[string]string) *Chooser {
	return NewChooser(NewRegistry(StaticBinds{Default: def, Binds: binds}))
}

func shardBinds(prefix string, n int) map[string]string {
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s:%d", prefix, i)
		out[key] = "memory://" + key
	}
	return out
}

func TestChooseShard_Deterministic(t *testing.T) {
	c := newChooser("memory://default", shardBinds("accounts", 5))
	et := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`), HashRule: firstByte}

	for _, id := range []string{"alice", "bob", "carol", "zed"} {
		row := types.Row{"id": id}
		first, err := c.ChooseShard(et, row)
		require.NoError(t, err)
		second, err := c.ChooseShard(et, row)
		require.NoError(t, err)
		assert.Equal(t, first, second, "id %s", id)
	}
}

func TestChooseShard_ModuloIndex(t *testing.T) {
	for _, k := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			c := newChooser("", shardBinds("accounts", k))
			group, err := c.Group(&EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`)})
			require.NoError(t, err)
			require.Len(t, group, k)

			for _, h := range []uint64{0, uint64(k - 1), uint64(k), uint64(3*k + 1)} {
				et := &EntityType{
					Name:     "account",
					Table:    accountTable,
					BindKey:  MustPattern(`accounts:\d+`),
					HashRule: func(any) uint64 { return h },
				}
				got, err := c.ChooseShard(et, types.Row{"id": "x"})
				require.NoError(t, err)
				assert.Equal(t, group[h%uint64(k)], got, "hash %d", h)

				probe, err := c.LookupShards(et, "x")
				require.NoError(t, err)
				assert.Equal(t, []string{got}, probe)
			}
		})
	}
}

func TestChooseShard_SortedGroup(t *testing.T) {
	c := newChooser("", map[string]string{
		"accounts:1": "memory://1",
		"accounts:0": "memory://0",
		"accounts:2": "memory://2",
	})
	et := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`), HashRule: func(any) uint64 { return 0 }}

	got, err := c.ChooseShard(et, types.Row{"id": "x"})
	require.NoError(t, err)
	assert.Equal(t, "accounts:0", got)
}

func TestChooseShard_NoHashRule(t *testing.T) {
	single := &EntityType{Name: "city", Table: accountTable, BindKey: Exact("asia")}
	multi := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`)}

	binds := shardBinds("accounts", 2)
	binds["asia"] = "memory://asia"
	c := newChooser("memory://default", binds)

	got, err := c.ChooseShard(single, types.Row{"id": "tokyo"})
	require.NoError(t, err)
	assert.Equal(t, "asia", got)

	_, err = c.ChooseShard(multi, types.Row{"id": "alice"})
	require.ErrorIs(t, err, ErrAmbiguousShard)
}

func TestChooseShard_DefaultBind(t *testing.T) {
	c := newChooser("memory://default", shardBinds("accounts", 2))
	et := &EntityType{Name: "metadata", Table: accountTable}

	got, err := c.ChooseShard(et, types.Row{"id": "region"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBindKey, got)
}

func TestChooseShard_Errors(t *testing.T) {
	c := newChooser("", shardBinds("accounts", 2))

	_, err := c.ChooseShard(&EntityType{Name: "metadata", Table: accountTable}, types.Row{"id": "x"})
	require.ErrorIs(t, err, ErrEmptyShardGroup)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = c.ChooseShard(&EntityType{Name: "account", Table: accountTable, BindKey: Exact("accounts:0")}, types.Row{"name": "no id"})
	require.ErrorIs(t, err, ErrMissingIdentity)

	_, err = c.ChooseShard(nil, types.Row{"id": "x"})
	require.ErrorIs(t, err, ErrNilEntityType)
}

func TestLookupShards_FanOutWithoutHashRule(t *testing.T) {
	c := newChooser("memory://default", shardBinds("accounts", 3))
	et := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`)}

	got, err := c.LookupShards(et, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts:0", "accounts:1", "accounts:2"}, got)
}

func TestLookupShardsFor_MultipleTypes(t *testing.T) {
	binds := shardBinds("accounts", 2)
	binds["asia"] = "memory://asia"
	c := newChooser("memory://default", binds)

	a := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`), HashRule: firstByte}
	b := &EntityType{Name: "city", Table: accountTable, BindKey: Exact("asia")}

	got, err := c.LookupShardsFor([]*EntityType{a, b}, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultBindKey, "accounts:0", "accounts:1", "asia"}, got)

	got, err = c.LookupShardsFor([]*EntityType{b}, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"asia"}, got)
}

func TestQueryShards_AllShards(t *testing.T) {
	binds := shardBinds("accounts", 2)
	binds["asia"] = "memory://asia"
	c := newChooser("memory://default", binds)

	got, err := c.QueryShards(Query{Type: &EntityType{Name: "city", Table: accountTable, BindKey: Exact("asia")}})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultBindKey, "accounts:0", "accounts:1", "asia"}, got)
}

// mutableBinds lets a test change configuration between calls.
type mutableBinds struct {
	binds map[string]string
	err   error
}

func (m *mutableBinds) Snapshot() (string, map[string]string, error) {
	return "", m.binds, m.err
}

func TestChooser_SeesConfigurationChanges(t *testing.T) {
	src := &mutableBinds{binds: shardBinds("accounts", 1)}
	c := NewChooser(NewRegistry(src))
	et := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`)}

	got, err := c.ChooseShard(et, types.Row{"id": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "accounts:0", got)

	src.binds = shardBinds("accounts", 2)
	_, err = c.ChooseShard(et, types.Row{"id": "alice"})
	require.ErrorIs(t, err, ErrAmbiguousShard)

	src.err = errors.New("source down")
	_, err = c.ChooseShard(et, types.Row{"id": "alice"})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestChooser_Explain(t *testing.T) {
	c := newChooser("memory://default", shardBinds("accounts", 2))
	accountType := &EntityType{Name: "account", Table: accountTable, BindKey: MustPattern(`accounts:\d+`), HashRule: firstByte}

	r, err := c.Explain(accountType, "alice")
	require.NoError(t, err)
	assert.Equal(t, "accounts:1", r.Write)
	assert.Equal(t, []string{"accounts:1"}, r.Lookup)
	assert.Equal(t, []string{"accounts:0", "accounts:1"}, r.Group)
	assert.True(t, r.Hashed)
	assert.Empty(t, r.WriteError)

	unhashed := &EntityType{Name: "ledger", BindKey: MustPattern(`accounts:\d+`), Table: accountTable}
	r, err = c.Explain(unhashed, "x")
	require.NoError(t, err)
	assert.Empty(t, r.Write)
	assert.Contains(t, r.WriteError, "ambiguous")
	assert.Equal(t, []string{"accounts:0", "accounts:1"}, r.Lookup)

	_, err = c.Explain(&EntityType{Name: "eu", BindKey: Exact("europe"), Table: accountTable}, "x")
	require.ErrorIs(t, err, ErrConfiguration)
}
