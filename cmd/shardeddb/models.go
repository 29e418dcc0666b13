package main

import (
	"unicode/utf8"

	"shardeddb/pkg/sharding"
	"shardeddb/pkg/types"
)

// Demo entity types. Metadata lives on the default database, cities on the
// asia database, and accounts are spread over every accounts:N database by
// the first character of their id.
var (
	metadataType = &sharding.EntityType{
		Name: "metadata",
		Table: types.Table{
			Name:       "metadata",
			PrimaryKey: "key",
			Columns: []types.Column{
				{Name: "key", Kind: types.KindText},
				{Name: "value", Kind: types.KindText},
				{Name: "created", Kind: types.KindTimestamp},
				{Name: "updated", Kind: types.KindTimestamp, Nullable: true},
			},
		},
	}

	cityType = &sharding.EntityType{
		Name:    "city",
		BindKey: sharding.Exact("asia"),
		Table: types.Table{
			Name:       "cities",
			PrimaryKey: "id",
			Columns: []types.Column{
				{Name: "id", Kind: types.KindText},
				{Name: "name", Kind: types.KindText},
				{Name: "population", Kind: types.KindInteger},
				{Name: "created", Kind: types.KindTimestamp},
				{Name: "updated", Kind: types.KindTimestamp, Nullable: true},
			},
		},
	}

	accountType = &sharding.EntityType{
		Name:     "account",
		BindKey:  sharding.MustPattern(`accounts:\d+`),
		HashRule: firstRune,
		Table: types.Table{
			Name:       "accounts",
			PrimaryKey: "id",
			Columns: []types.Column{
				{Name: "id", Kind: types.KindText},
				{Name: "type", Kind: types.KindText},
				{Name: "name", Kind: types.KindText},
				{Name: "email", Kind: types.KindText, Nullable: true},
				{Name: "address", Kind: types.KindText, Nullable: true},
				{Name: "created", Kind: types.KindTimestamp},
				{Name: "updated", Kind: types.KindTimestamp, Nullable: true},
			},
		},
	}
)

// firstRune hashes a string identity by its first code point.
func firstRune(id any) uint64 {
	s, _ := id.(string)
	if s == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s)
	return uint64(r)
}

func newCatalog() *sharding.Catalog {
	c := sharding.NewCatalog()
	c.MustRegister(metadataType, cityType, accountType)
	return c
}
