package store

import "errors"

var (
	ErrUnsupportedDSN = errors.New("store: unsupported connection string")
	ErrDuplicateKey   = errors.New("store: duplicate primary key")
	ErrNoSuchTable    = errors.New("store: no such table")
	ErrClosed         = errors.New("store: closed")
)
