package chaindb

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrReorgDetected is returned when a header arrives for a height
	// that already holds a different hash. The store assumes linear
	// growth and never resolves forks itself; the caller has to reset
	// and re-sync.
	ErrReorgDetected = errors.New("conflicting header at stored height")
)

type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

type Executor interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) (value []byte, err error)
	Has(key []byte) (ret bool, err error)
	NewIterator(p []byte, forward bool) Iterator
}

type Storage interface {
	Transaction(ctx context.Context, f func(ctx context.Context) error) error
	GetExecutor(ctx context.Context) Executor
	Close()
}

// DB is the process-wide keyed store for validated chain state.
// Concurrent readers are safe; the sync engine is the only writer and
// serializes writes through Transaction.
type DB struct {
	storage Storage
}

func NewDB(storage Storage) *DB {
	return &DB{storage: storage}
}

func (d *DB) Close() {
	d.storage.Close()
}

func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	return d.storage.Transaction(ctx, f)
}

// Storage exposes the underlying keyed storage so sibling stores (swap
// records, tower appointments) can share one database file.
func (d *DB) Storage() Storage {
	return d.storage
}
