package leveldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/slacerda85/ihodl-sub012/chaindb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type DB struct {
	path string
	_db  *leveldb.DB

	mx sync.Mutex
}

func NewDB(path string) (*DB, bool, error) {
	isNew := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		isNew = true
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, false, err
	}

	return &DB{
		path: path,
		_db:  db,
	}, isNew, nil
}

func (d *DB) Close() {
	_ = d._db.Close()
}

const txKey = "__ldbTx"

type tx struct {
	snap  *leveldb.Snapshot
	batch *leveldb.Batch
	// batched writes are not visible to snapshot reads, overlay tracks
	// them for read-your-writes inside one transaction
	overlay map[string][]byte
	deleted map[string]bool
}

// Transaction - kinda ACID achievement using leveldb
func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*tx); ok {
		// already inside tx
		return f(ctx)
	}

	// lock gives us consistency
	d.mx.Lock()
	defer d.mx.Unlock()

	// snapshot gives us kinda reads isolation
	snap, err := d._db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get db snapshot: %w", err)
	}
	defer snap.Release()

	t := &tx{
		snap:    snap,
		batch:   new(leveldb.Batch),
		overlay: map[string][]byte{},
		deleted: map[string]bool{},
	}

	if err := f(context.WithValue(ctx, txKey, t)); err != nil {
		return err
	}

	// batches are atomic, and durable when sync = true
	if err := d._db.Write(t.batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write batch to db: %w", err)
	}
	return nil
}

func (d *DB) GetExecutor(ctx context.Context) chaindb.Executor {
	if t, ok := ctx.Value(txKey).(*tx); ok {
		return &txExecutor{t: t}
	}
	return &dbExecutor{db: d._db}
}

type dbExecutor struct {
	db *leveldb.DB
}

func (e *dbExecutor) Put(key, value []byte) error {
	return e.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (e *dbExecutor) Delete(key []byte) error {
	return e.db.Delete(key, &opt.WriteOptions{Sync: true})
}

func (e *dbExecutor) Get(key []byte) ([]byte, error) {
	value, err := e.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, chaindb.ErrNotFound
	}
	return value, err
}

func (e *dbExecutor) Has(key []byte) (bool, error) {
	return e.db.Has(key, nil)
}

func (e *dbExecutor) NewIterator(prefix []byte, forward bool) chaindb.Iterator {
	return newIter(e.db.NewIterator(util.BytesPrefix(prefix), nil), forward)
}

type txExecutor struct {
	t *tx
}

func (e *txExecutor) Put(key, value []byte) error {
	e.t.batch.Put(key, value)
	e.t.overlay[string(key)] = append([]byte{}, value...)
	delete(e.t.deleted, string(key))
	return nil
}

func (e *txExecutor) Delete(key []byte) error {
	e.t.batch.Delete(key)
	delete(e.t.overlay, string(key))
	e.t.deleted[string(key)] = true
	return nil
}

func (e *txExecutor) Get(key []byte) ([]byte, error) {
	if e.t.deleted[string(key)] {
		return nil, chaindb.ErrNotFound
	}
	if v, ok := e.t.overlay[string(key)]; ok {
		return append([]byte{}, v...), nil
	}

	value, err := e.t.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, chaindb.ErrNotFound
	}
	return value, err
}

func (e *txExecutor) Has(key []byte) (bool, error) {
	if e.t.deleted[string(key)] {
		return false, nil
	}
	if _, ok := e.t.overlay[string(key)]; ok {
		return true, nil
	}
	return e.t.snap.Has(key, nil)
}

func (e *txExecutor) NewIterator(prefix []byte, forward bool) chaindb.Iterator {
	// snapshot view only; writes from this tx are not merged in, the
	// header store never iterates keys it wrote in the same tx
	return newIter(e.t.snap.NewIterator(util.BytesPrefix(prefix), nil), forward)
}

type iter struct {
	it      iterator.Iterator
	forward bool
	started bool
}

func newIter(it iterator.Iterator, forward bool) *iter {
	return &iter{it: it, forward: forward}
}

func (i *iter) Next() bool {
	if !i.started {
		i.started = true
		if i.forward {
			return i.it.First()
		}
		return i.it.Last()
	}
	if i.forward {
		return i.it.Next()
	}
	return i.it.Prev()
}

func (i *iter) Key() []byte   { return i.it.Key() }
func (i *iter) Value() []byte { return i.it.Value() }
func (i *iter) Release()      { i.it.Release() }
func (i *iter) Error() error  { return i.it.Error() }
