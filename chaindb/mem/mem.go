// Package mem is an in-memory chaindb.Storage, used in tests and as a
// throwaway backend for tooling that must not touch the on-disk store.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/slacerda85/ihodl-sub012/chaindb"
)

type DB struct {
	data map[string][]byte
	mx   sync.Mutex
}

func NewDB() *DB {
	return &DB{data: map[string][]byte{}}
}

func (d *DB) Close() {}

const txKey = "__memTx"

func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(bool); ok {
		return f(ctx)
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	// run against a copy, commit on success
	backup := make(map[string][]byte, len(d.data))
	for k, v := range d.data {
		backup[k] = v
	}

	if err := f(context.WithValue(ctx, txKey, true)); err != nil {
		d.data = backup
		return err
	}
	return nil
}

func (d *DB) GetExecutor(ctx context.Context) chaindb.Executor {
	if _, ok := ctx.Value(txKey).(bool); ok {
		// inside Transaction the mutex is already held
		return &executor{db: d, locked: true}
	}
	return &executor{db: d}
}

type executor struct {
	db     *DB
	locked bool
}

func (e *executor) lock() func() {
	if e.locked {
		return func() {}
	}
	e.db.mx.Lock()
	return e.db.mx.Unlock
}

func (e *executor) Put(key, value []byte) error {
	defer e.lock()()
	e.db.data[string(key)] = append([]byte{}, value...)
	return nil
}

func (e *executor) Delete(key []byte) error {
	defer e.lock()()
	delete(e.db.data, string(key))
	return nil
}

func (e *executor) Get(key []byte) ([]byte, error) {
	defer e.lock()()
	v, ok := e.db.data[string(key)]
	if !ok {
		return nil, chaindb.ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (e *executor) Has(key []byte) (bool, error) {
	defer e.lock()()
	_, ok := e.db.data[string(key)]
	return ok, nil
}

func (e *executor) NewIterator(prefix []byte, forward bool) chaindb.Iterator {
	defer e.lock()()

	var keys []string
	for k := range e.db.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if !forward {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	it := &iter{}
	for _, k := range keys {
		it.keys = append(it.keys, []byte(k))
		it.values = append(it.values, append([]byte{}, e.db.data[k]...))
	}
	return it
}

type iter struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (i *iter) Next() bool {
	if i.pos >= len(i.keys) {
		return false
	}
	i.pos++
	return true
}

func (i *iter) Key() []byte   { return i.keys[i.pos-1] }
func (i *iter) Value() []byte { return i.values[i.pos-1] }
func (i *iter) Release()      {}
func (i *iter) Error() error  { return nil }
