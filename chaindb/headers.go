package chaindb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/slacerda85/ihodl-sub012/spv"
)

const (
	headerByHashPrefix   = "hh:"
	headerByHeightPrefix = "hi:"
	cursorKey            = "__cursor"
)

// Cursor is the last synced height and its header hash. It advances
// monotonically and is only rewound by an explicit Reset.
type Cursor struct {
	Height uint32
	Hash   chainhash.Hash
}

func heightKey(height uint32) []byte {
	key := make([]byte, len(headerByHeightPrefix)+4)
	copy(key, headerByHeightPrefix)
	binary.BigEndian.PutUint32(key[len(headerByHeightPrefix):], height)
	return key
}

func hashKey(hash *chainhash.Hash) []byte {
	return append([]byte(headerByHashPrefix), hash[:]...)
}

// headers are stored as the raw 80 bytes with the height appended, the
// hash is recomputed on load.
func encodeHeader(h *spv.Header) []byte {
	buf := h.Serialize()
	out := make([]byte, spv.HeaderSize+4)
	copy(out, buf[:])
	binary.BigEndian.PutUint32(out[spv.HeaderSize:], h.Height)
	return out
}

func decodeHeader(data []byte) (*spv.Header, error) {
	if len(data) != spv.HeaderSize+4 {
		return nil, fmt.Errorf("invalid stored header length %d", len(data))
	}
	h, err := spv.ParseHeader(data[:spv.HeaderSize])
	if err != nil {
		return nil, err
	}
	h.Height = binary.BigEndian.Uint32(data[spv.HeaderSize:])
	return h, nil
}

// PutHeader stores the header under both its hash and height keys and
// advances the cursor when the height is a new maximum. A different
// hash already stored at the same height fails with ErrReorgDetected.
func (d *DB) PutHeader(ctx context.Context, h *spv.Header) error {
	hash := h.BlockHash()

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		hk := heightKey(h.Height)
		existing, err := tx.Get(hk)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to check height slot: %w", err)
		}
		if err == nil && !bytes.Equal(existing, hash[:]) {
			return fmt.Errorf("%w: height %d holds %x", ErrReorgDetected, h.Height, existing)
		}

		if err = tx.Put(hashKey(&hash), encodeHeader(h)); err != nil {
			return fmt.Errorf("failed to put header by hash: %w", err)
		}
		if err = tx.Put(hk, hash[:]); err != nil {
			return fmt.Errorf("failed to put header by height: %w", err)
		}

		cursor, err := d.getCursor(tx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to load cursor: %w", err)
		}
		if errors.Is(err, ErrNotFound) || h.Height > cursor.Height {
			if err = d.putCursor(tx, &Cursor{Height: h.Height, Hash: hash}); err != nil {
				return fmt.Errorf("failed to advance cursor: %w", err)
			}
		}
		return nil
	})
}

// GetHeaderByHash is a pure lookup, returning ErrNotFound rather than
// failing when the header is unknown.
func (d *DB) GetHeaderByHash(ctx context.Context, hash *chainhash.Hash) (*spv.Header, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(hashKey(hash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from db: %w", err)
	}
	return decodeHeader(data)
}

func (d *DB) GetHeaderByHeight(ctx context.Context, height uint32) (*spv.Header, error) {
	tx := d.storage.GetExecutor(ctx)

	hashBytes, err := tx.Get(heightKey(height))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get height index: %w", err)
	}

	hash, err := chainhash.NewHash(hashBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt height index entry: %w", err)
	}
	return d.GetHeaderByHash(ctx, hash)
}

func (d *DB) GetCursor(ctx context.Context) (*Cursor, error) {
	return d.getCursor(d.storage.GetExecutor(ctx))
}

func (d *DB) getCursor(tx Executor) (*Cursor, error) {
	data, err := tx.Get([]byte(cursorKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	if len(data) != 4+chainhash.HashSize {
		return nil, fmt.Errorf("corrupt cursor entry length %d", len(data))
	}

	c := &Cursor{Height: binary.BigEndian.Uint32(data[:4])}
	copy(c.Hash[:], data[4:])
	return c, nil
}

func (d *DB) putCursor(tx Executor, c *Cursor) error {
	data := make([]byte, 4+chainhash.HashSize)
	binary.BigEndian.PutUint32(data[:4], c.Height)
	copy(data[4:], c.Hash[:])
	return tx.Put([]byte(cursorKey), data)
}

// Reset clears all headers and the cursor. Used only for an explicit
// re-sync, typically after ErrReorgDetected.
func (d *DB) Reset(ctx context.Context) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		for _, prefix := range []string{headerByHashPrefix, headerByHeightPrefix} {
			iter := tx.NewIterator([]byte(prefix), true)
			for iter.Next() {
				if err := tx.Delete(append([]byte{}, iter.Key()...)); err != nil {
					iter.Release()
					return fmt.Errorf("failed to delete %q: %w", iter.Key(), err)
				}
			}
			if err := iter.Error(); err != nil {
				iter.Release()
				return fmt.Errorf("failed to iterate %q: %w", prefix, err)
			}
			iter.Release()
		}

		if err := tx.Delete([]byte(cursorKey)); err != nil {
			return fmt.Errorf("failed to delete cursor: %w", err)
		}
		return nil
	})
}

// HeaderSource binds a context and adapts the store to the validator's
// lookup interface.
func (d *DB) HeaderSource(ctx context.Context) spv.HeaderSource {
	return &headerSource{ctx: ctx, db: d}
}

type headerSource struct {
	ctx context.Context
	db  *DB
}

func (s *headerSource) HeaderByHash(hash *chainhash.Hash) (*spv.Header, error) {
	h, err := s.db.GetHeaderByHash(s.ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, spv.ErrHeaderNotFound
	}
	return h, err
}

func (s *headerSource) HeaderByHeight(height uint32) (*spv.Header, error) {
	h, err := s.db.GetHeaderByHeight(s.ctx, height)
	if errors.Is(err, ErrNotFound) {
		return nil, spv.ErrHeaderNotFound
	}
	return h, err
}
