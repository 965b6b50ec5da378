// Package chainsync drives batched header download from the
// chain-query endpoint, validating and persisting strictly in height
// order.
package chainsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/chaindb"
	"github.com/slacerda85/ihodl-sub012/electrum"
	"github.com/slacerda85/ihodl-sub012/metrics"
	"github.com/slacerda85/ihodl-sub012/spv"
)

// defaultBatchSize is used until the server reports its own maximum.
const defaultBatchSize = 2016

// HeaderStore is the subset of the chain store the engine writes to.
type HeaderStore interface {
	PutHeader(ctx context.Context, h *spv.Header) error
	GetHeaderByHeight(ctx context.Context, height uint32) (*spv.Header, error)
	GetCursor(ctx context.Context) (*chaindb.Cursor, error)
}

// ChainSource is the subset of the chain-query client the engine reads
// headers from.
type ChainSource interface {
	TipHeight(ctx context.Context) (uint32, error)
	BlockHeader(ctx context.Context, height uint32) (string, error)
	BlockHeaders(ctx context.Context, startHeight, count uint32) (*electrum.HeadersChunk, error)
	Close()
}

// ProgressFunc fires after every stored header.
type ProgressFunc func(height, tip uint32)

type Engine struct {
	store     HeaderStore
	validator *spv.Validator
	dial      func(ctx context.Context) (ChainSource, error)
}

func NewEngine(store HeaderStore, validator *spv.Validator, dial func(ctx context.Context) (ChainSource, error)) *Engine {
	return &Engine{
		store:     store,
		validator: validator,
		dial:      dial,
	}
}

// Sync downloads, validates and persists headers up to the current
// tip, bounded by maxStorageBytes of header storage. One connection is
// opened for the whole run and closed on every exit path. Headers are
// persisted strictly sequentially: a header is never stored until its
// predecessor is stored and validated. A batch fetch failure falls
// back to per-header fetch for exactly that batch; a validation
// failure aborts without persisting the offending header or anything
// after it.
func (e *Engine) Sync(ctx context.Context, maxStorageBytes uint64, onProgress ProgressFunc) error {
	src, err := e.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open chain-query connection: %w", err)
	}
	defer src.Close()

	tip, err := src.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}

	maxHeaders := maxStorageBytes / spv.HeaderSize
	if maxHeaders == 0 {
		maxHeaders = 1
	}

	var start uint32
	cursor, err := e.store.GetCursor(ctx)
	switch {
	case err == nil:
		start = cursor.Height + 1
	case errors.Is(err, chaindb.ErrNotFound):
		start = 0
	default:
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	if windowStart := tip + 1 - min(uint64ToU32(maxHeaders), tip+1); windowStart > start {
		start = windowStart
	}
	if start > tip {
		log.Debug().Uint32("tip", tip).Msg("header chain is up to date")
		return nil
	}

	log.Info().Uint32("from", start).Uint32("tip", tip).Msg("syncing headers")

	batchSize := uint32(defaultBatchSize)
	for height := start; height <= tip; {
		count := batchSize
		if remaining := tip - height + 1; remaining < count {
			count = remaining
		}

		headers, max, err := e.fetchBatch(ctx, src, height, count)
		if err != nil {
			// one per-header pass for exactly this batch, then back to
			// batched mode
			log.Warn().Err(err).Uint32("height", height).Uint32("count", count).
				Msg("batch fetch failed, falling back to per-header fetch")
			headers, err = e.fetchSingles(ctx, src, height, count)
			if err != nil {
				return fmt.Errorf("per-header fallback failed at %d: %w", height, err)
			}
		}
		if max > 0 && max < batchSize {
			batchSize = max
		}

		stored, err := e.storeSequential(ctx, headers, height, tip, onProgress)
		height += stored
		if err != nil {
			return err
		}
		if stored == 0 {
			return fmt.Errorf("chain-query returned no headers at %d", height)
		}
	}
	return nil
}

func (e *Engine) fetchBatch(ctx context.Context, src ChainSource, height, count uint32) ([]*spv.Header, uint32, error) {
	chunk, err := src.BlockHeaders(ctx, height, count)
	if err != nil {
		return nil, 0, err
	}
	if chunk.Count == 0 {
		return nil, chunk.Max, fmt.Errorf("empty batch at %d", height)
	}

	raw := chunk.Hex
	if len(raw) != int(chunk.Count)*spv.HeaderSize*2 {
		return nil, chunk.Max, fmt.Errorf("batch length mismatch: %d headers, %d hex chars", chunk.Count, len(raw))
	}

	headers := make([]*spv.Header, 0, chunk.Count)
	for i := uint32(0); i < chunk.Count; i++ {
		h, err := spv.ParseHeaderHex(raw[i*spv.HeaderSize*2 : (i+1)*spv.HeaderSize*2])
		if err != nil {
			return nil, chunk.Max, fmt.Errorf("failed to parse header %d of batch: %w", i, err)
		}
		h.Height = height + i
		headers = append(headers, h)
	}
	return headers, chunk.Max, nil
}

func (e *Engine) fetchSingles(ctx context.Context, src ChainSource, height, count uint32) ([]*spv.Header, error) {
	headers := make([]*spv.Header, 0, count)
	for i := uint32(0); i < count; i++ {
		hexHeader, err := src.BlockHeader(ctx, height+i)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch header %d: %w", height+i, err)
		}
		h, err := spv.ParseHeaderHex(hexHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to parse header %d: %w", height+i, err)
		}
		h.Height = height + i
		headers = append(headers, h)
	}
	return headers, nil
}

// storeSequential validates and persists headers in order, returning
// how many were stored. On a validation failure nothing at or after
// the failing header is persisted.
func (e *Engine) storeSequential(ctx context.Context, headers []*spv.Header, start, tip uint32, onProgress ProgressFunc) (uint32, error) {
	var prev *spv.Header
	if start > 0 {
		stored, err := e.store.GetHeaderByHeight(ctx, start-1)
		if err == nil {
			prev = stored
		} else if !errors.Is(err, chaindb.ErrNotFound) {
			return 0, fmt.Errorf("failed to load predecessor of %d: %w", start, err)
		}
		// a missing predecessor is the start of the bounded window,
		// the first header is accepted on stateless checks only
	}

	for i, h := range headers {
		if err := e.validator.Validate(h, prev); err != nil {
			return uint32(i), fmt.Errorf("header %d failed validation: %w", h.Height, err)
		}
		if err := e.store.PutHeader(ctx, h); err != nil {
			return uint32(i), fmt.Errorf("failed to persist header %d: %w", h.Height, err)
		}

		metrics.SetSyncedHeight(h.Height)
		if onProgress != nil {
			onProgress(h.Height, tip)
		}
		prev = h
	}
	return uint32(len(headers)), nil
}

func uint64ToU32(v uint64) uint32 {
	if v > 0xffffffff {
		return 0xffffffff
	}
	return uint32(v)
}
