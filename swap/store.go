package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/slacerda85/ihodl-sub012/chaindb"
)

const swapPrefix = "swap:"

// Store persists swap records in the shared keyed database under
// swap:<paymentHash>.
type Store struct {
	storage chaindb.Storage
}

func NewStore(storage chaindb.Storage) *Store {
	return &Store{storage: storage}
}

func swapKey(paymentHash string) []byte {
	return []byte(swapPrefix + paymentHash)
}

func (s *Store) Put(ctx context.Context, data *SwapData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode swap: %w", err)
	}
	return s.storage.Transaction(ctx, func(ctx context.Context) error {
		return s.storage.GetExecutor(ctx).Put(swapKey(data.PaymentHash), encoded)
	})
}

func (s *Store) Get(ctx context.Context, paymentHash string) (*SwapData, error) {
	data, err := s.storage.GetExecutor(ctx).Get(swapKey(paymentHash))
	if err != nil {
		if errors.Is(err, chaindb.ErrNotFound) {
			return nil, ErrSwapNotFound
		}
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}

	var out SwapData
	if err = json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("corrupt swap record: %w", err)
	}
	return &out, nil
}

// List returns all swaps ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*SwapData, error) {
	tx := s.storage.GetExecutor(ctx)

	var out []*SwapData
	iter := tx.NewIterator([]byte(swapPrefix), true)
	defer iter.Release()

	for iter.Next() {
		var data SwapData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("corrupt swap record at %q: %w", iter.Key(), err)
		}
		out = append(out, &data)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate swaps: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
