// Package electrum is the boundary to the federated chain-query
// service. The core consumes the Client interface only; retries and
// backoff are the transport's own business.
package electrum

import (
	"context"
	"errors"
)

var ErrNotIndexed = errors.New("transaction not indexed at this height")

// HeadersChunk is the reply to a batched header request. Hex holds
// Count concatenated 80-byte headers; Max is the largest batch the
// server will serve, callers size subsequent requests by it.
type HeadersChunk struct {
	Count uint32 `json:"count"`
	Hex   string `json:"hex"`
	Max   uint32 `json:"max"`
}

type TransactionInfo struct {
	Txid          string `json:"txid"`
	Hex           string `json:"hex"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   uint32 `json:"block_height"`
}

type Unspent struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// MerkleResult is the raw merkle path for a confirmed transaction.
// Nodes are hex encoded in display byte order.
type MerkleResult struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// Client is one connection to the chain-query endpoint. Independent
// requests may run concurrently on the same connection; a sync run,
// monitor or tower session each own their own Client.
type Client interface {
	// TipHeight returns the current chain tip height
	// (headers.subscribe).
	TipHeight(ctx context.Context) (uint32, error)

	// BlockHeader returns the hex-encoded 80-byte header at a height
	// (block.header).
	BlockHeader(ctx context.Context, height uint32) (string, error)

	// BlockHeaders returns up to count headers starting at height
	// (block.headers). The server may cap count at its own maximum.
	BlockHeaders(ctx context.Context, startHeight, count uint32) (*HeadersChunk, error)

	// GetTransaction returns confirmation data for a transaction
	// (transaction.get).
	GetTransaction(ctx context.Context, txid string) (*TransactionInfo, error)

	// BroadcastTransaction submits a raw transaction and returns the
	// txid, or the rejection reason verbatim (transaction.broadcast).
	BroadcastTransaction(ctx context.Context, rawHex string) (string, error)

	// ListUnspent returns the unspent outputs of a script hash
	// (scripthash.listunspent).
	ListUnspent(ctx context.Context, scripthash string) ([]Unspent, error)

	// EstimateFee returns the estimated fee in BTC/kB to confirm
	// within targetBlocks, or a negative value when the server has no
	// estimate (fee.estimate).
	EstimateFee(ctx context.Context, targetBlocks int) (float64, error)

	// GetMerkle returns the merkle path of a confirmed transaction
	// (transaction.merkle), ErrNotIndexed when it is not yet indexed
	// at that height.
	GetMerkle(ctx context.Context, txid string, height uint32) (*MerkleResult, error)

	Close()
}
