package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/electrum"
	"github.com/slacerda85/ihodl-sub012/metrics"
	"github.com/slacerda85/ihodl-sub012/spv"
)

// TxKind tags a broadcast for logging and telemetry. All kinds go
// through the same broadcast primitive.
type TxKind string

const (
	TxKindCommitment  TxKind = "commitment"
	TxKindClosing     TxKind = "closing"
	TxKindJustice     TxKind = "justice"
	TxKindHtlcTimeout TxKind = "htlc_timeout"
	TxKindHtlcSuccess TxKind = "htlc_success"
	TxKindSwapRefund  TxKind = "swap_refund"
)

// IsFundingConfirmed reports whether the transaction has at least
// minConf confirmations, in a single round trip.
func (m *Monitor) IsFundingConfirmed(ctx context.Context, txid string, minConf uint32) (bool, error) {
	info, err := m.api.GetTransaction(ctx, txid)
	if err != nil {
		return false, fmt.Errorf("failed to get transaction: %w", err)
	}
	return info.Confirmations >= int64(minConf), nil
}

// IsOutputSpent reports whether the output no longer appears in the
// owning script hash's unspent set. Absence, not an explicit spend-tx
// lookup, is the spend signal: a spend is invisible until the indexer
// has propagated it, so a false negative window equal to that delay
// exists by construction.
func (m *Monitor) IsOutputSpent(ctx context.Context, scripthash, txid string, vout uint32) (bool, error) {
	utxos, err := m.api.ListUnspent(ctx, scripthash)
	if err != nil {
		return false, fmt.Errorf("failed to list unspent: %w", err)
	}
	for _, u := range utxos {
		if u.TxHash == txid && u.TxPos == vout {
			return false, nil
		}
	}
	return true, nil
}

// BroadcastTx submits a raw transaction. A rejection propagates
// verbatim; nothing here retries or fee-bumps, that is the caller's
// decision.
func (m *Monitor) BroadcastTx(ctx context.Context, kind TxKind, rawTxHex string) (string, error) {
	txid, err := m.api.BroadcastTransaction(ctx, rawTxHex)
	if err != nil {
		metrics.CountBroadcast(string(kind), "rejected")
		log.Warn().Err(err).Str("kind", string(kind)).Msg("broadcast rejected")
		return "", err
	}

	metrics.CountBroadcast(string(kind), "ok")
	log.Info().Str("kind", string(kind)).Str("txid", txid).Msg("transaction broadcast")
	return txid, nil
}

func (m *Monitor) BroadcastCommitmentTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTx(ctx, TxKindCommitment, rawTxHex)
}

func (m *Monitor) BroadcastClosingTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTx(ctx, TxKindClosing, rawTxHex)
}

func (m *Monitor) BroadcastJusticeTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTx(ctx, TxKindJustice, rawTxHex)
}

func (m *Monitor) BroadcastHtlcTimeoutTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTx(ctx, TxKindHtlcTimeout, rawTxHex)
}

func (m *Monitor) BroadcastHtlcSuccessTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTx(ctx, TxKindHtlcSuccess, rawTxHex)
}

// EstimateFeeRate returns sat/vB to confirm within targetBlocks, floor
// of 1. Estimator failure degrades to the configured fallback instead
// of failing the caller.
func (m *Monitor) EstimateFeeRate(ctx context.Context, targetBlocks int) uint64 {
	btcPerKB, err := m.api.EstimateFee(ctx, targetBlocks)
	if err != nil || btcPerKB <= 0 {
		if err != nil {
			log.Debug().Err(err).Int("target", targetBlocks).Msg("fee estimate failed, using fallback")
		}
		return m.cfg.FallbackFeeRate
	}

	// BTC/kB -> sat/vB
	rate := uint64(math.Floor(btcPerKB * 1e8 / 1000))
	if rate < 1 {
		rate = 1
	}
	return rate
}

type FeeRates struct {
	Urgent uint64 `json:"urgent"`
	Fast   uint64 `json:"fast"`
	Normal uint64 `json:"normal"`
	Slow   uint64 `json:"slow"`
}

// RecommendedFeeRates queries four confirmation targets and enforces
// urgent >= fast >= normal >= slow even when the upstream estimator
// returns out-of-order values.
func (m *Monitor) RecommendedFeeRates(ctx context.Context) FeeRates {
	rates := FeeRates{
		Urgent: m.EstimateFeeRate(ctx, 1),
		Fast:   m.EstimateFeeRate(ctx, 3),
		Normal: m.EstimateFeeRate(ctx, 6),
		Slow:   m.EstimateFeeRate(ctx, 144),
	}

	if rates.Fast > rates.Urgent {
		rates.Fast = rates.Urgent
	}
	if rates.Normal > rates.Fast {
		rates.Normal = rates.Fast
	}
	if rates.Slow > rates.Normal {
		rates.Slow = rates.Normal
	}
	return rates
}

// GetMerkleProof fetches the merkle path of a confirmed transaction
// and converts it into a verifiable proof. Returns (nil, nil) when the
// transaction is not yet indexed at that height.
func (m *Monitor) GetMerkleProof(ctx context.Context, txid string, blockHeight uint32) (*spv.MerkleProof, error) {
	res, err := m.api.GetMerkle(ctx, txid, blockHeight)
	if err != nil {
		if errors.Is(err, electrum.ErrNotIndexed) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get merkle path: %w", err)
	}

	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}

	proof := &spv.MerkleProof{
		TxHash:   *txHash,
		Position: res.Pos,
	}
	for _, node := range res.Merkle {
		h, err := chainhash.NewHashFromStr(node)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle node %q: %w", node, err)
		}
		proof.Path = append(proof.Path, *h)
	}
	return proof, nil
}
