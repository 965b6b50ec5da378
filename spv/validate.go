package spv

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// medianTimeBlocks is the number of trailing headers the
	// median-time-past calculation looks at.
	medianTimeBlocks = 11

	// maxFutureBlockTime is how far ahead of wall clock a header
	// timestamp may be before it is rejected.
	maxFutureBlockTime = 2 * time.Hour
)

var (
	ErrInvalidPoW       = errors.New("block hash is above the target")
	ErrBadPrevBlock     = errors.New("previous block hash mismatch")
	ErrTimestampTooOld  = errors.New("timestamp is not above median time past")
	ErrTimestampTooFar  = errors.New("timestamp too far in the future")
	ErrBadVersion       = errors.New("unsupported header version")
	ErrHeaderNotFound   = errors.New("header not found")
	ErrTargetOverflow   = errors.New("target exceeds proof-of-work limit")
)

// HeaderSource provides read access to already-validated headers, used
// for median-time-past and difficulty retarget lookups.
type HeaderSource interface {
	HeaderByHash(hash *chainhash.Hash) (*Header, error)
	HeaderByHeight(height uint32) (*Header, error)
}

// Validator checks headers against the consensus rules a light client
// can verify: proof of work, chain linkage, timestamps and the
// difficulty schedule. It does not execute scripts or validate
// transactions.
type Validator struct {
	params *chaincfg.Params
	source HeaderSource
	now    func() time.Time

	blocksPerRetarget uint32
}

// NewValidator creates a validator for the given network. The source
// may be nil when only stateless checks (hashing, PoW) are needed.
func NewValidator(params *chaincfg.Params, source HeaderSource) *Validator {
	return &Validator{
		params:            params,
		source:            source,
		now:               time.Now,
		blocksPerRetarget: uint32(params.TargetTimespan / params.TargetTimePerBlock),
	}
}

// CheckProofOfWork verifies that the header hash is below the target
// encoded in its bits field, and that the target itself does not exceed
// the network's proof-of-work limit.
func (v *Validator) CheckProofOfWork(h *Header) error {
	target := CompactToTarget(h.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: bits %08x decode to non-positive target", ErrInvalidPoW, h.Bits)
	}
	if target.Cmp(v.params.PowLimit) > 0 {
		return fmt.Errorf("%w: bits %08x", ErrTargetOverflow, h.Bits)
	}

	hash := h.BlockHash()
	if HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: hash %s, bits %08x", ErrInvalidPoW, hash.String(), h.Bits)
	}
	return nil
}

// Validate runs all checks on a header. When prev is non-nil the
// contextual rules (chain linkage, median time past) apply as well;
// with a nil prev only the stateless rules are checked, which is how
// the first header of a bounded sync window is accepted.
func (v *Validator) Validate(h, prev *Header) error {
	if h.Version < 1 {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if err := v.CheckProofOfWork(h); err != nil {
		return err
	}
	if time.Unix(int64(h.Timestamp), 0).After(v.now().Add(maxFutureBlockTime)) {
		return fmt.Errorf("%w: %d", ErrTimestampTooFar, h.Timestamp)
	}

	if prev == nil {
		return nil
	}

	prevHash := prev.BlockHash()
	if h.PrevBlock != prevHash {
		return fmt.Errorf("%w: header links to %s, previous is %s",
			ErrBadPrevBlock, h.PrevBlock.String(), prevHash.String())
	}

	mtp, err := v.MedianTimePast(prev)
	if err != nil {
		return fmt.Errorf("failed to compute median time past: %w", err)
	}
	if h.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d, median %d", ErrTimestampTooOld, h.Timestamp, mtp)
	}
	return nil
}

// MedianTimePast returns the median timestamp of up to 11 consecutive
// headers ending at h. Near genesis fewer headers are used.
func (v *Validator) MedianTimePast(h *Header) (uint32, error) {
	timestamps := make([]uint32, 0, medianTimeBlocks)
	cur := h
	for i := 0; i < medianTimeBlocks; i++ {
		timestamps = append(timestamps, cur.Timestamp)

		if cur.PrevBlock == (chainhash.Hash{}) {
			// genesis
			break
		}
		if v.source == nil {
			break
		}

		prev, err := v.source.HeaderByHash(&cur.PrevBlock)
		if err != nil {
			if errors.Is(err, ErrHeaderNotFound) {
				// start of our bounded window
				break
			}
			return 0, err
		}
		cur = prev
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2], nil
}

// NextWorkRequired returns the bits value the header following prev
// must carry. Off the retarget boundary the difficulty is unchanged. On
// the boundary the previous target is rescaled by the actual timespan
// of the last retarget window, clamped to a factor of 4 in either
// direction, and capped at the proof-of-work limit. The full 256-bit
// target is rescaled before reducing back to compact form.
func (v *Validator) NextWorkRequired(prev *Header) (uint32, error) {
	if (prev.Height+1)%v.blocksPerRetarget != 0 {
		return prev.Bits, nil
	}
	if v.source == nil {
		return 0, fmt.Errorf("retarget at height %d requires a header source", prev.Height+1)
	}

	firstHeight := prev.Height + 1 - v.blocksPerRetarget
	first, err := v.source.HeaderByHeight(firstHeight)
	if err != nil {
		return 0, fmt.Errorf("failed to load first header of retarget window (%d): %w", firstHeight, err)
	}

	targetTimespan := int64(v.params.TargetTimespan / time.Second)
	adjustment := v.params.RetargetAdjustmentFactor

	actualTimespan := int64(prev.Timestamp) - int64(first.Timestamp)
	if actualTimespan < targetTimespan/adjustment {
		actualTimespan = targetTimespan / adjustment
	}
	if actualTimespan > targetTimespan*adjustment {
		actualTimespan = targetTimespan * adjustment
	}

	newTarget := CompactToTarget(prev.Bits)
	newTarget.Mul(newTarget, big.NewInt(actualTimespan))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(v.params.PowLimit) > 0 {
		newTarget.Set(v.params.PowLimit)
	}

	return TargetToCompact(newTarget), nil
}
