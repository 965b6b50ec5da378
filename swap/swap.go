// Package swap implements the submarine-swap state machines: forward
// swaps move on-chain funds into Lightning, reverse swaps move
// Lightning funds back on-chain. The engine only manages swap state
// and the refund path; invoice payment and HTLC construction live
// with the caller.
package swap

import (
	"errors"
	"time"
)

var (
	ErrSwapNotFound  = errors.New("swap not found")
	ErrSwapExists    = errors.New("swap with this payment hash already exists")
	ErrBadTransition = errors.New("illegal swap state transition")
	ErrTerminalState = errors.New("swap is in a terminal state")
	ErrInvalidParams = errors.New("invalid swap parameters")
	ErrNotRefundable = errors.New("swap is not expired, refund unavailable")
)

type SwapType uint8

const (
	// Forward moves on-chain funds into a Lightning channel (loop in).
	Forward SwapType = iota + 1
	// Reverse moves Lightning funds to an on-chain address (loop out).
	Reverse
)

func (t SwapType) String() string {
	switch t {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	}
	return "unknown"
}

type SwapState uint8

const (
	StateCreated SwapState = iota + 1
	StateFunded
	StateConfirmed
	StateCompleted
	StateExpired
	StateRefunded
	StateFailed
)

func (s SwapState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFunded:
		return "funded"
	case StateConfirmed:
		return "confirmed"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	case StateRefunded:
		return "refunded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s SwapState) Terminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateFailed
}

// transitions is the full legal state graph. Expiry and failure are
// reachable from every non-terminal state; a refund only ever follows
// an expiry.
var transitions = map[SwapState][]SwapState{
	StateCreated:   {StateFunded, StateExpired, StateFailed},
	StateFunded:    {StateConfirmed, StateExpired, StateFailed},
	StateConfirmed: {StateCompleted, StateExpired, StateFailed},
	StateExpired:   {StateRefunded, StateFailed},
}

func canTransition(from, to SwapState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SwapData is the persisted record of one swap.
type SwapData struct {
	PaymentHash        string    `json:"payment_hash"`
	Type               SwapType  `json:"type"`
	State              SwapState `json:"state"`
	OnchainAmountSat   uint64    `json:"onchain_amount_sat"`
	LightningAmountSat uint64    `json:"lightning_amount_sat"`
	LockupAddress      string    `json:"lockup_address"`
	Locktime           uint32    `json:"locktime"`
	FundingTxid        string    `json:"funding_txid,omitempty"`
	SpendingTxid       string    `json:"spending_txid,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastError          string    `json:"last_error,omitempty"`
}

// Limits are the protocol bounds enforced before any funds move.
type Limits struct {
	MinAmount  uint64 `json:"min_amount"`
	MaxLoopIn  uint64 `json:"max_loop_in"`
	MaxLoopOut uint64 `json:"max_loop_out"`
}

func DefaultLimits() Limits {
	return Limits{
		MinAmount:  50_000,
		MaxLoopIn:  10_000_000,
		MaxLoopOut: 5_000_000,
	}
}

// ValidationResult is returned instead of an error so batch callers
// can collect every problem at once.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// FeeEstimate is the projected cost of a swap before creating it.
type FeeEstimate struct {
	ServiceFeeSat uint64 `json:"service_fee_sat"`
	ChainFeeSat   uint64 `json:"chain_fee_sat"`
	TotalFeeSat   uint64 `json:"total_fee_sat"`
}
