package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/monitor"
)

// ChainMonitor is the slice of the channel chain monitor the engine
// needs: confirmation tracking, refund broadcast and fee data.
type ChainMonitor interface {
	MonitorFundingTx(txid string, vout uint32, minConf uint32, onConfirmed func(height uint32)) func()
	BroadcastTx(ctx context.Context, kind monitor.TxKind, rawTxHex string) (string, error)
	RecommendedFeeRates(ctx context.Context) monitor.FeeRates
}

const (
	// service fee charged by the swap provider
	baseServiceFeeSat = 1_000
	serviceFeePPM     = 5_000

	// rough vsizes of the on-chain legs
	lockupTxVsize = 250
	sweepTxVsize  = 150
)

// Engine drives swaps from creation through their terminal state. One
// engine instance serves all swaps; records persist across restarts
// through the store.
type Engine struct {
	limits  Limits
	chain   ChainMonitor
	store   *Store
	minConf uint32

	cancelWatch map[string]func()
	watchMx     sync.Mutex
}

func NewEngine(limits Limits, chain ChainMonitor, store *Store, minConf uint32) *Engine {
	if minConf == 0 {
		minConf = 1
	}
	return &Engine{
		limits:      limits,
		chain:       chain,
		store:       store,
		minConf:     minConf,
		cancelWatch: map[string]func(){},
	}
}

func (e *Engine) Limits() Limits { return e.limits }

// ValidateSwapParams checks the amount against the protocol bounds
// for the given direction. Creation is gated on this passing; a swap
// must never exist with an out-of-range amount.
func (e *Engine) ValidateSwapParams(amountSat uint64, swapType SwapType) ValidationResult {
	var errs []string

	if swapType != Forward && swapType != Reverse {
		errs = append(errs, "unknown swap type")
	}
	if amountSat < e.limits.MinAmount {
		errs = append(errs, fmt.Sprintf("amount %d below minimum %d", amountSat, e.limits.MinAmount))
	}
	if swapType == Forward && amountSat > e.limits.MaxLoopIn {
		errs = append(errs, fmt.Sprintf("amount %d above loop-in maximum %d", amountSat, e.limits.MaxLoopIn))
	}
	if swapType == Reverse && amountSat > e.limits.MaxLoopOut {
		errs = append(errs, fmt.Sprintf("amount %d above loop-out maximum %d", amountSat, e.limits.MaxLoopOut))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// EstimateFee projects the total swap cost: a flat-plus-proportional
// service fee and the on-chain leg at the current normal fee rate.
func (e *Engine) EstimateFee(ctx context.Context, amountSat uint64, swapType SwapType) FeeEstimate {
	rates := e.chain.RecommendedFeeRates(ctx)

	vsize := uint64(lockupTxVsize)
	if swapType == Reverse {
		vsize = sweepTxVsize
	}

	est := FeeEstimate{
		ServiceFeeSat: baseServiceFeeSat + amountSat*serviceFeePPM/1_000_000,
		ChainFeeSat:   rates.Normal * vsize,
	}
	est.TotalFeeSat = est.ServiceFeeSat + est.ChainFeeSat
	return est
}

// CreateLoopIn opens a forward swap. Validation runs first and an
// invalid request creates no state at all.
func (e *Engine) CreateLoopIn(ctx context.Context, paymentHash string, amountSat uint64, lockupAddress string, locktime uint32) (*SwapData, error) {
	return e.create(ctx, paymentHash, Forward, amountSat, lockupAddress, locktime)
}

// CreateLoopOut opens a reverse swap.
func (e *Engine) CreateLoopOut(ctx context.Context, paymentHash string, amountSat uint64, sweepAddress string, locktime uint32) (*SwapData, error) {
	return e.create(ctx, paymentHash, Reverse, amountSat, sweepAddress, locktime)
}

func (e *Engine) create(ctx context.Context, paymentHash string, swapType SwapType, amountSat uint64, address string, locktime uint32) (*SwapData, error) {
	if paymentHash == "" {
		return nil, fmt.Errorf("%w: empty payment hash", ErrInvalidParams)
	}
	if address == "" {
		return nil, fmt.Errorf("%w: empty lockup address", ErrInvalidParams)
	}
	if res := e.ValidateSwapParams(amountSat, swapType); !res.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, res.Errors)
	}

	if _, err := e.store.Get(ctx, paymentHash); err == nil {
		return nil, ErrSwapExists
	}

	now := time.Now().UTC()
	s := &SwapData{
		PaymentHash:        paymentHash,
		Type:               swapType,
		State:              StateCreated,
		OnchainAmountSat:   amountSat,
		LightningAmountSat: amountSat,
		LockupAddress:      address,
		Locktime:           locktime,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist swap: %w", err)
	}

	log.Info().Str("payment_hash", paymentHash).Str("type", swapType.String()).
		Uint64("amount", amountSat).Msg("swap created")
	return s, nil
}

func (e *Engine) Get(ctx context.Context, paymentHash string) (*SwapData, error) {
	return e.store.Get(ctx, paymentHash)
}

func (e *Engine) List(ctx context.Context) ([]*SwapData, error) {
	return e.store.List(ctx)
}

// transition moves a swap along the legal state graph and persists the
// result. mutate runs on the record before it is saved.
func (e *Engine) transition(ctx context.Context, paymentHash string, to SwapState, mutate func(*SwapData)) (*SwapData, error) {
	s, err := e.store.Get(ctx, paymentHash)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, s.State)
	}
	if !canTransition(s.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.State, to)
	}

	from := s.State
	s.State = to
	s.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(s)
	}
	if err = e.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist swap: %w", err)
	}

	log.Info().Str("payment_hash", paymentHash).
		Str("from", from.String()).Str("to", to.String()).Msg("swap state changed")
	return s, nil
}

// SetFunded records the lockup transaction and starts confirmation
// tracking, which advances the swap to CONFIRMED once the funding
// output has the required depth.
func (e *Engine) SetFunded(ctx context.Context, paymentHash, fundingTxid string) (*SwapData, error) {
	s, err := e.transition(ctx, paymentHash, StateFunded, func(s *SwapData) {
		s.FundingTxid = fundingTxid
	})
	if err != nil {
		return nil, err
	}

	cancel := e.chain.MonitorFundingTx(fundingTxid, 0, e.minConf, func(height uint32) {
		if _, err := e.SetConfirmed(context.Background(), paymentHash); err != nil {
			log.Warn().Err(err).Str("payment_hash", paymentHash).
				Msg("failed to confirm swap after funding")
		}
	})
	e.watchMx.Lock()
	e.cancelWatch[paymentHash] = cancel
	e.watchMx.Unlock()
	return s, nil
}

func (e *Engine) SetConfirmed(ctx context.Context, paymentHash string) (*SwapData, error) {
	e.stopWatch(paymentHash)
	return e.transition(ctx, paymentHash, StateConfirmed, nil)
}

func (e *Engine) Complete(ctx context.Context, paymentHash, spendingTxid string) (*SwapData, error) {
	e.stopWatch(paymentHash)
	return e.transition(ctx, paymentHash, StateCompleted, func(s *SwapData) {
		s.SpendingTxid = spendingTxid
	})
}

func (e *Engine) Fail(ctx context.Context, paymentHash string, cause error) (*SwapData, error) {
	e.stopWatch(paymentHash)
	return e.transition(ctx, paymentHash, StateFailed, func(s *SwapData) {
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
}

// CheckExpiry marks every non-terminal swap whose locktime has elapsed
// as EXPIRED and returns the swaps it moved.
func (e *Engine) CheckExpiry(ctx context.Context, tipHeight uint32) ([]*SwapData, error) {
	swaps, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*SwapData
	for _, s := range swaps {
		if s.State.Terminal() || s.State == StateExpired || tipHeight < s.Locktime {
			continue
		}
		e.stopWatch(s.PaymentHash)
		moved, err := e.transition(ctx, s.PaymentHash, StateExpired, nil)
		if err != nil {
			return nil, err
		}
		expired = append(expired, moved)
	}
	return expired, nil
}

// Refund broadcasts the refund transaction of an expired swap and
// marks it REFUNDED. Only an expired swap can be refunded; a broadcast
// rejection leaves the swap expired so the caller can retry with a
// different transaction.
func (e *Engine) Refund(ctx context.Context, paymentHash, rawRefundTxHex string) (*SwapData, error) {
	s, err := e.store.Get(ctx, paymentHash)
	if err != nil {
		return nil, err
	}
	if s.State != StateExpired {
		return nil, fmt.Errorf("%w: state %s", ErrNotRefundable, s.State)
	}

	txid, err := e.chain.BroadcastTx(ctx, monitor.TxKindSwapRefund, rawRefundTxHex)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, paymentHash, StateRefunded, func(s *SwapData) {
		s.SpendingTxid = txid
	})
}

func (e *Engine) stopWatch(paymentHash string) {
	e.watchMx.Lock()
	cancel, ok := e.cancelWatch[paymentHash]
	delete(e.cancelWatch, paymentHash)
	e.watchMx.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels all active funding watchers.
func (e *Engine) Stop() {
	e.watchMx.Lock()
	cancels := make([]func(), 0, len(e.cancelWatch))
	for hash, cancel := range e.cancelWatch {
		delete(e.cancelWatch, hash)
		cancels = append(cancels, cancel)
	}
	e.watchMx.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
