// Package monitor is the Lightning-specific bridge over the
// chain-query endpoint: funding confirmation, spend detection, fee
// estimation, broadcast of channel transactions and address watching.
package monitor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/electrum"
	"github.com/slacerda85/ihodl-sub012/metrics"
)

// ChainQuery is the subset of the chain-query client the monitor
// needs. All queries are independent and may run concurrently over the
// same connection.
type ChainQuery interface {
	TipHeight(ctx context.Context) (uint32, error)
	GetTransaction(ctx context.Context, txid string) (*electrum.TransactionInfo, error)
	BroadcastTransaction(ctx context.Context, rawHex string) (string, error)
	ListUnspent(ctx context.Context, scripthash string) ([]electrum.Unspent, error)
	EstimateFee(ctx context.Context, targetBlocks int) (float64, error)
	GetMerkle(ctx context.Context, txid string, height uint32) (*electrum.MerkleResult, error)
}

type Config struct {
	// PollInterval between watcher queries.
	PollInterval time.Duration

	// FallbackFeeRate in sat/vB, used when the upstream estimator
	// fails. Never zero.
	FallbackFeeRate uint64
}

type Monitor struct {
	api ChainQuery
	cfg Config

	txWatchers   map[string]*fundingWatcher
	addrWatchers map[uint64]*addrWatcher
	nextAddrID   uint64

	globalCtx context.Context
	stopper   func()

	mx sync.Mutex
}

func NewMonitor(api ChainQuery, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.FallbackFeeRate == 0 {
		cfg.FallbackFeeRate = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		api:          api,
		cfg:          cfg,
		txWatchers:   map[string]*fundingWatcher{},
		addrWatchers: map[uint64]*addrWatcher{},
		globalCtx:    ctx,
		stopper:      cancel,
	}
}

// Stop cancels every watcher.
func (m *Monitor) Stop() {
	m.stopper()
}

// Counts reports live transaction and address watchers, for
// diagnostics and leak detection.
func (m *Monitor) Counts() (txWatchers, addrWatchers int) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.txWatchers), len(m.addrWatchers)
}

type fundingSub struct {
	minConf     uint32
	onConfirmed func(height uint32)
}

type fundingWatcher struct {
	txid string
	vout uint32

	nextSubID uint64
	subs      map[uint64]fundingSub

	cancelPoll func()
}

// MonitorFundingTx watches a funding transaction and invokes the
// callback once it reaches minConf confirmations. Re-registering the
// same outpoint shares one watcher, but each subscription keeps its
// own threshold: a subscriber asking for 6 confirmations never fires
// before depth 6, regardless of what others on the same outpoint
// asked for. The returned cancel handle is idempotent and detaches
// only this subscription.
func (m *Monitor) MonitorFundingTx(txid string, vout uint32, minConf uint32, onConfirmed func(height uint32)) (cancel func()) {
	key := watchKey(txid, vout)

	m.mx.Lock()
	w, ok := m.txWatchers[key]
	if !ok {
		pollCtx, cancelPoll := context.WithCancel(m.globalCtx)
		w = &fundingWatcher{
			txid:       txid,
			vout:       vout,
			subs:       map[uint64]fundingSub{},
			cancelPoll: cancelPoll,
		}
		m.txWatchers[key] = w
		metrics.AddMonitoredTransactions(1)
		go m.pollFunding(pollCtx, key, w)
	}
	subID := w.nextSubID
	w.nextSubID++
	w.subs[subID] = fundingSub{minConf: minConf, onConfirmed: onConfirmed}
	m.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mx.Lock()
			defer m.mx.Unlock()

			cur, ok := m.txWatchers[key]
			if !ok || cur != w {
				return
			}
			delete(w.subs, subID)
			if len(w.subs) == 0 {
				delete(m.txWatchers, key)
				metrics.AddMonitoredTransactions(-1)
				w.cancelPoll()
			}
		})
	}
}

func (m *Monitor) pollFunding(ctx context.Context, key string, w *fundingWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.PollInterval):
		}

		qCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		info, err := m.api.GetTransaction(qCtx, w.txid)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("txid", w.txid).Msg("failed to query funding tx")
			continue
		}

		// fire only subscribers whose own threshold is met; the watcher
		// stays alive for the rest until every subscription has fired or
		// cancelled
		m.mx.Lock()
		var fired []func(uint32)
		for id, sub := range w.subs {
			if info.Confirmations >= int64(sub.minConf) {
				fired = append(fired, sub.onConfirmed)
				delete(w.subs, id)
			}
		}
		done := len(w.subs) == 0
		if done {
			if m.txWatchers[key] == w {
				delete(m.txWatchers, key)
				metrics.AddMonitoredTransactions(-1)
			}
			w.cancelPoll()
		}
		m.mx.Unlock()

		if len(fired) > 0 {
			log.Info().Str("txid", w.txid).Uint32("height", info.BlockHeight).
				Int64("confirmations", info.Confirmations).
				Msg("funding transaction confirmed")
			for _, cb := range fired {
				cb(info.BlockHeight)
			}
		}
		if done {
			return
		}
	}
}

type addrWatcher struct {
	scripthash string
	cancelPoll func()
}

// MonitorAddress watches a script hash and fires onActivity whenever
// its unspent set changes. Detection lags behind the chain by the
// indexer's propagation delay.
func (m *Monitor) MonitorAddress(scripthash string, onActivity func(utxos []electrum.Unspent)) (cancel func()) {
	return m.watchUnspent(scripthash, func(utxos []electrum.Unspent, changed bool) bool {
		if changed {
			onActivity(utxos)
		}
		return false
	})
}

// MonitorFundingOutput watches one output of a funding transaction and
// fires onSpent when the output is absent from the owning script
// hash's unspent set. Absence is the spend signal, see IsOutputSpent
// for the propagation-delay window this implies. An output already
// spent before the watch began fires on the first poll; the same
// applies to an output whose funding transaction the indexer has not
// picked up yet, so callers must start the watch only after the
// funding output has been observed on-chain.
func (m *Monitor) MonitorFundingOutput(scripthash, txid string, vout uint32, onSpent func()) (cancel func()) {
	return m.watchUnspent(scripthash, func(utxos []electrum.Unspent, changed bool) bool {
		for _, u := range utxos {
			if u.TxHash == txid && u.TxPos == vout {
				return false
			}
		}
		onSpent()
		return true
	})
}

// watchUnspent polls listunspent; check returns true to stop the
// watcher.
func (m *Monitor) watchUnspent(scripthash string, check func(utxos []electrum.Unspent, changed bool) bool) (cancel func()) {
	pollCtx, cancelPoll := context.WithCancel(m.globalCtx)

	m.mx.Lock()
	id := m.nextAddrID
	m.nextAddrID++
	m.addrWatchers[id] = &addrWatcher{scripthash: scripthash, cancelPoll: cancelPoll}
	metrics.AddMonitoredAddresses(1)
	m.mx.Unlock()

	remove := func() {
		m.mx.Lock()
		if _, ok := m.addrWatchers[id]; ok {
			delete(m.addrWatchers, id)
			metrics.AddMonitoredAddresses(-1)
		}
		m.mx.Unlock()
		cancelPoll()
	}

	go func() {
		var lastFingerprint string
		first := true
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(m.cfg.PollInterval):
			}

			qCtx, qCancel := context.WithTimeout(pollCtx, 10*time.Second)
			utxos, err := m.api.ListUnspent(qCtx, scripthash)
			qCancel()
			if err != nil {
				log.Debug().Err(err).Str("scripthash", scripthash).Msg("failed to list unspent")
				continue
			}

			fp := fingerprint(utxos)
			changed := !first && fp != lastFingerprint
			lastFingerprint = fp
			first = false

			if check(utxos, changed) {
				remove()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(remove)
	}
}

func watchKey(txid string, vout uint32) string {
	return txid + ":" + strconv.FormatUint(uint64(vout), 10)
}

func fingerprint(utxos []electrum.Unspent) string {
	var b strings.Builder
	for _, u := range utxos {
		b.WriteString(u.TxHash)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(u.TxPos), 10))
		b.WriteByte(';')
	}
	return b.String()
}
