package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/slacerda85/ihodl-sub012/electrum"
)

type fakeQuery struct {
	mx sync.Mutex

	confirmations map[string]int64
	height        map[string]uint32
	unspent       map[string][]electrum.Unspent
	fees          map[int]float64
	feeErr        error
	broadcastErr  error
	broadcasts    []string
	merkle        map[string]*electrum.MerkleResult
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		confirmations: map[string]int64{},
		height:        map[string]uint32{},
		unspent:       map[string][]electrum.Unspent{},
		fees:          map[int]float64{},
		merkle:        map[string]*electrum.MerkleResult{},
	}
}

func (f *fakeQuery) TipHeight(ctx context.Context) (uint32, error) { return 850000, nil }

func (f *fakeQuery) GetTransaction(ctx context.Context, txid string) (*electrum.TransactionInfo, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return &electrum.TransactionInfo{
		Txid:          txid,
		Confirmations: f.confirmations[txid],
		BlockHeight:   f.height[txid],
	}, nil
}

func (f *fakeQuery) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, rawHex)
	return "txid-" + rawHex, nil
}

func (f *fakeQuery) ListUnspent(ctx context.Context, scripthash string) ([]electrum.Unspent, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.unspent[scripthash], nil
}

func (f *fakeQuery) EstimateFee(ctx context.Context, targetBlocks int) (float64, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.feeErr != nil {
		return 0, f.feeErr
	}
	fee, ok := f.fees[targetBlocks]
	if !ok {
		return -1, nil
	}
	return fee, nil
}

func (f *fakeQuery) GetMerkle(ctx context.Context, txid string, height uint32) (*electrum.MerkleResult, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	res, ok := f.merkle[txid]
	if !ok {
		return nil, electrum.ErrNotIndexed
	}
	return res, nil
}

func newTestMonitor(f *fakeQuery) *Monitor {
	return NewMonitor(f, Config{
		PollInterval:    10 * time.Millisecond,
		FallbackFeeRate: 25,
	})
}

func TestFundingWatcherRefcount(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	// two subscriptions to the same outpoint share one watcher
	c1 := m.MonitorFundingTx("aa", 0, 3, func(uint32) {})
	c2 := m.MonitorFundingTx("aa", 0, 3, func(uint32) {})

	tx, _ := m.Counts()
	if tx != 1 {
		t.Fatal("watchers duplicated", tx)
	}

	// cancelling one subscription keeps the watcher alive
	c1()
	if tx, _ = m.Counts(); tx != 1 {
		t.Fatal("watcher died with a live subscription")
	}

	// double cancel is a no-op, the second handle still counts
	c1()
	if tx, _ = m.Counts(); tx != 1 {
		t.Fatal("double cancel decremented twice")
	}

	c2()
	if tx, _ = m.Counts(); tx != 0 {
		t.Fatal("watcher leaked after last cancel")
	}
	c2()
}

func TestFundingConfirmationFires(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	done := make(chan uint32, 1)
	m.MonitorFundingTx("bb", 1, 2, func(height uint32) { done <- height })

	f.mx.Lock()
	f.confirmations["bb"] = 2
	f.height["bb"] = 810000
	f.mx.Unlock()

	select {
	case h := <-done:
		if h != 810000 {
			t.Fatal("wrong height", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation callback never fired")
	}

	// watcher destroyed after firing
	deadline := time.Now().Add(time.Second)
	for {
		if tx, _ := m.Counts(); tx == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher survived confirmation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFundingWatcherPerSubscriberThresholds(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	lowFired := make(chan uint32, 1)
	highFired := make(chan uint32, 1)
	m.MonitorFundingTx("aa", 0, 1, func(h uint32) { lowFired <- h })
	m.MonitorFundingTx("aa", 0, 6, func(h uint32) { highFired <- h })

	f.mx.Lock()
	f.confirmations["aa"] = 1
	f.height["aa"] = 800001
	f.mx.Unlock()

	select {
	case <-lowFired:
	case <-time.After(2 * time.Second):
		t.Fatal("shallow subscriber never fired")
	}

	// the deep subscriber keeps its own threshold and must not ride
	// along at depth 1
	select {
	case <-highFired:
		t.Fatal("subscriber fired below its own confirmation threshold")
	case <-time.After(100 * time.Millisecond):
	}

	// the shared watcher stays alive for the pending subscription
	if tx, _ := m.Counts(); tx != 1 {
		t.Fatal("watcher destroyed with a pending subscription", tx)
	}

	f.mx.Lock()
	f.confirmations["aa"] = 6
	f.height["aa"] = 800006
	f.mx.Unlock()

	select {
	case h := <-highFired:
		if h != 800006 {
			t.Fatal("wrong height", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deep subscriber never fired")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if tx, _ := m.Counts(); tx == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher survived after all subscriptions fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIsFundingConfirmed(t *testing.T) {
	f := newFakeQuery()
	f.confirmations["cc"] = 5
	m := newTestMonitor(f)
	defer m.Stop()

	ok, err := m.IsFundingConfirmed(context.Background(), "cc", 3)
	if err != nil || !ok {
		t.Fatal("confirmed tx reported unconfirmed")
	}
	ok, err = m.IsFundingConfirmed(context.Background(), "cc", 6)
	if err != nil || ok {
		t.Fatal("underconfirmed tx reported confirmed")
	}
}

func TestIsOutputSpent(t *testing.T) {
	f := newFakeQuery()
	f.unspent["sh"] = []electrum.Unspent{{TxHash: "dd", TxPos: 1, Value: 5000}}
	m := newTestMonitor(f)
	defer m.Stop()

	spent, err := m.IsOutputSpent(context.Background(), "sh", "dd", 1)
	if err != nil || spent {
		t.Fatal("present output reported spent")
	}
	spent, err = m.IsOutputSpent(context.Background(), "sh", "dd", 0)
	if err != nil || !spent {
		t.Fatal("absent output reported unspent")
	}
}

func TestBroadcastKinds(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	ctx := context.Background()
	for i, broadcast := range []func(context.Context, string) (string, error){
		m.BroadcastCommitmentTx, m.BroadcastClosingTx, m.BroadcastJusticeTx,
		m.BroadcastHtlcTimeoutTx, m.BroadcastHtlcSuccessTx,
	} {
		raw := fmt.Sprintf("raw-%d", i)
		txid, err := broadcast(ctx, raw)
		if err != nil {
			t.Fatal(err.Error())
		}
		if txid != "txid-"+raw {
			t.Fatal("wrong txid", txid)
		}
	}
	if len(f.broadcasts) != 5 {
		t.Fatal("broadcasts did not share the primitive", len(f.broadcasts))
	}

	// rejection propagates verbatim, no retry
	f.broadcastErr = fmt.Errorf("min relay fee not met")
	if _, err := m.BroadcastJusticeTx(ctx, "raw-x"); err == nil || err.Error() != "min relay fee not met" {
		t.Fatal("rejection not propagated verbatim:", err)
	}
	if len(f.broadcasts) != 5 {
		t.Fatal("rejected broadcast was retried")
	}
}

func TestEstimateFeeRate(t *testing.T) {
	f := newFakeQuery()
	f.fees[6] = 0.0002 // 20 sat/vB
	m := newTestMonitor(f)
	defer m.Stop()

	ctx := context.Background()
	if rate := m.EstimateFeeRate(ctx, 6); rate != 20 {
		t.Fatal("wrong rate", rate)
	}

	// no estimate -> fallback, never zero
	if rate := m.EstimateFeeRate(ctx, 2); rate != 25 {
		t.Fatal("fallback not used", rate)
	}

	f.feeErr = fmt.Errorf("upstream down")
	if rate := m.EstimateFeeRate(ctx, 6); rate != 25 {
		t.Fatal("error did not degrade to fallback", rate)
	}

	// tiny estimates floor at 1
	f.feeErr = nil
	f.fees[6] = 0.000000005
	if rate := m.EstimateFeeRate(ctx, 6); rate != 1 {
		t.Fatal("rate below floor", rate)
	}
}

func TestRecommendedFeeRatesOrdering(t *testing.T) {
	f := newFakeQuery()
	// adversarial upstream: slow tier more expensive than urgent
	f.fees[1] = 0.0001  // 10
	f.fees[3] = 0.0005  // 50
	f.fees[6] = 0.0002  // 20
	f.fees[144] = 0.001 // 100
	m := newTestMonitor(f)
	defer m.Stop()

	rates := m.RecommendedFeeRates(context.Background())
	if !(rates.Urgent >= rates.Fast && rates.Fast >= rates.Normal && rates.Normal >= rates.Slow) {
		t.Fatal("ordering invariant violated", rates)
	}
}

func TestAddressWatcherCancel(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	activity := make(chan int, 16)
	cancel := m.MonitorAddress("sh", func(utxos []electrum.Unspent) { activity <- len(utxos) })

	if _, addrs := m.Counts(); addrs != 1 {
		t.Fatal("watcher not registered")
	}

	// first poll sets the baseline, a change then fires
	time.Sleep(50 * time.Millisecond)
	f.mx.Lock()
	f.unspent["sh"] = []electrum.Unspent{{TxHash: "ee", TxPos: 0, Value: 1000}}
	f.mx.Unlock()

	select {
	case n := <-activity:
		if n != 1 {
			t.Fatal("wrong utxo count", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activity callback never fired")
	}

	cancel()
	cancel()
	if _, addrs := m.Counts(); addrs != 0 {
		t.Fatal("watcher survived cancel")
	}
}

func TestMonitorFundingOutputSpend(t *testing.T) {
	f := newFakeQuery()
	f.unspent["sh"] = []electrum.Unspent{{TxHash: "ff", TxPos: 0, Value: 1000}}
	m := newTestMonitor(f)
	defer m.Stop()

	spent := make(chan struct{}, 1)
	m.MonitorFundingOutput("sh", "ff", 0, func() { spent <- struct{}{} })

	// wait until the watcher has seen the output, then remove it
	time.Sleep(50 * time.Millisecond)
	f.mx.Lock()
	f.unspent["sh"] = nil
	f.mx.Unlock()

	select {
	case <-spent:
	case <-time.After(2 * time.Second):
		t.Fatal("spend callback never fired")
	}
}

func TestMonitorFundingOutputAlreadySpent(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	// the output is gone before the watch even starts, the first poll
	// reports the spend instead of latching forever
	spent := make(chan struct{}, 1)
	m.MonitorFundingOutput("sh", "gone", 0, func() { spent <- struct{}{} })

	select {
	case <-spent:
	case <-time.After(2 * time.Second):
		t.Fatal("pre-spent output never reported")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, addrs := m.Counts(); addrs == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher survived after reporting the spend")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetMerkleProofNotIndexed(t *testing.T) {
	f := newFakeQuery()
	m := newTestMonitor(f)
	defer m.Stop()

	proof, err := m.GetMerkleProof(context.Background(), "aa", 100)
	if err != nil {
		t.Fatal(err.Error())
	}
	if proof != nil {
		t.Fatal("proof for unindexed tx")
	}
}
