package spv

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// mainnet genesis and block 1
const (
	genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d1dac2b7c"
	block1HeaderHex  = "010000006fe28c0ab6f1b372c1a6a246ae63f74f931e8365e15a089c68d6190000000000982051fd1e4ba744bbbe680e1fee14677ba1a3c3540bf7b1cdb606e857233e0e61bc6649ffff001d01e36299"

	genesisHashStr = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	block1HashStr  = "00000000839a8e6886ab5951d76f411475428afc90947ee320161bbf18eb6048"
)

type mapSource struct {
	byHash   map[chainhash.Hash]*Header
	byHeight map[uint32]*Header
}

func newMapSource() *mapSource {
	return &mapSource{
		byHash:   map[chainhash.Hash]*Header{},
		byHeight: map[uint32]*Header{},
	}
}

func (m *mapSource) add(h *Header) {
	m.byHash[h.BlockHash()] = h
	m.byHeight[h.Height] = h
}

func (m *mapSource) HeaderByHash(hash *chainhash.Hash) (*Header, error) {
	h, ok := m.byHash[*hash]
	if !ok {
		return nil, ErrHeaderNotFound
	}
	return h, nil
}

func (m *mapSource) HeaderByHeight(height uint32) (*Header, error) {
	h, ok := m.byHeight[height]
	if !ok {
		return nil, ErrHeaderNotFound
	}
	return h, nil
}

func mustHeader(t *testing.T, hexStr string) *Header {
	t.Helper()
	h, err := ParseHeaderHex(hexStr)
	if err != nil {
		t.Fatal(err.Error())
	}
	return h
}

func TestHeaderHash(t *testing.T) {
	for _, c := range []struct{ hex, hash string }{
		{genesisHeaderHex, genesisHashStr},
		{block1HeaderHex, block1HashStr},
	} {
		h := mustHeader(t, c.hex)
		got := h.BlockHash()
		if got.String() != c.hash {
			t.Fatal("wrong hash", got.String(), c.hash)
		}

		round := h.Serialize()
		reparsed, err := ParseHeader(round[:])
		if err != nil {
			t.Fatal(err.Error())
		}
		if reparsed.BlockHash() != got {
			t.Fatal("serialize round trip changed hash")
		}
	}
}

func TestCheckProofOfWork(t *testing.T) {
	v := NewValidator(&chaincfg.MainNetParams, nil)

	h := mustHeader(t, genesisHeaderHex)
	if err := v.CheckProofOfWork(h); err != nil {
		t.Fatal("genesis pow rejected:", err.Error())
	}

	bad := mustHeader(t, genesisHeaderHex)
	bad.Nonce++
	if err := v.CheckProofOfWork(bad); !errors.Is(err, ErrInvalidPoW) {
		t.Fatal("tampered nonce accepted")
	}

	over := mustHeader(t, genesisHeaderHex)
	over.Bits = 0x1e00ffff // easier than the mainnet pow limit
	if err := v.CheckProofOfWork(over); !errors.Is(err, ErrTargetOverflow) {
		t.Fatal("target above pow limit accepted")
	}
}

func TestValidateChainLink(t *testing.T) {
	v := NewValidator(&chaincfg.MainNetParams, nil)
	v.now = func() time.Time { return time.Unix(1231469665, 0) }

	genesis := mustHeader(t, genesisHeaderHex)
	b1 := mustHeader(t, block1HeaderHex)

	if err := v.Validate(genesis, nil); err != nil {
		t.Fatal("genesis rejected:", err.Error())
	}
	if err := v.Validate(b1, genesis); err != nil {
		t.Fatal("block 1 rejected:", err.Error())
	}

	// linking block 1 to itself must fail
	if err := v.Validate(b1, b1); !errors.Is(err, ErrBadPrevBlock) {
		t.Fatal("broken chain link accepted")
	}
}

func TestValidateTimestamps(t *testing.T) {
	v := NewValidator(&chaincfg.MainNetParams, nil)
	v.now = func() time.Time { return time.Unix(1231006505, 0) }

	future := mustHeader(t, genesisHeaderHex)
	future.Timestamp += 7201
	if err := v.Validate(future, nil); !errors.Is(err, ErrTimestampTooFar) {
		t.Fatal("far-future timestamp accepted")
	}

	// the stale case needs a minable header, regtest makes pow trivial
	rv := NewValidator(&chaincfg.RegressionNetParams, nil)
	chain := regtestChain(0, 2, 600)
	stale := chain[1]
	stale.Timestamp = chain[0].Timestamp
	stale.hash = nil
	if err := rv.Validate(stale, chain[0]); !errors.Is(err, ErrTimestampTooOld) {
		t.Fatal("timestamp at median time past accepted")
	}
}

func TestValidateVersion(t *testing.T) {
	v := NewValidator(&chaincfg.MainNetParams, nil)

	h := mustHeader(t, genesisHeaderHex)
	h.Version = 0
	if err := v.Validate(h, nil); !errors.Is(err, ErrBadVersion) {
		t.Fatal("version 0 accepted")
	}
}

// regtestChain builds a linked chain of trivially-minable headers
// starting at the given height.
func regtestChain(start uint32, n int, spacing uint32) []*Header {
	headers := make([]*Header, 0, n)
	prev := chainhash.Hash{}
	ts := uint32(1600000000)
	for i := 0; i < n; i++ {
		h := &Header{
			Version:   1,
			PrevBlock: prev,
			Timestamp: ts,
			Bits:      chaincfg.RegressionNetParams.PowLimitBits,
			Nonce:     uint32(i),
			Height:    start + uint32(i),
		}
		prev = h.BlockHash()
		ts += spacing
		headers = append(headers, h)
	}
	return headers
}

func TestMedianTimePast(t *testing.T) {
	src := newMapSource()
	chain := regtestChain(100, 15, 600)
	for _, h := range chain {
		src.add(h)
	}

	v := NewValidator(&chaincfg.RegressionNetParams, src)

	tip := chain[len(chain)-1]
	mtp, err := v.MedianTimePast(tip)
	if err != nil {
		t.Fatal(err.Error())
	}
	// 11 evenly spaced timestamps ending at the tip, median is the 6th
	// from the end
	want := tip.Timestamp - 5*600
	if mtp != want {
		t.Fatal("wrong median", mtp, want)
	}

	// near the window start fewer headers are used
	short, err := v.MedianTimePast(chain[2])
	if err != nil {
		t.Fatal(err.Error())
	}
	if short != chain[1].Timestamp {
		t.Fatal("wrong short median", short, chain[1].Timestamp)
	}
}

func TestNextWorkRequiredOffBoundary(t *testing.T) {
	v := NewValidator(&chaincfg.MainNetParams, nil)

	prev := &Header{Height: 1000, Bits: 0x1d00ffff}
	bits, err := v.NextWorkRequired(prev)
	if err != nil {
		t.Fatal(err.Error())
	}
	if bits != prev.Bits {
		t.Fatal("difficulty changed off the retarget boundary")
	}
}

func TestNextWorkRequiredRetarget(t *testing.T) {
	params := &chaincfg.MainNetParams
	targetTimespan := uint32(params.TargetTimespan / time.Second)

	cases := []struct {
		name    string
		elapsed uint32
		check   func(t *testing.T, old, next *big.Int)
	}{
		{
			// blocks came in at exactly the target rate, difficulty
			// stays put (modulo compact truncation)
			name:    "on schedule",
			elapsed: targetTimespan,
			check: func(t *testing.T, old, next *big.Int) {
				if next.Cmp(old) != 0 {
					t.Fatal("target moved with on-schedule timespan")
				}
			},
		},
		{
			name:    "too fast clamps at /4",
			elapsed: targetTimespan / 100,
			check: func(t *testing.T, old, next *big.Int) {
				want := new(big.Int).Div(old, big.NewInt(4))
				// compact truncation loses low bits
				if next.Cmp(want) > 0 {
					t.Fatal("clamped target too high")
				}
				if new(big.Int).Div(old, big.NewInt(8)).Cmp(next) > 0 {
					t.Fatal("clamped target far too low")
				}
			},
		},
		{
			name:    "too slow clamps at x4 and pow limit",
			elapsed: targetTimespan * 100,
			check: func(t *testing.T, old, next *big.Int) {
				if next.Cmp(params.PowLimit) > 0 {
					t.Fatal("target above pow limit")
				}
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			src := newMapSource()
			first := &Header{Version: 1, Timestamp: 1600000000, Bits: 0x1b0404cb, Height: 2016}
			src.add(first)

			prev := &Header{
				Version:   1,
				Timestamp: first.Timestamp + c.elapsed,
				Bits:      0x1b0404cb,
				Height:    2016*2 - 1,
			}

			v := NewValidator(params, src)
			bits, err := v.NextWorkRequired(prev)
			if err != nil {
				t.Fatal(err.Error())
			}
			c.check(t, CompactToTarget(prev.Bits), CompactToTarget(bits))
		})
	}
}

func TestCompactTargetMonotonic(t *testing.T) {
	// a strictly higher target must always decode from a bits value
	// representing less difficulty
	bits := []uint32{0x1b0404cb, 0x1c05a3f4, 0x1d00ffff}
	for i := 1; i < len(bits); i++ {
		lo := CompactToTarget(bits[i-1])
		hi := CompactToTarget(bits[i])
		if hi.Cmp(lo) <= 0 {
			t.Fatal("targets not increasing", bits[i-1], bits[i])
		}
	}
}

func TestCompactTargetRoundTrip(t *testing.T) {
	for _, b := range []uint32{0x1d00ffff, 0x1b0404cb, 0x1c05a3f4, 0x207fffff, 0x03123456} {
		got := TargetToCompact(CompactToTarget(b))
		if got != b {
			t.Fatal("compact round trip changed bits", b, got)
		}
	}
}
