package chaindb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/slacerda85/ihodl-sub012/chaindb"
	"github.com/slacerda85/ihodl-sub012/chaindb/mem"
	"github.com/slacerda85/ihodl-sub012/spv"
)

func testHeader(height uint32, prev chainhash.Hash) *spv.Header {
	return &spv.Header{
		Version:   1,
		PrevBlock: prev,
		Timestamp: 1600000000 + height*600,
		Bits:      chaincfg.RegressionNetParams.PowLimitBits,
		Nonce:     height,
		Height:    height,
	}
}

func TestHeaderStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := chaindb.NewDB(mem.NewDB())

	h := testHeader(100, chainhash.Hash{})
	if err := db.PutHeader(ctx, h); err != nil {
		t.Fatal(err.Error())
	}

	hash := h.BlockHash()
	byHash, err := db.GetHeaderByHash(ctx, &hash)
	if err != nil {
		t.Fatal(err.Error())
	}
	if byHash.BlockHash() != hash || byHash.Height != 100 {
		t.Fatal("header by hash mismatch")
	}

	byHeight, err := db.GetHeaderByHeight(ctx, 100)
	if err != nil {
		t.Fatal(err.Error())
	}
	if byHeight.BlockHash() != hash {
		t.Fatal("header by height mismatch")
	}

	if _, err = db.GetHeaderByHeight(ctx, 101); !errors.Is(err, chaindb.ErrNotFound) {
		t.Fatal("missing height did not return not found")
	}
	var unknown chainhash.Hash
	unknown[0] = 0xaa
	if _, err = db.GetHeaderByHash(ctx, &unknown); !errors.Is(err, chaindb.ErrNotFound) {
		t.Fatal("missing hash did not return not found")
	}
}

func TestCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	db := chaindb.NewDB(mem.NewDB())

	if _, err := db.GetCursor(ctx); !errors.Is(err, chaindb.ErrNotFound) {
		t.Fatal("empty store has a cursor")
	}

	h5 := testHeader(5, chainhash.Hash{})
	h7 := testHeader(7, chainhash.Hash{})
	h6 := testHeader(6, chainhash.Hash{})

	for _, h := range []*spv.Header{h5, h7, h6} {
		if err := db.PutHeader(ctx, h); err != nil {
			t.Fatal(err.Error())
		}
	}

	cursor, err := db.GetCursor(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	if cursor.Height != 7 {
		t.Fatal("cursor rewound", cursor.Height)
	}
	if cursor.Hash != h7.BlockHash() {
		t.Fatal("cursor hash mismatch")
	}
}

func TestReorgGuard(t *testing.T) {
	ctx := context.Background()
	db := chaindb.NewDB(mem.NewDB())

	h := testHeader(10, chainhash.Hash{})
	if err := db.PutHeader(ctx, h); err != nil {
		t.Fatal(err.Error())
	}

	// same header again is fine
	if err := db.PutHeader(ctx, testHeader(10, chainhash.Hash{})); err != nil {
		t.Fatal("idempotent put rejected:", err.Error())
	}

	conflicting := testHeader(10, chainhash.Hash{})
	conflicting.Nonce = 9999
	if err := db.PutHeader(ctx, conflicting); !errors.Is(err, chaindb.ErrReorgDetected) {
		t.Fatal("conflicting header at same height accepted")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	db := chaindb.NewDB(mem.NewDB())

	h := testHeader(3, chainhash.Hash{})
	if err := db.PutHeader(ctx, h); err != nil {
		t.Fatal(err.Error())
	}
	if err := db.Reset(ctx); err != nil {
		t.Fatal(err.Error())
	}

	if _, err := db.GetHeaderByHeight(ctx, 3); !errors.Is(err, chaindb.ErrNotFound) {
		t.Fatal("header survived reset")
	}
	if _, err := db.GetCursor(ctx); !errors.Is(err, chaindb.ErrNotFound) {
		t.Fatal("cursor survived reset")
	}
}

func TestHeaderSourceAdapter(t *testing.T) {
	ctx := context.Background()
	db := chaindb.NewDB(mem.NewDB())

	h := testHeader(42, chainhash.Hash{})
	if err := db.PutHeader(ctx, h); err != nil {
		t.Fatal(err.Error())
	}

	src := db.HeaderSource(ctx)
	if _, err := src.HeaderByHeight(42); err != nil {
		t.Fatal(err.Error())
	}
	if _, err := src.HeaderByHeight(43); !errors.Is(err, spv.ErrHeaderNotFound) {
		t.Fatal("adapter did not translate not-found")
	}
}
