package spv

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CompactToTarget decodes the compact "bits" representation into the
// full 256-bit proof-of-work target. The compact form is a floating
// point like encoding: the high byte is a base-256 exponent, the low
// 3 bytes are the mantissa. The sign bit (0x00800000) marks a negative
// number, which never appears in a valid target.
func CompactToTarget(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	var target *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		target = big.NewInt(int64(mantissa))
	} else {
		target = big.NewInt(int64(mantissa))
		target.Lsh(target, 8*(exponent-3))
	}

	if bits&0x00800000 != 0 {
		target.Neg(target)
	}
	return target
}

// TargetToCompact encodes a target back into compact form. The encoding
// truncates the target to 3 significant bytes, so a decode/encode round
// trip is lossy by design.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(target.Bytes()))
	if exponent <= 3 {
		mantissa = uint32(target.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Rsh(target, 8*(exponent-3))
		mantissa = uint32(tn.Bits()[0])
	}

	// When the mantissa's sign bit is set, shift it down one byte and
	// bump the exponent to keep the value positive.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if target.Sign() < 0 {
		compact |= 0x00800000
	}
	return compact
}

// HashToBig converts a block hash into the big-endian integer used for
// comparison against the target. The hash bytes are little-endian, so
// they are reversed first.
func HashToBig(hash *chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = hash[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf[:])
}
