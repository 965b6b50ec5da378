package spv

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleProof is the sibling path linking a transaction hash to a block
// merkle root. Position is the index of the transaction in the block;
// its bits select the concatenation order at each level.
type MerkleProof struct {
	TxHash   chainhash.Hash
	Path     []chainhash.Hash
	Position uint32
}

func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// MerkleRoot computes the merkle root of the given transaction hashes
// by pairwise double-SHA256, duplicating the last element on odd-length
// levels. An empty list yields the zero hash.
func MerkleRoot(txHashes []chainhash.Hash) chainhash.Hash {
	if len(txHashes) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(&level[i], &level[i+1]))
		}
		level = next
	}
	return level[0]
}

// BuildMerkleProof constructs the inclusion proof for the leaf at the
// given index. It is the inverse of VerifyMerkleProof and is mainly
// useful for testing against roots produced by MerkleRoot.
func BuildMerkleProof(txHashes []chainhash.Hash, index uint32) *MerkleProof {
	if int(index) >= len(txHashes) {
		return nil
	}

	proof := &MerkleProof{
		TxHash:   txHashes[index],
		Position: index,
	}

	level := make([]chainhash.Hash, len(txHashes))
	copy(level, txHashes)

	pos := index
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		sibling := pos ^ 1
		proof.Path = append(proof.Path, level[sibling])

		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(&level[i], &level[i+1]))
		}
		level = next
		pos >>= 1
	}
	return proof
}

// VerifyMerkleProof folds the sibling path into the leaf hash and
// reports whether the result equals the expected root.
func VerifyMerkleProof(proof *MerkleProof, root *chainhash.Hash) bool {
	if proof == nil {
		return false
	}

	current := proof.TxHash
	pos := proof.Position
	for i := range proof.Path {
		if pos&1 == 1 {
			current = hashPair(&proof.Path[i], &current)
		} else {
			current = hashPair(&current, &proof.Path[i])
		}
		pos >>= 1
	}
	return current == *root
}
