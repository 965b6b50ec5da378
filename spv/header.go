package spv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeaderSize is the length of a serialized block header on the wire.
const HeaderSize = 80

// Header is an 80-byte Bitcoin block header plus the height metadata we
// attach once it has a place in our chain. The hash is computed lazily
// and cached, headers are treated as immutable after that.
type Header struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32

	// Height is not part of the serialized header, it is stamped by the
	// store when the header is persisted.
	Height uint32

	hash *chainhash.Hash
}

// Serialize encodes the header into its canonical 80-byte little-endian
// wire form.
func (h *Header) Serialize() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

// ParseHeader decodes an 80-byte serialized header.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("invalid header length: expected %d bytes, got %d", HeaderSize, len(raw))
	}

	h := &Header{
		Version:   int32(binary.LittleEndian.Uint32(raw[0:4])),
		Timestamp: binary.LittleEndian.Uint32(raw[68:72]),
		Bits:      binary.LittleEndian.Uint32(raw[72:76]),
		Nonce:     binary.LittleEndian.Uint32(raw[76:80]),
	}
	copy(h.PrevBlock[:], raw[4:36])
	copy(h.MerkleRoot[:], raw[36:68])
	return h, nil
}

// ParseHeaderHex decodes a hex-encoded 80-byte header as returned by
// the chain-query endpoint.
func ParseHeaderHex(s string) (*Header, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}
	return ParseHeader(raw)
}

// BlockHash returns the double-SHA256 of the serialized header. The
// result is cached on first use.
func (h *Header) BlockHash() chainhash.Hash {
	if h.hash != nil {
		return *h.hash
	}

	buf := h.Serialize()
	hash := chainhash.DoubleHashH(buf[:])
	h.hash = &hash
	return hash
}
