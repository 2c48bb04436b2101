// Package types defines the wire-level primitives shared across the ZkVM
// core: hashes, addresses, and the block envelope that carries a batch of
// confidential transactions. Block assembly policy (which transactions to
// include, fork choice, peer scoring) is out of scope — only the envelope
// shape named in the external interface section is defined here.
package types

import (
	"encoding/binary"
)

// Constants for the ccoin wire protocol.
const (
	// HashSize is the size of a hash in bytes.
	HashSize = 32

	// PointSize is the size of a compressed ristretto255 point.
	PointSize = 32

	// ScalarSize is the size of a canonical little-endian scalar.
	ScalarSize = 32

	// SignatureSize is the size of a Schnorr signature: R (32) || s (32).
	SignatureSize = 64
)

// Hash is a 32-byte hash, produced by the transcript's challenge-byte
// extraction rather than a standalone hash function.
type Hash [HashSize]byte

// Address is a 20-byte legacy routing address retained for compatibility
// with external explorers; the confidential-payment address protocol in
// internal/address uses full 32-byte ristretto255 keys instead.
type Address [20]byte

// EmptyHash is the zero hash, used as the empty-tree root and as a
// placeholder anchor before the first ratchet.
var EmptyHash = Hash{}

// IsEmpty reports whether the hash is all zeros.
func (h Hash) IsEmpty() bool { return h == EmptyHash }

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// String returns the hex string representation of the hash.
func (h Hash) String() string { return bytesToHex(h[:]) }

// HashFromBytes creates a Hash from a byte slice, truncating or zero-padding
// to HashSize.
func HashFromBytes(b []byte) Hash {
	var h Hash
	n := len(b)
	if n > HashSize {
		n = HashSize
	}
	copy(h[:n], b[:n])
	return h
}

// BlockHeader is the fixed-size portion of a block, per the external
// interface wire format:
//
//	version‖height‖prev_id(32)‖timestamp_ms‖txroot(32)‖utxoroot(32)‖
//	len(ext)‖ext‖signature(64)
type BlockHeader struct {
	Version    uint64
	Height     uint64
	PrevID     Hash
	TimestampMs uint64
	TxRoot     Hash
	UtxoRoot   Hash
	Extra      []byte
	Signature  [SignatureSize]byte
}

// Block is a BlockHeader plus the list of encoded transactions it carries.
// Each transaction additionally carries one Utreexo inclusion proof per
// input (see internal/utreexo.EncodeProof), serialized inline after the
// transaction bytes as the wire format specifies.
type Block struct {
	Header BlockHeader
	Txs    []BlockTx
}

// BlockTx pairs an encoded transaction with the per-input Utreexo proofs
// a block carries alongside it (a transaction's own envelope, per §4.G,
// carries no proof material — proofs are a block-level concern since they
// are only meaningful against a specific accumulator snapshot).
type BlockTx struct {
	TxBytes      []byte
	InputProofs  [][]byte // each is a pre-encoded utreexo.EncodeProof output
}

// EncodeHeader serializes every header field, including the length-prefixed
// Extra bytes and the Signature; EncodeBlock appends the tx list after it.
func (h *BlockHeader) EncodeHeader(buf []byte) []byte {
	buf = appendU64(buf, h.Version)
	buf = appendU64(buf, h.Height)
	buf = append(buf, h.PrevID[:]...)
	buf = appendU64(buf, h.TimestampMs)
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.UtxoRoot[:]...)
	buf = appendU32(buf, uint32(len(h.Extra)))
	buf = append(buf, h.Extra...)
	buf = append(buf, h.Signature[:]...)
	return buf
}

// EncodeBlock serializes a full block: header followed by a length-prefixed
// transaction list, each transaction itself length-prefixed along with its
// input proofs.
func EncodeBlock(b *Block) []byte {
	buf := make([]byte, 0, 1024)
	buf = b.Header.EncodeHeader(buf)
	buf = appendU32(buf, uint32(len(b.Txs)))
	for _, tx := range b.Txs {
		buf = appendU32(buf, uint32(len(tx.TxBytes)))
		buf = append(buf, tx.TxBytes...)
		buf = appendU32(buf, uint32(len(tx.InputProofs)))
		for _, p := range tx.InputProofs {
			buf = appendU32(buf, uint32(len(p)))
			buf = append(buf, p...)
		}
	}
	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func bytesToHex(b []byte) string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, len(b)*2)
	for i, v := range b {
		result[i*2] = hexChars[v>>4]
		result[i*2+1] = hexChars[v&0x0f]
	}
	return string(result)
}
