// Package types: the transaction envelope that higher-level components
// (storage, p2p relay, the CLI) exchange. The cryptographic content of a
// transaction — its program, its effect on the Utreexo forest, the
// constraint system it builds — lives in internal/vm; this struct is only
// the serialized shell described in the external interface section.
package types

import "encoding/binary"

// CurrentVersion is the transaction format version this module produces.
// Opcodes above the defined set are treated as no-ops only when a
// transaction declares a version greater than CurrentVersion.
const CurrentVersion uint64 = 1

// Tx is the wire envelope of a confidential transaction:
//
//	version(u64 LE) || mintime_ms || maxtime_ms || len(program)(LE32) ||
//	program || signature(64: R‖s) || rangeproof
type Tx struct {
	Version    uint64
	MinTimeMs  uint64
	MaxTimeMs  uint64
	Program    []byte
	Signature  [SignatureSize]byte
	RangeProof []byte
}

// Encode serializes the transaction per the wire format in §4.G / §6.
func (tx *Tx) Encode() []byte {
	buf := make([]byte, 0, 32+len(tx.Program)+len(tx.RangeProof))
	buf = appendU64(buf, tx.Version)
	buf = appendU64(buf, tx.MinTimeMs)
	buf = appendU64(buf, tx.MaxTimeMs)
	buf = appendU32(buf, uint32(len(tx.Program)))
	buf = append(buf, tx.Program...)
	buf = append(buf, tx.Signature[:]...)
	buf = append(buf, tx.RangeProof...)
	return buf
}

// Decode is the exact inverse of Encode. The range-proof blob is not itself
// length-prefixed — it runs to the end of the buffer, matching the wire
// format where the proof is the last field — so decoding consumes every
// byte of the input.
func Decode(b []byte) (*Tx, error) {
	tx := &Tx{}
	if len(b) < 8+8+8+4 {
		return nil, ErrTruncated
	}
	off := 0
	tx.Version = binary.LittleEndian.Uint64(b[off:])
	off += 8
	tx.MinTimeMs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	tx.MaxTimeMs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	progLen := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if uint64(len(b)-off) < uint64(progLen) {
		return nil, ErrTruncated
	}
	tx.Program = append([]byte(nil), b[off:off+int(progLen)]...)
	off += int(progLen)
	if len(b)-off < SignatureSize {
		return nil, ErrTruncated
	}
	copy(tx.Signature[:], b[off:off+SignatureSize])
	off += SignatureSize
	tx.RangeProof = append([]byte(nil), b[off:]...)
	return tx, nil
}

// ErrTruncated indicates a buffer too short to contain a well-formed Tx.
var ErrTruncated = errTruncated{}

type errTruncated struct{}

func (errTruncated) Error() string { return "types: truncated transaction encoding" }
