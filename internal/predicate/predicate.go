// Package predicate implements the Taproot-style spending condition tree:
// a predicate is either an opaque point, a bare verification key, or a
// Merkle tree of alternative programs committed into a single tweaked key
// P = X + h(X, root)*B. Spending via the key path needs only a signature
// over P; spending via a leaf program needs a CallProof showing the program
// is one of the tree's committed leaves, discharged as a single deferred
// PointOp alongside the transaction's other checks.
package predicate

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/ccoin/zkvm-core/internal/merkle"
	"github.com/ccoin/zkvm-core/internal/pointops"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
	"github.com/ccoin/zkvm-core/pkg/types"
)

var (
	ErrTooManyLeaves  = errors.New("predicate: tree has more than 2^31 programs")
	ErrBadLeafIndex   = errors.New("predicate: program index out of range")
	ErrLeafNotProgram = errors.New("predicate: leaf is a blinding leaf, not a program")
	ErrMalformedProof = errors.New("predicate: malformed call proof")
)

const taprootLabel = "ZkVM.taproot"

// Predicate is a spending condition: exactly one of key or tree is set,
// unless the predicate is fully opaque (neither set, only the point known).
type Predicate struct {
	opaque *ristretto.Point
	key    *ristretto.Point
	tree   *Tree
}

// Opaque wraps a bare point with no known key or tree structure — the form
// a verifier works with before a spender reveals which case applies.
func Opaque(p *ristretto.Point) Predicate { return Predicate{opaque: p} }

// FromKey builds a predicate that is directly a signing key.
func FromKey(key *ristretto.Point) Predicate { return Predicate{key: key} }

// FromTree builds a predicate committing to a Taproot tree.
func FromTree(t *Tree) Predicate { return Predicate{tree: t} }

// Point returns the predicate's compressed public form: the tree's tweaked
// key, the bare key, or the opaque point, in that order of precedence.
func (p Predicate) Point() *ristretto.Point {
	switch {
	case p.tree != nil:
		return p.tree.PrecomputedKey
	case p.key != nil:
		return p.key
	default:
		return p.opaque
	}
}

// unsignableKey is a point with no known discrete log relative to the
// primary generator, used as the key for trees that offer no key-path
// spend.
func unsignableKey() *ristretto.Point {
	return ristretto.DefaultGenerators().BBlinding
}

func commitTaproot(key *ristretto.Point, root types.Hash) *ristretto.Scalar {
	t := transcript.New(taprootLabel)
	t.AppendMessage("key", key.Bytes())
	t.AppendMessage("merkle", root[:])
	return t.ChallengeScalar("h")
}

// Leaf is one entry in a predicate tree: either a committed program or a
// dummy blinding leaf that hides how many real alternatives exist and where
// they sit.
type Leaf struct {
	Blinding bool
	Program  []byte
	Pad      [32]byte // set when Blinding is true
}

func (l Leaf) bytes() []byte {
	if l.Blinding {
		tagged := make([]byte, 0, 1+32)
		tagged = append(tagged, 0x01)
		return append(tagged, l.Pad[:]...)
	}
	tagged := make([]byte, 0, 1+len(l.Program))
	tagged = append(tagged, 0x00)
	return append(tagged, l.Program...)
}

// Tree is a Merkle tree of predicate leaves, Taproot-tweaked into a single
// aggregated key.
type Tree struct {
	Leaves           []Leaf
	Key              *ristretto.Point
	BlindingSeed     [32]byte
	PrecomputedKey   *ristretto.Point
	AdjustmentFactor *ristretto.Scalar
	Root             types.Hash
}

// NewTree builds a predicate tree over programs, with key as the key-path
// signer (or nil for a tree with no key-path spend). Each program is paired
// with a pseudorandom blinding leaf on a pseudorandomly chosen side, so an
// observer cannot tell how many real alternatives a tree commits to from
// its shape alone.
func NewTree(key *ristretto.Point, programs [][]byte, blindingSeed [32]byte) (*Tree, error) {
	if key == nil {
		key = unsignableKey()
	}
	leaves, err := deriveLeaves(programs, blindingSeed)
	if err != nil {
		return nil, err
	}
	hasher := merkle.NewHasher(taprootLabel)
	itemBytes := make([][]byte, len(leaves))
	for i, l := range leaves {
		itemBytes[i] = l.bytes()
	}
	root := hasher.Root(itemBytes)

	h := commitTaproot(key, root)
	precomputed := key.Add(ristretto.MulBase(h))

	return &Tree{
		Leaves:           leaves,
		Key:              key,
		BlindingSeed:     blindingSeed,
		PrecomputedKey:   precomputed,
		AdjustmentFactor: h,
		Root:             root,
	}, nil
}

func deriveLeaves(programs [][]byte, blindingSeed [32]byte) ([]Leaf, error) {
	if len(programs) > (1 << 31) {
		return nil, ErrTooManyLeaves
	}
	t := transcript.New("ZkVM.taproot-derive-blinding")
	t.AppendU64("n", uint64(len(programs)))
	t.AppendMessage("key", blindingSeed[:])
	for _, prog := range programs {
		t.AppendMessage("prog", prog)
	}

	leaves := make([]Leaf, 0, len(programs)*2)
	for _, prog := range programs {
		var pad [32]byte
		t.ChallengeBytes("blinding", pad[:])
		blindingLeaf := Leaf{Blinding: true, Pad: pad}
		programLeaf := Leaf{Program: prog}
		if pad[0]&1 == 0 {
			leaves = append(leaves, blindingLeaf, programLeaf)
		} else {
			leaves = append(leaves, programLeaf, blindingLeaf)
		}
	}
	return leaves, nil
}

// CallProof proves a program is one of a tree's committed leaves, without
// revealing anything about the tree's other leaves beyond the sibling
// hashes already implied by the path.
type CallProof struct {
	VerificationKey *ristretto.Point
	Neighbors       []merkle.Neighbor
}

// CreateCallProof builds a CallProof and returns the program for the
// progIndex'th real (non-blinding) leaf.
func (t *Tree) CreateCallProof(progIndex int) (*CallProof, []byte, error) {
	if progIndex < 0 || progIndex >= len(t.Leaves)/2 {
		return nil, nil, ErrBadLeafIndex
	}
	leafIndex := 2 * progIndex
	if t.Leaves[leafIndex].Blinding {
		leafIndex++
	}
	if t.Leaves[leafIndex].Blinding {
		return nil, nil, ErrLeafNotProgram
	}

	hasher := merkle.NewHasher(taprootLabel)
	itemBytes := make([][]byte, len(t.Leaves))
	for i, l := range t.Leaves {
		itemBytes[i] = l.bytes()
	}
	neighbors, err := hasher.PathTo(itemBytes, leafIndex)
	if err != nil {
		return nil, nil, err
	}

	return &CallProof{VerificationKey: t.Key, Neighbors: neighbors}, t.Leaves[leafIndex].Program, nil
}

// ProveTaproot builds the deferred PointOp asserting predicate commits to
// program via callProof: P == X + h(X, root)*B, rearranged as
// 0 == h*B - P + X.
func ProveTaproot(predicate Predicate, program []byte, callProof *CallProof) pointops.PointOp {
	hasher := merkle.NewHasher(taprootLabel)
	leafBytes := Leaf{Program: program}.bytes()
	root := hasher.RootFromPath(leafBytes, callProof.Neighbors)
	h := commitTaproot(callProof.VerificationKey, root)

	negOne := ristretto.ScalarFromUint64(1).Neg()
	one := ristretto.ScalarFromUint64(1)

	return pointops.PointOp{
		Primary: h,
		Arbitrary: []pointops.Term{
			{Scalar: negOne, Point: predicate.Point()},
			{Scalar: one, Point: callProof.VerificationKey},
		},
	}
}

// Encode serializes a CallProof: the verification key, a bitmask encoding
// the direction (and, via its highest set bit, the length) of each
// neighbor, then the neighbor hashes themselves.
func (cp *CallProof) Encode() []byte {
	buf := make([]byte, 0, types.PointSize+4+len(cp.Neighbors)*types.HashSize)
	buf = append(buf, cp.VerificationKey.Bytes()...)

	n := len(cp.Neighbors)
	positions := uint32(1) << uint(n)
	for i, nb := range cp.Neighbors {
		if nb.Right {
			positions |= 1 << uint(i)
		}
	}
	var posBuf [4]byte
	binary.LittleEndian.PutUint32(posBuf[:], positions)
	buf = append(buf, posBuf[:]...)

	for _, nb := range cp.Neighbors {
		buf = append(buf, nb.Hash[:]...)
	}
	return buf
}

// DecodeCallProof is the inverse of Encode.
func DecodeCallProof(b []byte) (*CallProof, error) {
	if len(b) < types.PointSize+4 {
		return nil, ErrMalformedProof
	}
	key, err := ristretto.PointFromBytes(b[:types.PointSize])
	if err != nil {
		return nil, ErrMalformedProof
	}
	b = b[types.PointSize:]
	positions := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if positions == 0 {
		return nil, ErrMalformedProof
	}
	numNeighbors := bits.Len32(positions) - 1
	if uint64(len(b)) < uint64(numNeighbors)*types.HashSize {
		return nil, ErrMalformedProof
	}
	neighbors := make([]merkle.Neighbor, numNeighbors)
	for i := 0; i < numNeighbors; i++ {
		var h types.Hash
		copy(h[:], b[i*types.HashSize:(i+1)*types.HashSize])
		neighbors[i] = merkle.Neighbor{Right: positions&(1<<uint(i)) != 0, Hash: h}
	}
	return &CallProof{VerificationKey: key, Neighbors: neighbors}, nil
}
