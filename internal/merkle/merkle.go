// Package merkle implements the domain-separated binary Merkle tree shared
// by the transaction log (label "ZkVM.txid"), the Utreexo forest (label
// "ZkVM.utreexo"), and the predicate tree (label "ZkVM.taproot"). Hashing is
// expressed entirely as transcript operations so every tree in the system
// derives its node hashes the same way, keyed only by its domain label.
package merkle

import (
	"github.com/ccoin/zkvm-core/internal/transcript"
	"github.com/ccoin/zkvm-core/pkg/types"
)

// Hasher computes leaf, node, and empty hashes under a single domain label.
type Hasher struct {
	label string
}

// NewHasher returns a Hasher scoped to the given domain label.
func NewHasher(label string) Hasher { return Hasher{label: label} }

// Leaf hashes a single item: H(label, "merkle.leaf", item).
func (h Hasher) Leaf(item []byte) types.Hash {
	t := transcript.New(h.label)
	t.AppendMessage("merkle.leaf", item)
	return challengeHash(t, "merkle.leaf-out")
}

// Node hashes a pair of children: H(label, "merkle.node", L, R).
func (h Hasher) Node(left, right types.Hash) types.Hash {
	t := transcript.New(h.label)
	t.AppendMessage("merkle.node", nil)
	t.AppendMessage("left", left[:])
	t.AppendMessage("right", right[:])
	return challengeHash(t, "merkle.node-out")
}

// Empty is the root of a tree with zero leaves: H(label, "merkle.empty").
func (h Hasher) Empty() types.Hash {
	t := transcript.New(h.label)
	t.AppendMessage("merkle.empty", nil)
	return challengeHash(t, "merkle.empty-out")
}

func challengeHash(t *transcript.Transcript, label string) types.Hash {
	var out types.Hash
	t.ChallengeBytes(label, out[:])
	return out
}

// Root computes the Merkle root of an ordered list of leaf items. A
// non-power-of-two list is split at the largest power of two <= n/2 and
// folded recursively, matching the recursive construction used for the
// self-contained TxID tree.
func (h Hasher) Root(items [][]byte) types.Hash {
	leaves := make([]types.Hash, len(items))
	for i, it := range items {
		leaves[i] = h.Leaf(it)
	}
	return h.rootOfHashes(leaves)
}

func (h Hasher) rootOfHashes(leaves []types.Hash) types.Hash {
	switch len(leaves) {
	case 0:
		return h.Empty()
	case 1:
		return leaves[0]
	default:
		k := largestPowerOfTwoLessThan(len(leaves))
		left := h.rootOfHashes(leaves[:k])
		right := h.rootOfHashes(leaves[k:])
		return h.Node(left, right)
	}
}

// largestPowerOfTwoLessThan returns the largest power of two strictly less
// than n (n > 1), i.e. the split point used by the recursive root
// construction.
func largestPowerOfTwoLessThan(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

// Neighbor is one step of an explicit-direction inclusion path: Right
// reports whether the neighbor sits to the right of the path at this level.
// Unlike Path, this shape does not assume a perfect binary tree, so it is
// what the recursive, non-power-of-two-aware Root construction produces.
type Neighbor struct {
	Right bool
	Hash  types.Hash
}

// ErrIndexOutOfRange is returned by PathTo when index is not a valid leaf
// position for the given item list.
var ErrIndexOutOfRange = indexOutOfRangeErr{}

type indexOutOfRangeErr struct{}

func (indexOutOfRangeErr) Error() string { return "merkle: index out of range" }

// PathTo computes the inclusion path for items[index], ordered from the
// leaf upward, using the same recursive split as Root.
func (h Hasher) PathTo(items [][]byte, index int) ([]Neighbor, error) {
	leaves := make([]types.Hash, len(items))
	for i, it := range items {
		leaves[i] = h.Leaf(it)
	}
	return h.pathToHash(leaves, index)
}

func (h Hasher) pathToHash(leaves []types.Hash, index int) ([]Neighbor, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndexOutOfRange
	}
	if len(leaves) == 1 {
		return nil, nil
	}
	k := largestPowerOfTwoLessThan(len(leaves))
	if index < k {
		rightRoot := h.rootOfHashes(leaves[k:])
		rest, err := h.pathToHash(leaves[:k], index)
		if err != nil {
			return nil, err
		}
		return append(rest, Neighbor{Right: true, Hash: rightRoot}), nil
	}
	leftRoot := h.rootOfHashes(leaves[:k])
	rest, err := h.pathToHash(leaves[k:], index-k)
	if err != nil {
		return nil, err
	}
	return append(rest, Neighbor{Right: false, Hash: leftRoot}), nil
}

// RootFromPath recomputes a root given a leaf item and its explicit-direction
// path, without access to the rest of the tree.
func (h Hasher) RootFromPath(item []byte, neighbors []Neighbor) types.Hash {
	cur := h.Leaf(item)
	for _, n := range neighbors {
		if n.Right {
			cur = h.Node(cur, n.Hash)
		} else {
			cur = h.Node(n.Hash, cur)
		}
	}
	return cur
}

// VerifyExplicitPath is RootFromPath followed by a comparison to root.
func (h Hasher) VerifyExplicitPath(item []byte, neighbors []Neighbor, root types.Hash) bool {
	return h.RootFromPath(item, neighbors) == root
}

// Path is an inclusion path from a leaf to a root: neighbors ordered from
// the leaf upward, with directions taken from the low bits of position (bit
// i of position selects whether the path's node is the left or right child
// at level i).
type Path struct {
	Position  uint64
	Neighbors []types.Hash
}

// Verify recomputes the root by folding leaf upward through the path's
// neighbors and checks it matches expectedRoot.
func (h Hasher) Verify(leaf types.Hash, path Path, expectedRoot types.Hash) bool {
	cur := leaf
	pos := path.Position
	for _, sib := range path.Neighbors {
		if pos&1 == 0 {
			cur = h.Node(cur, sib)
		} else {
			cur = h.Node(sib, cur)
		}
		pos >>= 1
	}
	return cur == expectedRoot
}

// Builder is the online slot-cascade accumulator: appending an item fills
// level-0 or cascades upward combining with whatever partial roots are
// already pending, identical in shape to Utreexo forest normalization.
type Builder struct {
	hasher Hasher
	slots  [64]*types.Hash // slot i holds a perfect root of 2^i leaves, or nil
	count  uint64
}

// NewBuilder returns an empty online Merkle builder under the given label.
func NewBuilder(label string) *Builder {
	return &Builder{hasher: NewHasher(label)}
}

// Append inserts one item, cascading upward through any already-filled
// slots exactly as WorkForest.Normalize reassembles preserved nodes.
func (b *Builder) Append(item []byte) {
	cur := b.hasher.Leaf(item)
	level := 0
	for b.slots[level] != nil {
		cur = b.hasher.Node(*b.slots[level], cur)
		b.slots[level] = nil
		level++
	}
	b.slots[level] = &cur
	b.count++
}

// Root folds all occupied slots largest-to-smallest into a single root. An
// empty builder returns the empty-tree hash.
func (b *Builder) Root() types.Hash {
	var acc *types.Hash
	for level := 63; level >= 0; level-- {
		if b.slots[level] == nil {
			continue
		}
		if acc == nil {
			v := *b.slots[level]
			acc = &v
		} else {
			v := b.hasher.Node(*b.slots[level], *acc)
			acc = &v
		}
	}
	if acc == nil {
		empty := b.hasher.Empty()
		return empty
	}
	return *acc
}

// Count returns the number of items appended so far.
func (b *Builder) Count() uint64 { return b.count }
