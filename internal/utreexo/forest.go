// Package utreexo implements the dynamic hash-based accumulator that stands
// in for the confidential UTXO set: a forest of perfect binary Merkle trees
// (at most one root per level, levels 0..63) supporting O(log n) inclusion
// proofs, O(log n) insertion and deletion, and periodic normalization that
// repacks survivors into a minimal new set of trees.
package utreexo

import (
	"encoding/binary"
	"errors"

	"github.com/ccoin/zkvm-core/internal/merkle"
	"github.com/ccoin/zkvm-core/pkg/types"
)

// MaxLevels bounds the forest at 2^64 leaves; a normalize that would need a
// 65th root level fails closed rather than silently wrapping.
const MaxLevels = 64

var (
	// ErrOutdatedProof is returned when a proof's generation does not match
	// the forest (or catchup) it is being used against, and cannot be
	// auto-updated (the generation gap is more than one).
	ErrOutdatedProof = errors.New("utreexo: proof is outdated and must be recreated")

	// ErrInvalidProof is returned when a proof is malformed or does not lead
	// to the node it claims to.
	ErrInvalidProof = errors.New("utreexo: invalid merkle proof")

	// ErrForestFull is returned when a normalize would require a tree
	// deeper than MaxLevels, i.e. more than 2^64 live leaves.
	ErrForestFull = errors.New("utreexo: forest exceeds 64 levels")
)

// Path is an inclusion path: Neighbors ordered from the leaf upward
// (Neighbors[0] is the leaf's sibling), with directions taken from the low
// bits of the position local to the root that contains it.
type Path struct {
	Position  uint64
	Neighbors []types.Hash
}

// Proof accompanies an item presented for deletion or membership
// verification. A Proof with a nil Path is "transient": it identifies an
// item inserted since the last normalization, found by direct lookup among
// the pending roots rather than by walking a Merkle path.
type Proof struct {
	Generation uint64
	Path       *Path
}

// nodeIndex addresses a node within a WorkForest's arena.
type nodeIndex int

type node struct {
	hash     types.Hash
	level    int
	children *[2]nodeIndex
	modified bool
}

type arena struct {
	nodes []node
}

func (a *arena) allocate(hash types.Hash, level int, children *[2]nodeIndex) nodeIndex {
	a.nodes = append(a.nodes, node{hash: hash, level: level, children: children})
	return nodeIndex(len(a.nodes) - 1)
}

func (a *arena) at(i nodeIndex) node { return a.nodes[i] }

func (a *arena) setChildren(i nodeIndex, c *[2]nodeIndex) { a.nodes[i].children = c }

func (a *arena) setModified(i nodeIndex) { a.nodes[i].modified = true }

// Forest is the immutable, normalized accumulator state: at most one root
// hash per level.
type Forest struct {
	generation uint64
	roots      [MaxLevels]*types.Hash
	hasher     merkle.Hasher
}

// NewForest returns the empty forest at generation 0.
func NewForest() *Forest {
	return &Forest{hasher: merkle.NewHasher("ZkVM.utreexo")}
}

// rootLevels returns (level, hash) pairs from the highest occupied level to
// the lowest; this is the canonical ordering in which absolute leaf
// positions are assigned across the whole forest.
func (f *Forest) rootLevels() []struct {
	level int
	hash  types.Hash
} {
	var out []struct {
		level int
		hash  types.Hash
	}
	for level := MaxLevels - 1; level >= 0; level-- {
		if f.roots[level] != nil {
			out = append(out, struct {
				level int
				hash  types.Hash
			}{level, *f.roots[level]})
		}
	}
	return out
}

// Root folds the forest's roots into a single top hash: the highest root is
// nested on the right at every step, i.e. hash(R_top, hash(..., hash(R1, R0))).
func (f *Forest) Root() types.Hash {
	levels := f.rootLevels()
	if len(levels) == 0 {
		return f.hasher.Empty()
	}
	acc := levels[len(levels)-1].hash
	for i := len(levels) - 2; i >= 0; i-- {
		acc = f.hasher.Node(levels[i].hash, acc)
	}
	return acc
}

// Verify checks that item, at the position recorded in proof.Path, is
// included under this forest's current roots.
func (f *Forest) Verify(item []byte, proof Proof) error {
	if proof.Generation != f.generation {
		return ErrOutdatedProof
	}
	if proof.Path == nil {
		return ErrInvalidProof
	}
	path := proof.Path

	levels := f.rootLevels()
	idx, offset, ok := locatePosition(levelNumbers(levels), path.Position)
	if !ok {
		return ErrInvalidProof
	}
	rootLevel := levels[idx].level
	if len(path.Neighbors) != rootLevel {
		return ErrInvalidProof
	}
	localPos := path.Position - offset

	hash := f.hasher.Leaf(item)
	for lvl := 0; lvl < rootLevel; lvl++ {
		sib := path.Neighbors[lvl]
		if (localPos>>uint(lvl))&1 == 0 {
			hash = f.hasher.Node(hash, sib)
		} else {
			hash = f.hasher.Node(sib, hash)
		}
	}
	if hash != levels[idx].hash {
		return ErrInvalidProof
	}
	return nil
}

// WorkForest returns a mutable working copy seeded from this forest's
// roots, ready for a sequence of Insert/Delete calls followed by Normalize.
func (f *Forest) WorkForest() *WorkForest {
	a := &arena{}
	levels := f.rootLevels()
	roots := make([]nodeIndex, len(levels))
	for i, l := range levels {
		roots[i] = a.allocate(l.hash, l.level, nil)
	}
	return &WorkForest{generation: f.generation, roots: roots, arena: a, hasher: f.hasher}
}

// Update runs fn against a fresh WorkForest derived from f, then normalizes
// the result. On any error from fn or from normalization, f is returned
// unchanged: a WorkForest is always a disposable copy, so there is nothing
// to roll back.
func (f *Forest) Update(fn func(*WorkForest) error) (*Forest, *Catchup, error) {
	w := f.WorkForest()
	if err := fn(w); err != nil {
		return f, nil, err
	}
	next, catchup, err := w.Normalize()
	if err != nil {
		return f, nil, err
	}
	return next, catchup, nil
}

// WorkForest is the mutable state used while applying a batch of
// insertions and deletions. Deleted leaves are marked rather than removed
// so that Normalize can repack whatever was not touched into new, minimal
// trees.
type WorkForest struct {
	generation uint64
	roots      []nodeIndex // highest level first, mirrors Forest.rootLevels order
	arena      *arena
	hasher     merkle.Hasher
}

// Insert appends a new leaf as its own level-0 root and returns a transient
// proof for it (Path is nil: the item has no Merkle path until the next
// Normalize).
func (w *WorkForest) Insert(item []byte) Proof {
	hash := w.hasher.Leaf(item)
	idx := w.arena.allocate(hash, 0, nil)
	w.roots = append(w.roots, idx)
	return Proof{Generation: w.generation, Path: nil}
}

func (w *WorkForest) rootLevels() []int {
	levels := make([]int, len(w.roots))
	for i, idx := range w.roots {
		levels[i] = w.arena.at(idx).level
	}
	return levels
}

// Delete marks item as removed. A transient proof (Path == nil) is resolved
// by scanning the pending level-0 roots for a live, unmarked match. A
// committed proof is verified and then splices the path into the arena
// (reusing whatever part of the tree an earlier Delete in this batch already
// expanded) and marks every node from the root down to the leaf as
// modified.
func (w *WorkForest) Delete(item []byte, proof Proof) error {
	if proof.Generation != w.generation {
		return ErrOutdatedProof
	}
	leafHash := w.hasher.Leaf(item)

	if proof.Path == nil {
		for i, idx := range w.roots {
			n := w.arena.at(idx)
			if n.level == 0 && n.hash == leafHash && !n.modified {
				w.roots = append(w.roots[:i:i], w.roots[i+1:]...)
				return nil
			}
		}
		return ErrInvalidProof
	}

	path := proof.Path
	rootIdxInSlice, offset, ok := locatePosition(w.rootLevels(), path.Position)
	if !ok {
		return ErrInvalidProof
	}
	rootIdx := w.roots[rootIdxInSlice]
	rootNode := w.arena.at(rootIdx)
	rootLevel := rootNode.level
	if len(path.Neighbors) != rootLevel {
		return ErrInvalidProof
	}
	localPos := path.Position - offset

	// Recompute the leaf-to-root chain bottom-up from the proof, checking
	// it lands on the root's (immutable) hash.
	pairs := make([][2]types.Hash, rootLevel)
	hash := leafHash
	for lvl := 0; lvl < rootLevel; lvl++ {
		sib := path.Neighbors[lvl]
		var left, right types.Hash
		if (localPos>>uint(lvl))&1 == 0 {
			left, right = hash, sib
		} else {
			left, right = sib, hash
		}
		pairs[lvl] = [2]types.Hash{left, right}
		hash = w.hasher.Node(left, right)
	}
	if hash != rootNode.hash {
		return ErrInvalidProof
	}

	// Walk the chain top-down, reusing already-expanded children (from an
	// earlier Delete touching the same tree) or allocating new ones, and
	// mark every node on the path modified.
	idx := rootIdx
	for level := rootLevel; level > 0; level-- {
		w.arena.setModified(idx)
		n := w.arena.at(idx)
		bit := (localPos >> uint(level-1)) & 1
		left, right := pairs[level-1][0], pairs[level-1][1]
		if n.children != nil {
			children := *n.children
			next := children[bit]
			expected := left
			if bit == 1 {
				expected = right
			}
			if w.arena.at(next).hash != expected {
				return ErrInvalidProof
			}
			idx = next
		} else {
			leftIdx := w.arena.allocate(left, level-1, nil)
			rightIdx := w.arena.allocate(right, level-1, nil)
			w.arena.setChildren(idx, &[2]nodeIndex{leftIdx, rightIdx})
			if bit == 0 {
				idx = leftIdx
			} else {
				idx = rightIdx
			}
		}
	}

	leaf := w.arena.at(idx)
	if leaf.hash != leafHash || leaf.modified {
		return ErrInvalidProof
	}
	w.arena.setModified(idx)
	return nil
}

// collectSurvivors descends idx, keeping whole unmodified subtrees intact
// and recursing only into modified ones, accumulating the (hash, level)
// pairs that make up what remains after deletion.
func (w *WorkForest) collectSurvivors(idx nodeIndex, out *[]node) {
	n := w.arena.at(idx)
	if !n.modified {
		*out = append(*out, n)
		return
	}
	if n.children != nil {
		w.collectSurvivors(n.children[0], out)
		w.collectSurvivors(n.children[1], out)
	}
}

// Normalize repacks whatever survived deletion into the minimal set of
// perfect trees, returning the next immutable Forest generation and a
// Catchup usable to update proofs made against the previous generation.
func (w *WorkForest) Normalize() (*Forest, *Catchup, error) {
	var survivors []node
	for _, idx := range w.roots {
		w.collectSurvivors(idx, &survivors)
	}

	newArena := &arena{}
	var slots [MaxLevels]*nodeIndex
	for _, s := range survivors {
		idx := newArena.allocate(s.hash, s.level, nil)
		level := s.level
		for slots[level] != nil {
			left := newArena.at(*slots[level])
			right := newArena.at(idx)
			parentHash := w.hasher.Node(left.hash, right.hash)
			if left.level+1 >= MaxLevels {
				return nil, nil, ErrForestFull
			}
			pair := [2]nodeIndex{*slots[level], idx}
			idx = newArena.allocate(parentHash, left.level+1, &pair)
			slots[level] = nil
			level++
		}
		placed := idx
		slots[level] = &placed
	}

	newRoots := make([]nodeIndex, 0, MaxLevels)
	var forestRoots [MaxLevels]*types.Hash
	for level := MaxLevels - 1; level >= 0; level-- {
		if slots[level] == nil {
			continue
		}
		n := newArena.at(*slots[level])
		newRoots = append(newRoots, *slots[level])
		h := n.hash
		forestRoots[level] = &h
	}

	nextWork := &WorkForest{generation: w.generation + 1, roots: newRoots, arena: newArena, hasher: w.hasher}
	nextForest := &Forest{generation: w.generation + 1, roots: forestRoots, hasher: w.hasher}

	catchupMap := make(map[types.Hash]uint64, len(survivors))
	var base uint64
	for _, idx := range newRoots {
		n := newArena.at(idx)
		assignPositions(newArena, idx, base, catchupMap)
		base += uint64(1) << uint(n.level)
	}

	return nextForest, &Catchup{forest: nextWork, positions: catchupMap}, nil
}

func assignPositions(a *arena, idx nodeIndex, base uint64, out map[types.Hash]uint64) {
	n := a.at(idx)
	if n.children == nil {
		out[n.hash] = base
		return
	}
	half := uint64(1) << uint(n.level-1)
	assignPositions(a, n.children[0], base, out)
	assignPositions(a, n.children[1], base+half, out)
}

// Catchup rewrites a proof made against the previous generation of a forest
// into one valid against the current generation, provided the item it
// names survived whatever deletions happened in between.
type Catchup struct {
	forest    *WorkForest
	positions map[types.Hash]uint64
}

// UpdateProof brings proof up to date with c's generation. It fails with
// ErrOutdatedProof if proof is more than one generation behind.
func (c *Catchup) UpdateProof(item []byte, proof Proof) (Proof, error) {
	if proof.Generation == c.forest.generation {
		return proof, nil
	}
	if c.forest.generation == 0 || proof.Generation != c.forest.generation-1 {
		return Proof{}, ErrOutdatedProof
	}

	var path Path
	if proof.Path != nil {
		path = *proof.Path
	}

	cur := c.forest.hasher.Leaf(item)
	midlevel := 0
	pos, found := c.positions[cur]
	for i := 0; !found && i < len(path.Neighbors); i++ {
		sib := path.Neighbors[i]
		var left, right types.Hash
		if (path.Position>>uint(i))&1 == 0 {
			left, right = cur, sib
		} else {
			left, right = sib, cur
		}
		cur = c.forest.hasher.Node(left, right)
		midlevel = i + 1
		pos, found = c.positions[cur]
	}
	if !found {
		return Proof{}, ErrInvalidProof
	}

	mask := (uint64(1) << uint(midlevel)) - 1
	newPosition := pos + (path.Position & mask)
	newNeighbors := append([]types.Hash{}, path.Neighbors[:min(midlevel, len(path.Neighbors))]...)

	rootIdxInSlice, offset, ok := locatePosition(c.forest.rootLevels(), newPosition)
	if !ok {
		return Proof{}, ErrInvalidProof
	}
	rootIdx := c.forest.roots[rootIdxInSlice]
	rootLevel := c.forest.arena.at(rootIdx).level
	localPos := newPosition - offset

	additional, err := descendNeighbors(c.forest.arena, rootIdx, rootLevel, localPos, midlevel)
	if err != nil {
		return Proof{}, err
	}
	newNeighbors = append(newNeighbors, additional...)

	return Proof{Generation: c.forest.generation, Path: &Path{Position: newPosition, Neighbors: newNeighbors}}, nil
}

// descendNeighbors walks from root down to the node at depth `target`
// (counted from the leaf, i.e. stopping at level == target), collecting
// sibling hashes, and returns them ordered from the node upward (closest
// neighbor first) to match Path.Neighbors convention.
func descendNeighbors(a *arena, rootIdx nodeIndex, rootLevel int, localPos uint64, target int) ([]types.Hash, error) {
	var topDown []types.Hash
	idx := rootIdx
	for level := rootLevel; level > target; level-- {
		n := a.at(idx)
		if n.children == nil {
			return nil, ErrInvalidProof
		}
		bit := (localPos >> uint(level-1)) & 1
		children := *n.children
		var next, sib nodeIndex
		if bit == 0 {
			next, sib = children[0], children[1]
		} else {
			next, sib = children[1], children[0]
		}
		topDown = append(topDown, a.at(sib).hash)
		idx = next
	}
	for i, j := 0, len(topDown)-1; i < j; i, j = i+1, j-1 {
		topDown[i], topDown[j] = topDown[j], topDown[i]
	}
	return topDown, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func levelNumbers(levels []struct {
	level int
	hash  types.Hash
}) []int {
	out := make([]int, len(levels))
	for i, l := range levels {
		out[i] = l.level
	}
	return out
}

// locatePosition finds which tree (given levels ordered highest-first) an
// absolute position falls under, returning its index in levels and the
// offset (first absolute position) of that tree.
func locatePosition(levels []int, position uint64) (idx int, offset uint64, ok bool) {
	var off uint64
	for i, lvl := range levels {
		size := uint64(1) << uint(lvl)
		if position < off+size {
			return i, off, true
		}
		off += size
	}
	return 0, 0, false
}

// EncodeProof encodes a Proof per the block wire format: a transient proof is
// a single 0x00 byte; a committed proof is 0x01 followed by the absolute
// position, the neighbor count, and the neighbor hashes.
func EncodeProof(p Proof) []byte {
	if p.Path == nil {
		return []byte{0x00}
	}
	buf := make([]byte, 0, 1+8+4+len(p.Path.Neighbors)*types.HashSize)
	buf = append(buf, 0x01)
	var posBuf [8]byte
	binary.LittleEndian.PutUint64(posBuf[:], p.Path.Position)
	buf = append(buf, posBuf[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.Path.Neighbors)))
	buf = append(buf, lenBuf[:]...)
	for _, n := range p.Path.Neighbors {
		buf = append(buf, n[:]...)
	}
	return buf
}

// DecodeProof is the inverse of EncodeProof. The returned Proof's
// Generation is left zero; callers attach the generation of the forest they
// intend to verify against.
func DecodeProof(b []byte) (Proof, error) {
	if len(b) < 1 {
		return Proof{}, ErrInvalidProof
	}
	if b[0] == 0x00 {
		return Proof{Path: nil}, nil
	}
	if b[0] != 0x01 {
		return Proof{}, ErrInvalidProof
	}
	b = b[1:]
	if len(b) < 8+4 {
		return Proof{}, ErrInvalidProof
	}
	position := binary.LittleEndian.Uint64(b)
	b = b[8:]
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(count)*types.HashSize {
		return Proof{}, ErrInvalidProof
	}
	neighbors := make([]types.Hash, count)
	for i := range neighbors {
		copy(neighbors[i][:], b[i*types.HashSize:(i+1)*types.HashSize])
	}
	return Proof{Path: &Path{Position: position, Neighbors: neighbors}}, nil
}
