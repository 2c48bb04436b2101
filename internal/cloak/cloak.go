// Package cloak implements the value-conservation and range-proof gadget
// behind the VM's cloak opcode: given m wide input values and n (quantity,
// flavor) output pairs, it proves the multiset of input (quantity, flavor)
// pairs equals the multiset of outputs, and that every output quantity lies
// in [0, 2^64). Input quantities and flavors stay private witnesses; output
// quantities and flavors are public inputs, so the verifier sees them in
// the clear. The R1CS itself is built with gnark, following the same
// CircuitManager/CompiledCircuit shape used elsewhere in this module for
// zk-SNARK circuits; the range/multiset gadget is exposed to the VM only
// as an opaque prover/verifier producing a single proof blob.
package cloak

import (
	"bytes"
	"errors"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

const ScalarBits = 64

var (
	ErrShapeNotCompiled  = errors.New("cloak: no circuit compiled for this (m, n) shape")
	ErrProofFailed       = errors.New("cloak: proof generation failed")
	ErrVerificationFailed = errors.New("cloak: proof verification failed")
)

// shape identifies a compiled circuit by its input/output arity, since
// gnark circuits are fixed-size: a cloak(m, n) call needs its own compiled
// circuit per (m, n) pair seen.
type shape struct{ m, n int }

// Manager compiles and caches cloak circuits on demand, keyed by (m, n).
type Manager struct {
	mu            sync.RWMutex
	provingKeys   map[shape]groth16.ProvingKey
	verifyingKeys map[shape]groth16.VerifyingKey
	constraints   map[shape]frontend.CompiledConstraintSystem

	mulOnce sync.Once
	mulErr  error
	mulCS   frontend.CompiledConstraintSystem
	mulPK   groth16.ProvingKey
	mulVK   groth16.VerifyingKey
}

// NewManager returns an empty circuit cache.
func NewManager() *Manager {
	return &Manager{
		provingKeys:   make(map[shape]groth16.ProvingKey),
		verifyingKeys: make(map[shape]groth16.VerifyingKey),
		constraints:   make(map[shape]frontend.CompiledConstraintSystem),
	}
}

// MulCircuit proves L*R=O for a pair of private factors and a public
// product, the single R1CS gate the VM's or constraint allocates each time
// it multiplies two non-constant linear combinations together (its Eq/And
// siblings stay purely linear, but Or needs an actual product).
type MulCircuit struct {
	L frontend.Variable
	R frontend.Variable
	O frontend.Variable `gnark:",public"`
}

// Define implements the circuit.
func (c *MulCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(api.Mul(c.L, c.R), c.O)
	return nil
}

func (mgr *Manager) compileMul() error {
	mgr.mulOnce.Do(func() {
		cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &MulCircuit{})
		if err != nil {
			mgr.mulErr = err
			return
		}
		pk, vk, err := groth16.Setup(cs)
		if err != nil {
			mgr.mulErr = err
			return
		}
		mgr.mulCS, mgr.mulPK, mgr.mulVK = cs, pk, vk
	})
	return mgr.mulErr
}

// ProveMul proves l*r=o for a fresh product o, returning both the proof
// and the product itself (the VM needs it to keep evaluating the
// expression the multiplication feeds into).
func (mgr *Manager) ProveMul(l, r int64) (proof []byte, o int64, err error) {
	if err := mgr.compileMul(); err != nil {
		return nil, 0, err
	}
	o = l * r
	witness, err := frontend.NewWitness(&MulCircuit{L: l, R: r, O: o}, ecc.BN254.ScalarField())
	if err != nil {
		return nil, 0, err
	}
	p, err := groth16.Prove(mgr.mulCS, mgr.mulPK, witness)
	if err != nil {
		return nil, 0, ErrProofFailed
	}
	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		return nil, 0, ErrProofFailed
	}
	return buf.Bytes(), o, nil
}

// VerifyMul checks a ProveMul proof against its public product o.
func (mgr *Manager) VerifyMul(o int64, proofBytes []byte) error {
	if err := mgr.compileMul(); err != nil {
		return err
	}
	public := &MulCircuit{O: o}
	witness, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return ErrVerificationFailed
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return ErrVerificationFailed
	}
	if err := groth16.Verify(proof, mgr.mulVK, witness); err != nil {
		return ErrVerificationFailed
	}
	return nil
}

// Circuit is the cloak(m, n) R1CS: value conservation is checked via a
// grand-product permutation argument over Fiat-Shamir-derived challenges Y
// and Z (folding each (quantity, flavor) pair into one field element with
// Z, then comparing the product of (element - Y) across inputs and
// outputs), and each output quantity is range-checked by decomposing it
// into ScalarBits booleans and reconstructing it.
type Circuit struct {
	Y frontend.Variable `gnark:",public"`
	Z frontend.Variable `gnark:",public"`

	InQty    []frontend.Variable
	InFlavor []frontend.Variable

	OutQty    []frontend.Variable `gnark:",public"`
	OutFlavor []frontend.Variable `gnark:",public"`
}

// Define implements the circuit.
func (c *Circuit) Define(api frontend.API) error {
	prodIn := frontend.Variable(1)
	for i := range c.InQty {
		combined := api.Add(c.InQty[i], api.Mul(c.Z, c.InFlavor[i]))
		prodIn = api.Mul(prodIn, api.Sub(combined, c.Y))
	}

	prodOut := frontend.Variable(1)
	for j := range c.OutQty {
		combined := api.Add(c.OutQty[j], api.Mul(c.Z, c.OutFlavor[j]))
		prodOut = api.Mul(prodOut, api.Sub(combined, c.Y))

		// Range-check: decomposing into ScalarBits booleans and asserting
		// they reconstruct the value bounds it to [0, 2^ScalarBits).
		api.ToBinary(c.OutQty[j], ScalarBits)
	}

	api.AssertIsEqual(prodIn, prodOut)
	return nil
}

// Compile builds (or returns the cached) circuit for cloak(m, n).
func (mgr *Manager) Compile(m, n int) error {
	key := shape{m, n}
	mgr.mu.RLock()
	_, ok := mgr.constraints[key]
	mgr.mu.RUnlock()
	if ok {
		return nil
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if _, ok := mgr.constraints[key]; ok {
		return nil
	}

	circuit := &Circuit{
		InQty:     make([]frontend.Variable, m),
		InFlavor:  make([]frontend.Variable, m),
		OutQty:    make([]frontend.Variable, n),
		OutFlavor: make([]frontend.Variable, n),
	}
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return err
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return err
	}
	mgr.constraints[key] = cs
	mgr.provingKeys[key] = pk
	mgr.verifyingKeys[key] = vk
	return nil
}

// Witness is the prover's private view of a cloak(m, n) call.
type Witness struct {
	Y, Z                 int64
	InQty, InFlavor      []int64
	OutQty, OutFlavor    []int64
}

// Prove produces the opaque proof blob attached to a transaction's
// rangeproof field.
func (mgr *Manager) Prove(w Witness) ([]byte, error) {
	m, n := len(w.InQty), len(w.OutQty)
	key := shape{m, n}
	if err := mgr.Compile(m, n); err != nil {
		return nil, err
	}

	mgr.mu.RLock()
	cs := mgr.constraints[key]
	pk := mgr.provingKeys[key]
	mgr.mu.RUnlock()

	assignment := &Circuit{
		Y:         w.Y,
		Z:         w.Z,
		InQty:     toVariables(w.InQty),
		InFlavor:  toVariables(w.InFlavor),
		OutQty:    toVariables(w.OutQty),
		OutFlavor: toVariables(w.OutFlavor),
	}

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	proof, err := groth16.Prove(cs, pk, witness)
	if err != nil {
		return nil, ErrProofFailed
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, ErrProofFailed
	}
	return buf.Bytes(), nil
}

// Verify checks a cloak(m, n) proof against its public inputs: the two
// Fiat-Shamir challenges and the (necessarily public, since this is a
// confidentiality-of-quantity, not a confidentiality-of-existence, gadget
// for outputs) output quantities and flavors.
func (mgr *Manager) Verify(m, n int, y, z int64, outQty, outFlavor []int64, proofBytes []byte) error {
	key := shape{m, n}
	mgr.mu.RLock()
	vk, ok := mgr.verifyingKeys[key]
	mgr.mu.RUnlock()
	if !ok {
		return ErrShapeNotCompiled
	}

	public := &Circuit{
		Y:         y,
		Z:         z,
		OutQty:    toVariables(outQty),
		OutFlavor: toVariables(outFlavor),
	}
	witness, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return ErrVerificationFailed
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return ErrVerificationFailed
	}
	if err := groth16.Verify(proof, vk, witness); err != nil {
		return ErrVerificationFailed
	}
	return nil
}

func toVariables(vals []int64) []frontend.Variable {
	out := make([]frontend.Variable, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
