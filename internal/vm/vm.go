// Package vm implements the ZkVM: a stack machine that executes a
// transaction's program, producing a transaction log and a set of deferred
// point operations that, verified together with the transaction's
// signature and cloak proof, constitute a valid confidential transaction.
package vm

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ccoin/zkvm-core/internal/cloak"
	"github.com/ccoin/zkvm-core/internal/merkle"
	"github.com/ccoin/zkvm-core/internal/musig"
	"github.com/ccoin/zkvm-core/internal/pointops"
	"github.com/ccoin/zkvm-core/internal/predicate"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
	"github.com/ccoin/zkvm-core/pkg/types"
)

// Opcode is a single ZkVM instruction byte. The byte space is 0x00..0x25
// inclusive (MaxOpcode); bytes above that are the extension range, treated
// as no-ops when the running transaction's version exceeds CurrentVersion.
//
// A handful of operations the interpreter dispatches on (the not/or pair,
// and the signtx/signid/signtag family) share a single opcode byte with a
// one-byte discriminant immediately following it, the same idiom the
// opcode set already uses for range's bit width and cloak's m/n — there is
// no free byte left in 0x00..0x25 once every other opcode claims one, and
// these three never had a settled byte assignment of their own to begin
// with (see DESIGN.md's ZkVM entry for how that was established).
type Opcode byte

const MaxOpcode = 0x25

const (
	OpPush Opcode = 0x00
	OpDrop Opcode = 0x01
	OpDup  Opcode = 0x02
	OpRoll Opcode = 0x03

	OpConst   Opcode = 0x04
	OpVar     Opcode = 0x05 // also carries the expr conversion, see varKind*
	OpAlloc   Opcode = 0x06
	OpMintime Opcode = 0x07
	OpMaxtime Opcode = 0x08

	OpNeg    Opcode = 0x09
	OpAdd    Opcode = 0x0a
	OpMul    Opcode = 0x0b
	OpEq     Opcode = 0x0c
	OpRange  Opcode = 0x0d
	OpAnd    Opcode = 0x0e
	OpOr     Opcode = 0x0f // also carries not, see combKind*
	OpVerify Opcode = 0x10

	OpBlind   Opcode = 0x11
	OpReblind Opcode = 0x12
	OpUnblind Opcode = 0x13

	OpIssue  Opcode = 0x14
	OpBorrow Opcode = 0x15
	OpRetire Opcode = 0x16
	OpQty    Opcode = 0x17
	OpFlavor Opcode = 0x18
	OpCloak  Opcode = 0x19

	OpImport Opcode = 0x1a
	OpExport Opcode = 0x1b

	OpInput    Opcode = 0x1c
	OpOutput   Opcode = 0x1d
	OpContract Opcode = 0x1e
	OpNonce    Opcode = 0x1f
	OpLog      Opcode = 0x20

	OpSigntx Opcode = 0x21 // also carries signid/signtag, see signScope*

	OpCall     Opcode = 0x22
	OpLeft     Opcode = 0x23
	OpRight    Opcode = 0x24
	OpDelegate Opcode = 0x25
)

// Discriminant bytes read immediately after OpVar.
const (
	varKindVar  byte = 0 // pop a point, push a Variable
	varKindExpr byte = 1 // pop a Variable, push its Expression
)

// Discriminant bytes read immediately after OpOr.
const (
	combKindOr  byte = 0 // pop two constraints
	combKindNot byte = 1 // pop one constraint
)

// Discriminant bytes read immediately after OpSigntx.
const (
	signScopeTx  byte = 0 // whole-transaction signature, no scope popped
	signScopeID  byte = 1 // scoped to this contract's id
	signScopeTag byte = 2 // scoped to an explicit caller-chosen tag
)

var (
	ErrStackUnderflow       = errors.New("vm: stack underflow")
	ErrTypeMismatch         = errors.New("vm: item has wrong type for this operation")
	ErrConstraintFailed     = errors.New("vm: verify failed on unsatisfied constraint")
	ErrConstraintNeedsWitness = errors.New("vm: constraint cannot be checked without a prover-known witness")
	ErrUnknownOpcode        = errors.New("vm: unknown opcode outside extension range")
	ErrMalformedProgram     = errors.New("vm: malformed program encoding")
	ErrUnfinishedProgram    = errors.New("vm: program ended with non-empty stack or no anchor")
	ErrRangeExceeded        = errors.New("vm: expression exceeds declared bit range")
	ErrBadFlavor            = errors.New("vm: issued flavor does not match its predicate and metadata")
	ErrAnchorMissing        = errors.New("vm: no anchor available to build a contract")
	ErrNoCloakManager       = errors.New("vm: LC multiplication needs a cloak.Manager to prove the multiplier gate")
)

// ItemKind discriminates the tagged union Item represents. Go has no sum
// types, so Item carries one populated field per Kind, following the
// original's Item enum one-to-one.
type ItemKind int

const (
	KindString ItemKind = iota
	KindProgram
	KindContract
	KindValue
	KindWideValue
	KindVariable
	KindExpression
	KindConstraint
)

// Item is one stack slot.
type Item struct {
	Kind ItemKind

	Str     []byte
	Program []byte

	Contract *Contract
	Value    *Value
	Wide     *WideValue
	Variable *Variable
	Expr     *Expression
	Cons     *Constraint
}

// Variable is a bound Pedersen commitment: a point the prover can open.
// Value is nil in a pure-verifier run that only ever saw the commitment.
type Variable struct {
	Commitment *ristretto.Point
	Value      *ristretto.Scalar
	Blinding   *ristretto.Scalar
}

// constTermIndex marks the implicit "1" wire a bare constant folds into
// once it is combined with a genuine linear combination, matching the
// R1CS convention that every term lives on some wire, constants included.
const constTermIndex = -1

// Term is one (coefficient, wire) pair of a linear combination. Point is
// the wire's backing Pedersen commitment when it has one (a variable
// introduced by var/expr); it is nil for freshly allocated or multiplied
// wires that exist only inside the constraint graph.
type Term struct {
	Index int
	Point *ristretto.Point
	Coeff *ristretto.Scalar
}

// Expression is a linear combination over R1CS wires: arithmetic opcodes
// build it symbolically (constants fold, an LC scaled by a constant scales
// every coefficient, an LC multiplied by another LC allocates a genuine
// multiplication gate) rather than collapsing straight to a cleartext
// scalar. Witness carries this VM's own (always prover-side) knowledge of
// the LC's value, when every term of it is known; Verify uses Witness to
// discharge a constraint; a witness-free Expression (one built from a
// variable the prover never unblinded) cannot currently be asserted zero,
// since doing so soundly needs a transparent R1CS engine this module does
// not carry (see DESIGN.md).
type Expression struct {
	Terms   []Term
	Witness *ristretto.Scalar
}

func constantExpr(s *ristretto.Scalar) *Expression {
	return &Expression{Terms: []Term{{Index: constTermIndex, Coeff: s}}, Witness: s}
}

func variableExpr(va *Variable, idx int) *Expression {
	return &Expression{
		Terms:   []Term{{Index: idx, Point: va.Commitment, Coeff: ristretto.ScalarFromUint64(1)}},
		Witness: va.Value,
	}
}

func (e *Expression) isConstant() bool {
	if len(e.Terms) == 0 {
		return true
	}
	return len(e.Terms) == 1 && e.Terms[0].Index == constTermIndex
}

// Add concatenates two linear combinations' terms; the combined witness is
// known only if both operands' witnesses were.
func (e *Expression) Add(o *Expression) *Expression {
	terms := append(append([]Term{}, e.Terms...), o.Terms...)
	var w *ristretto.Scalar
	if e.Witness != nil && o.Witness != nil {
		w = e.Witness.Add(o.Witness)
	}
	return &Expression{Terms: terms, Witness: w}
}

// Neg flips every coefficient's sign.
func (e *Expression) Neg() *Expression {
	terms := make([]Term, len(e.Terms))
	for i, t := range e.Terms {
		terms[i] = Term{Index: t.Index, Point: t.Point, Coeff: t.Coeff.Neg()}
	}
	var w *ristretto.Scalar
	if e.Witness != nil {
		w = e.Witness.Neg()
	}
	return &Expression{Terms: terms, Witness: w}
}

func (e *Expression) Sub(o *Expression) *Expression { return e.Add(o.Neg()) }

// ScaleBy multiplies every coefficient by a constant scalar.
func (e *Expression) ScaleBy(s *ristretto.Scalar) *Expression {
	terms := make([]Term, len(e.Terms))
	for i, t := range e.Terms {
		terms[i] = Term{Index: t.Index, Point: t.Point, Coeff: t.Coeff.Mul(s)}
	}
	var w *ristretto.Scalar
	if e.Witness != nil {
		w = e.Witness.Mul(s)
	}
	return &Expression{Terms: terms, Witness: w}
}

// Multiply implements the three cases the spec's arithmetic opcodes
// require: constant*constant folds directly, constant*LC scales the LC,
// and LC*LC allocates a genuine multiplication gate — proved with the
// cloak manager's generic multiplier circuit, since this module's only
// R1CS backend (gnark/Groth16) needs a concrete proof for each gate rather
// than deferring to a transparent constraint system the way bulletproofs
// does.
func (e *Expression) Multiply(o *Expression, v *VM) (*Expression, error) {
	if e.isConstant() && o.isConstant() {
		if e.Witness == nil || o.Witness == nil {
			return nil, ErrConstraintNeedsWitness
		}
		return constantExpr(e.Witness.Mul(o.Witness)), nil
	}
	if e.isConstant() {
		if e.Witness == nil {
			return nil, ErrConstraintNeedsWitness
		}
		return o.ScaleBy(e.Witness), nil
	}
	if o.isConstant() {
		if o.Witness == nil {
			return nil, ErrConstraintNeedsWitness
		}
		return e.ScaleBy(o.Witness), nil
	}
	if e.Witness == nil || o.Witness == nil {
		return nil, ErrConstraintNeedsWitness
	}
	if v.Cloak == nil {
		return nil, ErrNoCloakManager
	}
	proof, product, err := v.Cloak.ProveMul(scalarToInt64(e.Witness), scalarToInt64(o.Witness))
	if err != nil {
		return nil, err
	}
	v.allocCounter++
	v.MulProofs = append(v.MulProofs, MulProof{Output: product, Proof: proof})
	return &Expression{
		Terms:   []Term{{Index: int(v.allocCounter), Coeff: ristretto.ScalarFromUint64(1)}},
		Witness: ristretto.ScalarFromUint64(uint64(product)),
	}, nil
}

// MulProof is a gnark-backed proof that Output is the product of two
// committed-but-unrevealed linear combinations, recorded each time the or
// constraint (or a plain mul opcode) multiplies two non-constant
// expressions together.
type MulProof struct {
	Output int64
	Proof  []byte
}

// ConstraintKind discriminates the Constraint AST node.
type ConstraintKind int

const (
	ConstraintEq ConstraintKind = iota
	ConstraintAnd
	ConstraintOr
	ConstraintNot
)

// Constraint is the Eq/And/Or/Not tree the boolean opcodes build; Verify
// flattens it to a single linear combination and asserts it is zero,
// rather than evaluating the tree to a bool as it is built.
type Constraint struct {
	Kind   ConstraintKind
	E1, E2 *Expression // operands of Eq
	C1, C2 *Constraint // operands of And/Or; C2 is nil for Not
}

// Flatten reduces the constraint tree to one linear combination that is
// zero iff the constraint holds: Eq subtracts its two sides; And combines
// its operands' flattened forms with a Fiat-Shamir challenge scalar so a
// single check covers both; Or multiplies them, since a product is zero
// iff at least one factor is (this is also why Or needs a genuine
// multiplication gate, not just linear combination); Not complements its
// operand as `1 - x`, the standard way to negate a {0,1}-valued wire in an
// R1CS, filling in what the original left as a "TBD: add Not" comment.
func (c *Constraint) Flatten(v *VM) (*Expression, error) {
	switch c.Kind {
	case ConstraintEq:
		return c.E1.Sub(c.E2), nil
	case ConstraintAnd:
		a, err := c.C1.Flatten(v)
		if err != nil {
			return nil, err
		}
		b, err := c.C2.Flatten(v)
		if err != nil {
			return nil, err
		}
		z := andChallenge(a, b)
		return a.Add(b.ScaleBy(z)), nil
	case ConstraintOr:
		a, err := c.C1.Flatten(v)
		if err != nil {
			return nil, err
		}
		b, err := c.C2.Flatten(v)
		if err != nil {
			return nil, err
		}
		return a.Multiply(b, v)
	case ConstraintNot:
		a, err := c.C1.Flatten(v)
		if err != nil {
			return nil, err
		}
		return constantExpr(ristretto.ScalarFromUint64(1)).Sub(a), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// Verify flattens the constraint and asserts the result is zero.
func (c *Constraint) Verify(v *VM) error {
	flat, err := c.Flatten(v)
	if err != nil {
		return err
	}
	if flat.Witness == nil {
		return ErrConstraintNeedsWitness
	}
	if !flat.Witness.IsZero() {
		return ErrConstraintFailed
	}
	return nil
}

// andChallenge derives the scalar that binds two flattened constraints
// into one, fresh per call and bound to both operands' actual coefficients
// so it cannot be predicted before the constraint is built.
func andChallenge(a, b *Expression) *ristretto.Scalar {
	t := transcript.New("ZkVM.verify.and-challenge")
	appendExpr(t, "left", a)
	appendExpr(t, "right", b)
	return t.ChallengeScalar("z")
}

func appendExpr(t *transcript.Transcript, label string, e *Expression) {
	t.AppendU64(label+"-terms", uint64(len(e.Terms)))
	for _, term := range e.Terms {
		t.AppendScalar(label+"-coeff", term.Coeff)
		if term.Point != nil {
			t.AppendPoint(label+"-point", term.Point)
		}
	}
}

// Value is a quantity tagged with a flavor, each a committed Variable: the
// unit of value the VM moves between contracts.
type Value struct {
	Qty    *Variable
	Flavor *Variable
}

// WideValue additionally allows a negative quantity, the form borrow and
// cloak's intermediate merge/split variables take before they are proven
// non-negative.
type WideValue struct {
	Qty    *Expression
	Flavor *Expression
}

// PortableItem tags the kinds of Item a Contract's payload may carry once
// serialized; only Value and opaque string data are supported, matching
// the realistic issue/transfer/retire payloads this VM builds.
const (
	portableValue  byte = 0
	portableString byte = 1
)

// Contract is a predicate guarding a payload of items, anchored to a point
// in the transaction's anchor ratchet so that two contracts with identical
// contents still commit to distinct ids.
type Contract struct {
	Predicate predicate.Predicate
	Payload   []Item
	Anchor    types.Hash
}

// ID computes the contract's identifier: a transcript challenge over its
// predicate, payload, and anchor. Two contracts differing in any of those
// have different ids; this is what input logs and what output's anchor
// ratchets from.
func (c *Contract) ID() types.Hash {
	t := transcript.New("ZkVM.contractid")
	t.AppendPoint("predicate", c.Predicate.Point())
	t.AppendMessage("anchor", c.Anchor[:])
	t.AppendU64("payload-len", uint64(len(c.Payload)))
	for _, item := range c.Payload {
		enc, _ := encodePortableItem(item) // validated when the contract was built or decoded
		t.AppendMessage("item", enc)
	}
	var out types.Hash
	t.ChallengeBytes("id", out[:])
	return out
}

// Encode serializes the contract for logging (output) and for a later
// input to consume.
func (c *Contract) Encode() ([]byte, error) {
	buf := append([]byte{}, c.Predicate.Point().Bytes()...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(c.Payload)))
	buf = append(buf, lenBuf[:]...)
	for _, item := range c.Payload {
		enc, err := encodePortableItem(item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	buf = append(buf, c.Anchor[:]...)
	return buf, nil
}

// DecodeContract parses the wire form Encode produces.
func DecodeContract(b []byte) (*Contract, error) {
	if len(b) < types.PointSize+4 {
		return nil, ErrMalformedProgram
	}
	predPoint, err := ristretto.PointFromBytes(b[:types.PointSize])
	if err != nil {
		return nil, err
	}
	off := types.PointSize
	n := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	payload := make([]Item, 0, n)
	for i := uint32(0); i < n; i++ {
		item, consumed, err := decodePortableItem(b[off:])
		if err != nil {
			return nil, err
		}
		payload = append(payload, item)
		off += consumed
	}
	if len(b)-off != types.HashSize {
		return nil, ErrMalformedProgram
	}
	var anchor types.Hash
	copy(anchor[:], b[off:])
	return &Contract{Predicate: predicate.Opaque(predPoint), Payload: payload, Anchor: anchor}, nil
}

func encodePortableItem(item Item) ([]byte, error) {
	switch item.Kind {
	case KindValue:
		out := make([]byte, 0, 1+2*types.PointSize)
		out = append(out, portableValue)
		out = append(out, item.Value.Qty.Commitment.Bytes()...)
		out = append(out, item.Value.Flavor.Commitment.Bytes()...)
		return out, nil
	case KindString:
		out := make([]byte, 0, 5+len(item.Str))
		out = append(out, portableString)
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(item.Str)))
		out = append(out, l[:]...)
		out = append(out, item.Str...)
		return out, nil
	default:
		return nil, ErrTypeMismatch
	}
}

func decodePortableItem(b []byte) (Item, int, error) {
	if len(b) < 1 {
		return Item{}, 0, ErrMalformedProgram
	}
	switch b[0] {
	case portableValue:
		if len(b) < 1+2*types.PointSize {
			return Item{}, 0, ErrMalformedProgram
		}
		qtyPoint, err := ristretto.PointFromBytes(b[1 : 1+types.PointSize])
		if err != nil {
			return Item{}, 0, err
		}
		flvPoint, err := ristretto.PointFromBytes(b[1+types.PointSize : 1+2*types.PointSize])
		if err != nil {
			return Item{}, 0, err
		}
		val := &Value{Qty: &Variable{Commitment: qtyPoint}, Flavor: &Variable{Commitment: flvPoint}}
		return Item{Kind: KindValue, Value: val}, 1 + 2*types.PointSize, nil
	case portableString:
		if len(b) < 5 {
			return Item{}, 0, ErrMalformedProgram
		}
		l := binary.LittleEndian.Uint32(b[1:5])
		if len(b) < int(5+l) {
			return Item{}, 0, ErrMalformedProgram
		}
		str := append([]byte{}, b[5:5+l]...)
		return Item{Kind: KindString, Str: str}, int(5 + l), nil
	default:
		return Item{}, 0, ErrMalformedProgram
	}
}

// LogEntry is one line of the transaction log, in the order the VM
// produced it; the log's Merkle root (label "ZkVM.txid") is the
// transaction's ID.
type LogEntry struct {
	Kind string
	Data []byte
}

// VM executes one transaction's program.
type VM struct {
	stack    []Item
	runStack [][]byte
	program  []byte
	pc       int

	Version   uint64
	Extension bool
	MintimeMs uint64
	MaxtimeMs uint64

	anchor *types.Hash
	TxLog  []LogEntry

	PointOps []pointops.PointOp
	MulProofs []MulProof
	Signers  []*ristretto.Point

	Cloak      *cloak.Manager
	CloakProof []byte

	allocCounter uint64
}

// New prepares a VM to run program under the given header bounds.
func New(program []byte, version, mintimeMs, maxtimeMs uint64, cloakMgr *cloak.Manager) *VM {
	return &VM{
		program:   program,
		Version:   version,
		Extension: version > types.CurrentVersion,
		MintimeMs: mintimeMs,
		MaxtimeMs: maxtimeMs,
		Cloak:     cloakMgr,
	}
}

func (v *VM) push(it Item) { v.stack = append(v.stack, it) }

func (v *VM) pop() (Item, error) {
	if len(v.stack) == 0 {
		return Item{}, ErrStackUnderflow
	}
	it := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return it, nil
}

func (v *VM) peekAt(i int) (Item, error) {
	idx := len(v.stack) - 1 - i
	if idx < 0 || idx >= len(v.stack) {
		return Item{}, ErrStackUnderflow
	}
	return v.stack[idx], nil
}

func (v *VM) popExpr() (*Expression, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindExpression {
		return nil, ErrTypeMismatch
	}
	return it.Expr, nil
}

func (v *VM) popString() ([]byte, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindString {
		return nil, ErrTypeMismatch
	}
	return it.Str, nil
}

func (v *VM) popValue() (*Value, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindValue {
		return nil, ErrTypeMismatch
	}
	return it.Value, nil
}

func (v *VM) popWide() (*WideValue, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindWideValue {
		return nil, ErrTypeMismatch
	}
	return it.Wide, nil
}

func (v *VM) popContract() (*Contract, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindContract {
		return nil, ErrTypeMismatch
	}
	return it.Contract, nil
}

func (v *VM) popConstraint() (*Constraint, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindConstraint {
		return nil, ErrTypeMismatch
	}
	return it.Cons, nil
}

func (v *VM) popVariable() (*Variable, error) {
	it, err := v.pop()
	if err != nil {
		return nil, err
	}
	if it.Kind != KindVariable {
		return nil, ErrTypeMismatch
	}
	return it.Variable, nil
}

// ratchetAnchor derives a fresh anchor from an optional seed (the previous
// anchor, or a just-consumed contract's id), binding each new contract to
// everything that came before it so that structurally identical contracts
// still produce distinct ids.
func ratchetAnchor(seed *types.Hash) types.Hash {
	t := transcript.New("ZkVM.contract-anchor")
	if seed != nil {
		t.AppendMessage("prev", seed[:])
	}
	var out types.Hash
	t.ChallengeBytes("anchor", out[:])
	return out
}

// makeContract consumes the current anchor to build a new contract, then
// sets the anchor to the new contract's own id so a further contract/
// output/issue in the same program can chain off it without another input.
func (v *VM) makeContract(pred predicate.Predicate, payload []Item) (*Contract, error) {
	if v.anchor == nil {
		return nil, ErrAnchorMissing
	}
	for _, it := range payload {
		if _, err := encodePortableItem(it); err != nil {
			return nil, err
		}
	}
	anchor := *v.anchor
	v.anchor = nil
	c := &Contract{Predicate: pred, Payload: payload, Anchor: anchor}
	id := c.ID()
	v.anchor = &id
	return c, nil
}

func (v *VM) log(kind string, data []byte) {
	v.TxLog = append(v.TxLog, LogEntry{Kind: kind, Data: data})
}

// Run executes the program to completion and returns the transaction ID
// (the Merkle root of the transaction log under label "ZkVM.txid").
// Run does not itself verify PointOps, MulProofs, or the cloak proof — the
// caller batches those (together with the transaction's top-level
// signature) after Run succeeds, so every check in a transaction is
// discharged in one combined verification pass.
func (v *VM) Run() (types.Hash, error) {
	for v.pc < len(v.program) {
		if err := v.step(); err != nil {
			return types.Hash{}, err
		}
	}
	if len(v.stack) != 0 || v.anchor == nil {
		return types.Hash{}, ErrUnfinishedProgram
	}

	hasher := merkle.NewHasher("ZkVM.txid")
	items := make([][]byte, len(v.TxLog))
	for i, e := range v.TxLog {
		items[i] = append([]byte(e.Kind+":"), e.Data...)
	}
	return hasher.Root(items), nil
}

func (v *VM) readByte() (byte, error) {
	if v.pc >= len(v.program) {
		return 0, ErrMalformedProgram
	}
	b := v.program[v.pc]
	v.pc++
	return b, nil
}

func (v *VM) readU32() (uint32, error) {
	if v.pc+4 > len(v.program) {
		return 0, ErrMalformedProgram
	}
	n := binary.LittleEndian.Uint32(v.program[v.pc:])
	v.pc += 4
	return n, nil
}

func (v *VM) readBytes(n int) ([]byte, error) {
	if v.pc+n > len(v.program) {
		return nil, ErrMalformedProgram
	}
	b := v.program[v.pc : v.pc+n]
	v.pc += n
	return b, nil
}

// step decodes and dispatches a single instruction.
func (v *VM) step() error {
	opByte, err := v.readByte()
	if err != nil {
		return err
	}
	op := Opcode(opByte)

	switch op {
	case OpPush:
		n, err := v.readU32()
		if err != nil {
			return err
		}
		b, err := v.readBytes(int(n))
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindString, Str: append([]byte(nil), b...)})

	case OpDrop:
		_, err := v.pop()
		return err

	case OpDup:
		i, err := v.readU32()
		if err != nil {
			return err
		}
		it, err := v.peekAt(int(i))
		if err != nil {
			return err
		}
		v.push(it)

	case OpRoll:
		i, err := v.readU32()
		if err != nil {
			return err
		}
		idx := len(v.stack) - 1 - int(i)
		if idx < 0 || idx >= len(v.stack) {
			return ErrStackUnderflow
		}
		it := v.stack[idx]
		v.stack = append(v.stack[:idx], v.stack[idx+1:]...)
		v.push(it)

	case OpConst:
		b, err := v.popString()
		if err != nil {
			return err
		}
		s, err := ristretto.ScalarFromCanonicalBytes(b)
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: constantExpr(s)})

	case OpVar:
		kind, err := v.readByte()
		if err != nil {
			return err
		}
		switch kind {
		case varKindVar:
			b, err := v.popString()
			if err != nil {
				return err
			}
			p, err := ristretto.PointFromBytes(b)
			if err != nil {
				return err
			}
			v.push(Item{Kind: KindVariable, Variable: &Variable{Commitment: p}})
		case varKindExpr:
			va, err := v.popVariable()
			if err != nil {
				return err
			}
			v.allocCounter++
			v.push(Item{Kind: KindExpression, Expr: variableExpr(va, int(v.allocCounter))})
		default:
			return ErrMalformedProgram
		}

	case OpAlloc:
		// Introduces a fresh, as-yet-unconstrained wire; unlike var/expr it
		// carries no witness of its own until something downstream (an eq
		// against a known expression) pins its value.
		v.allocCounter++
		idx := int(v.allocCounter)
		v.push(Item{Kind: KindExpression, Expr: &Expression{Terms: []Term{{Index: idx, Coeff: ristretto.ScalarFromUint64(1)}}}})

	case OpMintime:
		v.push(Item{Kind: KindExpression, Expr: constantExpr(ristretto.ScalarFromUint64(v.MintimeMs))})

	case OpMaxtime:
		v.push(Item{Kind: KindExpression, Expr: constantExpr(ristretto.ScalarFromUint64(v.MaxtimeMs))})

	case OpNeg:
		e, err := v.popExpr()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: e.Neg()})

	case OpAdd:
		b, err := v.popExpr()
		if err != nil {
			return err
		}
		a, err := v.popExpr()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: a.Add(b)})

	case OpMul:
		b, err := v.popExpr()
		if err != nil {
			return err
		}
		a, err := v.popExpr()
		if err != nil {
			return err
		}
		product, err := a.Multiply(b, v)
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: product})

	case OpEq:
		b, err := v.popExpr()
		if err != nil {
			return err
		}
		a, err := v.popExpr()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindConstraint, Cons: &Constraint{Kind: ConstraintEq, E1: a, E2: b}})

	case OpRange:
		bits, err := v.readByte()
		if err != nil {
			return err
		}
		e, err := v.popExpr()
		if err != nil {
			return err
		}
		if e.Witness == nil {
			return ErrConstraintNeedsWitness
		}
		if !fitsInBits(e.Witness, int(bits)) {
			return ErrRangeExceeded
		}
		v.push(Item{Kind: KindExpression, Expr: e})

	case OpAnd:
		b, err := v.popConstraint()
		if err != nil {
			return err
		}
		a, err := v.popConstraint()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindConstraint, Cons: &Constraint{Kind: ConstraintAnd, C1: a, C2: b}})

	case OpOr:
		kind, err := v.readByte()
		if err != nil {
			return err
		}
		switch kind {
		case combKindOr:
			b, err := v.popConstraint()
			if err != nil {
				return err
			}
			a, err := v.popConstraint()
			if err != nil {
				return err
			}
			v.push(Item{Kind: KindConstraint, Cons: &Constraint{Kind: ConstraintOr, C1: a, C2: b}})
		case combKindNot:
			a, err := v.popConstraint()
			if err != nil {
				return err
			}
			v.push(Item{Kind: KindConstraint, Cons: &Constraint{Kind: ConstraintNot, C1: a}})
		default:
			return ErrMalformedProgram
		}

	case OpVerify:
		c, err := v.popConstraint()
		if err != nil {
			return err
		}
		if err := c.Verify(v); err != nil {
			return err
		}

	case OpUnblind:
		blinding, err := v.popExpr()
		if err != nil {
			return err
		}
		value, err := v.popExpr()
		if err != nil {
			return err
		}
		commitment, err := v.popString()
		if err != nil {
			return err
		}
		if value.Witness == nil || blinding.Witness == nil {
			return ErrConstraintNeedsWitness
		}
		p, err := ristretto.PointFromBytes(commitment)
		if err != nil {
			return err
		}
		v.PointOps = append(v.PointOps, pointops.PointOp{
			Primary:   value.Witness.Neg(),
			Secondary: blinding.Witness.Neg(),
			Arbitrary: []pointops.Term{{Scalar: ristretto.ScalarFromUint64(1), Point: p}},
		})
		v.push(Item{Kind: KindExpression, Expr: value})

	case OpIssue:
		predItem, err := v.pop()
		if err != nil {
			return err
		}
		metadata, err := v.popString()
		if err != nil {
			return err
		}
		flv, err := v.popVariable()
		if err != nil {
			return err
		}
		qty, err := v.popVariable()
		if err != nil {
			return err
		}
		pred, err := itemToPredicate(predItem)
		if err != nil {
			return err
		}
		expectedFlavor := IssueFlavor(pred, metadata)
		v.PointOps = append(v.PointOps, pointops.PointOp{
			Primary:   expectedFlavor,
			Arbitrary: []pointops.Term{{Scalar: ristretto.ScalarFromUint64(1).Neg(), Point: flv.Commitment}},
		})
		if qty.Value != nil && !fitsInBits(qty.Value, 64) {
			return ErrRangeExceeded
		}
		c, err := v.makeContract(pred, []Item{{Kind: KindValue, Value: &Value{Qty: qty, Flavor: flv}}})
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindContract, Contract: c})
		v.log("issue", append(append([]byte{}, qty.Commitment.Bytes()...), flv.Commitment.Bytes()...))

	case OpBorrow:
		flv, err := v.popVariable()
		if err != nil {
			return err
		}
		qty, err := v.popVariable()
		if err != nil {
			return err
		}
		if qty.Value != nil && !fitsInBits(qty.Value, 64) {
			return ErrRangeExceeded
		}
		v.allocCounter++
		var negWitness *ristretto.Scalar
		if qty.Value != nil {
			negWitness = qty.Value.Neg()
		}
		wide := &WideValue{
			Qty:    &Expression{Terms: []Term{{Index: int(v.allocCounter), Coeff: ristretto.ScalarFromUint64(1)}}, Witness: negWitness},
			Flavor: variableExpr(flv, int(v.allocCounter)),
		}
		v.push(Item{Kind: KindWideValue, Wide: wide})
		v.push(Item{Kind: KindValue, Value: &Value{Qty: qty, Flavor: flv}})

	case OpRetire:
		val, err := v.popValue()
		if err != nil {
			return err
		}
		v.log("retire", append(append([]byte{}, val.Qty.Commitment.Bytes()...), val.Flavor.Commitment.Bytes()...))

	case OpQty:
		val, err := v.popValue()
		if err != nil {
			return err
		}
		v.allocCounter++
		v.push(Item{Kind: KindExpression, Expr: variableExpr(val.Qty, int(v.allocCounter))})

	case OpFlavor:
		val, err := v.popValue()
		if err != nil {
			return err
		}
		v.allocCounter++
		v.push(Item{Kind: KindExpression, Expr: variableExpr(val.Flavor, int(v.allocCounter))})

	case OpCloak:
		m, err := v.readU32()
		if err != nil {
			return err
		}
		n, err := v.readU32()
		if err != nil {
			return err
		}
		if err := v.doCloak(int(m), int(n)); err != nil {
			return err
		}

	case OpImport:
		b, err := v.popString()
		if err != nil {
			return err
		}
		v.log("import", b)

	case OpExport:
		b, err := v.popString()
		if err != nil {
			return err
		}
		v.log("export", b)

	case OpInput:
		b, err := v.popString()
		if err != nil {
			return err
		}
		c, err := DecodeContract(b)
		if err != nil {
			return err
		}
		id := c.ID()
		v.push(Item{Kind: KindContract, Contract: c})
		v.log("input", id[:])
		anchor := ratchetAnchor(&id)
		v.anchor = &anchor

	case OpContract:
		k, err := v.readU32()
		if err != nil {
			return err
		}
		predItem, err := v.pop()
		if err != nil {
			return err
		}
		pred, err := itemToPredicate(predItem)
		if err != nil {
			return err
		}
		payload := make([]Item, k)
		for i := int(k) - 1; i >= 0; i-- {
			it, err := v.pop()
			if err != nil {
				return err
			}
			payload[i] = it
		}
		c, err := v.makeContract(pred, payload)
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindContract, Contract: c})

	case OpOutput:
		k, err := v.readU32()
		if err != nil {
			return err
		}
		predItem, err := v.pop()
		if err != nil {
			return err
		}
		pred, err := itemToPredicate(predItem)
		if err != nil {
			return err
		}
		payload := make([]Item, k)
		for i := int(k) - 1; i >= 0; i-- {
			it, err := v.pop()
			if err != nil {
				return err
			}
			payload[i] = it
		}
		c, err := v.makeContract(pred, payload)
		if err != nil {
			return err
		}
		enc, err := c.Encode()
		if err != nil {
			return err
		}
		v.log("output", enc)

	case OpNonce:
		predItem, err := v.pop()
		if err != nil {
			return err
		}
		pred, err := itemToPredicate(predItem)
		if err != nil {
			return err
		}
		anchor := ratchetAnchor(v.anchor)
		v.anchor = &anchor
		v.push(Item{Kind: KindContract, Contract: &Contract{Predicate: pred, Anchor: anchor}})
		v.log("nonce", anchor[:])

	case OpLog:
		b, err := v.popString()
		if err != nil {
			return err
		}
		v.log("log", b)

	case OpSigntx:
		// _contract_ **signtx** → _payload..._ (mirroring vm.rs's signtx:
		// pop the contract, remember its predicate as a signer, push its
		// payload items back onto the stack for the rest of the program
		// to spend). The id/tag variants differ only in the log entry they
		// write; every signer signs the same transaction id.
		kind, err := v.readByte()
		if err != nil {
			return err
		}
		var scope []byte
		if kind == signScopeID || kind == signScopeTag {
			scope, err = v.popString()
			if err != nil {
				return err
			}
		} else if kind != signScopeTx {
			return ErrMalformedProgram
		}
		c, err := v.popContract()
		if err != nil {
			return err
		}
		v.Signers = append(v.Signers, c.Predicate.Point())
		for _, it := range c.Payload {
			v.push(it)
		}
		switch kind {
		case signScopeTx:
			v.log("signtx", c.Predicate.Point().Bytes())
		case signScopeID:
			id := c.ID()
			v.log("signid", append(id[:], scope...))
		case signScopeTag:
			v.log("signtag", scope)
		}

	case OpCall:
		program, err := v.popString()
		if err != nil {
			return err
		}
		callProofBytes, err := v.popString()
		if err != nil {
			return err
		}
		c, err := v.popContract()
		if err != nil {
			return err
		}
		callProof, err := predicate.DecodeCallProof(callProofBytes)
		if err != nil {
			return err
		}
		v.PointOps = append(v.PointOps, predicate.ProveTaproot(c.Predicate, program, callProof))
		for _, it := range c.Payload {
			v.push(it)
		}
		v.runStack = append(v.runStack, v.program)
		v.program, v.pc = program, 0

	case OpDelegate:
		program, err := v.popString()
		if err != nil {
			return err
		}
		keysBytes, err := v.popString()
		if err != nil {
			return err
		}
		c, err := v.popContract()
		if err != nil {
			return err
		}
		keys, err := decodePoints(keysBytes)
		if err != nil {
			return err
		}
		mk, err := musig.NewMultikey(keys)
		if err != nil {
			return err
		}
		negOne := ristretto.ScalarFromUint64(1).Neg()
		v.PointOps = append(v.PointOps, pointops.PointOp{
			Arbitrary: []pointops.Term{
				{Scalar: negOne, Point: c.Predicate.Point()},
				{Scalar: ristretto.ScalarFromUint64(1), Point: mk.AggregatedKey()},
			},
		})
		for _, it := range c.Payload {
			v.push(it)
		}
		v.runStack = append(v.runStack, v.program)
		v.program, v.pc = program, 0

	case OpLeft:
		w, err := v.popWide()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: w.Qty})

	case OpRight:
		w, err := v.popWide()
		if err != nil {
			return err
		}
		v.push(Item{Kind: KindExpression, Expr: w.Flavor})

	default:
		if !v.Extension {
			return ErrUnknownOpcode
		}
		// Unknown opcode in an extension-flagged transaction: no-op.
	}

	// A nested program (entered via call/delegate) that runs off its end
	// returns control to whatever program invoked it.
	for v.pc >= len(v.program) && len(v.runStack) > 0 {
		v.program = v.runStack[len(v.runStack)-1]
		v.runStack = v.runStack[:len(v.runStack)-1]
	}
	return nil
}

func fitsInBits(s *ristretto.Scalar, bits int) bool {
	b := s.Bytes()
	le := make([]byte, len(b))
	copy(le, b)
	for i, j := 0, len(le)-1; i < j; i, j = i+1, j-1 {
		le[i], le[j] = le[j], le[i]
	}
	n := new(big.Int).SetBytes(le)
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	return n.Cmp(max) < 0
}

func itemToPredicate(it Item) (predicate.Predicate, error) {
	switch it.Kind {
	case KindVariable:
		return predicate.FromKey(it.Variable.Commitment), nil
	case KindString:
		p, err := ristretto.PointFromBytes(it.Str)
		if err != nil {
			return predicate.Predicate{}, err
		}
		return predicate.Opaque(p), nil
	default:
		return predicate.Predicate{}, ErrTypeMismatch
	}
}

// IssueFlavor computes the flavor scalar an issuance under pred with the
// given metadata must commit to; exported so callers constructing an issue
// program (or tests) can compute the same value the VM will check.
func IssueFlavor(pred predicate.Predicate, metadata []byte) *ristretto.Scalar {
	t := transcript.New("ZkVM.issue")
	t.AppendMessage("predicate", pred.Point().Bytes())
	t.AppendMessage("metadata", metadata)
	return t.ChallengeScalar("flavor")
}

func decodePoints(b []byte) ([]*ristretto.Point, error) {
	if len(b)%types.PointSize != 0 {
		return nil, ErrMalformedProgram
	}
	out := make([]*ristretto.Point, len(b)/types.PointSize)
	for i := range out {
		p, err := ristretto.PointFromBytes(b[i*types.PointSize : (i+1)*types.PointSize])
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (v *VM) doCloak(m, n int) error {
	inQty := make([]int64, m)
	inFlavor := make([]int64, m)
	for i := m - 1; i >= 0; i-- {
		w, err := v.popWide()
		if err != nil {
			return err
		}
		if w.Qty.Witness == nil || w.Flavor.Witness == nil {
			return ErrConstraintNeedsWitness
		}
		inQty[i] = scalarToInt64(w.Qty.Witness)
		inFlavor[i] = scalarToInt64(w.Flavor.Witness)
	}

	outQty := make([]int64, n)
	outFlavor := make([]int64, n)
	for i := n - 1; i >= 0; i-- {
		flv, err := v.popExpr()
		if err != nil {
			return err
		}
		qty, err := v.popExpr()
		if err != nil {
			return err
		}
		if qty.Witness == nil || flv.Witness == nil {
			return ErrConstraintNeedsWitness
		}
		outQty[i] = scalarToInt64(qty.Witness)
		outFlavor[i] = scalarToInt64(flv.Witness)
	}

	t := transcript.New("ZkVM.cloak")
	t.AppendU64("m", uint64(m))
	t.AppendU64("n", uint64(n))
	y := scalarToInt64(t.ChallengeScalar("y"))
	z := scalarToInt64(t.ChallengeScalar("z"))

	if v.Cloak != nil {
		proof, err := v.Cloak.Prove(cloak.Witness{
			Y: y, Z: z,
			InQty: inQty, InFlavor: inFlavor,
			OutQty: outQty, OutFlavor: outFlavor,
		})
		if err != nil {
			return err
		}
		v.CloakProof = proof
	}

	for i := 0; i < n; i++ {
		qty := constantExpr(ristretto.ScalarFromUint64(uint64(outQty[i])))
		flv := constantExpr(ristretto.ScalarFromUint64(uint64(outFlavor[i])))
		v.allocCounter++
		qv := &Variable{Commitment: nil, Value: qty.Witness}
		fv := &Variable{Commitment: nil, Value: flv.Witness}
		v.push(Item{Kind: KindValue, Value: &Value{Qty: qv, Flavor: fv}})
	}
	return nil
}

func scalarToInt64(s *ristretto.Scalar) int64 {
	b := s.Bytes()
	var n uint64
	for i := 7; i >= 0; i-- {
		n = n<<8 | uint64(b[i])
	}
	return int64(n)
}
