package vm

import (
	"encoding/binary"
	"testing"

	"github.com/ccoin/zkvm-core/internal/merkle"
	"github.com/ccoin/zkvm-core/internal/predicate"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/pkg/types"
)

func pushBytes(prog []byte, b []byte) []byte {
	prog = append(prog, byte(OpPush))
	var ln [4]byte
	binary.LittleEndian.PutUint32(ln[:], uint32(len(b)))
	prog = append(prog, ln[:]...)
	return append(prog, b...)
}

func pushScalar(prog []byte, s *ristretto.Scalar) []byte {
	return pushBytes(prog, s.Bytes())
}

func runAll(t *testing.T, v *VM) {
	t.Helper()
	for v.pc < len(v.program) {
		if err := v.step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
}

func TestArithmeticAndEquality(t *testing.T) {
	a := ristretto.ScalarFromUint64(2)
	b := ristretto.ScalarFromUint64(3)
	sum := a.Add(b)

	var prog []byte
	prog = pushScalar(prog, a)
	prog = append(prog, byte(OpConst))
	prog = pushScalar(prog, b)
	prog = append(prog, byte(OpConst))
	prog = append(prog, byte(OpAdd))
	prog = pushScalar(prog, sum)
	prog = append(prog, byte(OpConst))
	prog = append(prog, byte(OpEq))
	prog = append(prog, byte(OpVerify))

	v := New(prog, 1, 0, 0, nil)
	runAll(t, v)
	if len(v.stack) != 0 {
		t.Fatalf("expected empty stack, got %d items", len(v.stack))
	}
}

func TestVerifyFailsOnUnsatisfiedConstraint(t *testing.T) {
	a := ristretto.ScalarFromUint64(2)
	b := ristretto.ScalarFromUint64(3)

	var prog []byte
	prog = pushScalar(prog, a)
	prog = append(prog, byte(OpConst))
	prog = pushScalar(prog, b)
	prog = append(prog, byte(OpConst))
	prog = append(prog, byte(OpEq))
	prog = append(prog, byte(OpVerify))

	v := New(prog, 1, 0, 0, nil)
	var err error
	for v.pc < len(v.program) {
		if err = v.step(); err != nil {
			break
		}
	}
	if err != ErrConstraintFailed {
		t.Fatalf("expected ErrConstraintFailed, got %v", err)
	}
}

func TestNotComplementsASatisfiedEqConstraint(t *testing.T) {
	a := ristretto.ScalarFromUint64(5)

	var prog []byte
	prog = pushScalar(prog, a)
	prog = append(prog, byte(OpConst))
	prog = pushScalar(prog, a)
	prog = append(prog, byte(OpConst))
	prog = append(prog, byte(OpEq)) // a == a: satisfied
	prog = append(prog, byte(OpOr))
	prog = append(prog, combKindNot)
	prog = append(prog, byte(OpVerify))

	v := New(prog, 1, 0, 0, nil)
	var err error
	for v.pc < len(v.program) {
		if err = v.step(); err != nil {
			break
		}
	}
	if err != ErrConstraintFailed {
		t.Fatalf("not(satisfied) should fail verify, got %v", err)
	}
}

func TestCallVerifiesTaprootPointOp(t *testing.T) {
	programs := [][]byte{[]byte("spend"), []byte("refund")}
	var seed [32]byte
	tree, err := predicate.NewTree(nil, programs, seed)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	pred := predicate.FromTree(tree)

	callProof, leafProgram, err := tree.CreateCallProof(0)
	if err != nil {
		t.Fatalf("CreateCallProof: %v", err)
	}

	op := predicate.ProveTaproot(pred, leafProgram, callProof)
	if err := op.Verify(); err != nil {
		t.Fatalf("taproot PointOp should verify: %v", err)
	}

	wrongOp := predicate.ProveTaproot(pred, []byte("tampered"), callProof)
	if err := wrongOp.Verify(); err == nil {
		t.Fatalf("taproot PointOp should not verify against a tampered program")
	}
}

func TestStackUnderflow(t *testing.T) {
	v := New([]byte{byte(OpAdd)}, 1, 0, 0, nil)
	if err := v.step(); err != ErrStackUnderflow {
		t.Fatalf("expected ErrStackUnderflow, got %v", err)
	}
}

// issuedContractVM builds a VM whose stack already holds the witnessed
// (prover-known) qty/flavor variables an issuance needs, the way a
// transaction builder assembles them before handing the program to the VM
// — the VM itself only ever sees the resulting commitments via bytecode.
func issuedContractVM(t *testing.T, qty uint64) (*VM, predicate.Predicate, []byte) {
	t.Helper()
	priv, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	key := ristretto.MulBase(priv)
	pred := predicate.FromKey(key)

	metadata := []byte("test-asset")
	flavor := IssueFlavor(pred, metadata)

	qtyVar := &Variable{Commitment: ristretto.MulBase(ristretto.ScalarFromUint64(qty)), Value: ristretto.ScalarFromUint64(qty)}
	flavorVar := &Variable{Commitment: ristretto.MulBase(flavor), Value: flavor}

	v := New(nil, types.CurrentVersion, 0, 0, nil)
	anchor := ratchetAnchor(nil)
	v.anchor = &anchor

	v.push(Item{Kind: KindVariable, Variable: qtyVar})
	v.push(Item{Kind: KindVariable, Variable: flavorVar})
	v.push(Item{Kind: KindString, Str: metadata})
	v.push(Item{Kind: KindVariable, Variable: &Variable{Commitment: key}})

	return v, pred, metadata
}

func TestIssueProducesContractWithExpectedFlavor(t *testing.T) {
	v, _, _ := issuedContractVM(t, 1000)
	v.program = []byte{byte(OpIssue)}
	runAll(t, v)

	if len(v.stack) != 1 || v.stack[0].Kind != KindContract {
		t.Fatalf("expected a single contract on the stack, got %+v", v.stack)
	}
	c := v.stack[0].Contract
	if len(c.Payload) != 1 || c.Payload[0].Kind != KindValue {
		t.Fatalf("issued contract should carry one value payload")
	}
	if !c.Payload[0].Value.Qty.Value.Equal(ristretto.ScalarFromUint64(1000)) {
		t.Fatalf("issued value quantity mismatch")
	}
	if len(v.TxLog) != 1 || v.TxLog[0].Kind != "issue" {
		t.Fatalf("expected one issue log entry, got %+v", v.TxLog)
	}
	wantData := append(append([]byte{}, c.Payload[0].Value.Qty.Commitment.Bytes()...), c.Payload[0].Value.Flavor.Commitment.Bytes()...)
	if string(v.TxLog[0].Data) != string(wantData) {
		t.Fatalf("issue log entry must carry commitment points, not cleartext scalars")
	}
}

// TestIssueThenRetireRunsToCompletion is the single-transaction "mint and
// burn" scenario: issue a value under a key predicate, have that key
// sign for it (unwrapping the contract's payload back onto the stack),
// then retire the value. This exercises Run() end to end.
func TestIssueThenRetireRunsToCompletion(t *testing.T) {
	v, _, _ := issuedContractVM(t, 500)
	var prog []byte
	prog = append(prog, byte(OpIssue))
	prog = append(prog, byte(OpSigntx))
	prog = append(prog, signScopeTx)
	prog = append(prog, byte(OpRetire))
	v.program = prog

	txid, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantKinds := []string{"issue", "signtx", "retire"}
	if len(v.TxLog) != len(wantKinds) {
		t.Fatalf("expected log entries %v, got %+v", wantKinds, v.TxLog)
	}
	for i, k := range wantKinds {
		if v.TxLog[i].Kind != k {
			t.Fatalf("log entry %d: expected kind %q, got %q", i, k, v.TxLog[i].Kind)
		}
	}
	if txid == (types.Hash{}) {
		t.Fatalf("txid should not be the zero hash")
	}
}

// TestIssuanceTxIDIsDeterministic confirms the transaction id is a pure
// function of the program and witnesses: running the identical issue/
// signtx/retire scenario twice from freshly-derived but identical inputs
// must yield the same id both times.
func TestIssuanceTxIDIsDeterministic(t *testing.T) {
	run := func() types.Hash {
		priv := ristretto.ScalarFromUint64(42)
		key := ristretto.MulBase(priv)
		pred := predicate.FromKey(key)
		metadata := []byte("fixed-asset")
		flavor := IssueFlavor(pred, metadata)
		qty := ristretto.ScalarFromUint64(777)

		v := New(nil, types.CurrentVersion, 0, 0, nil)
		anchor := ratchetAnchor(nil)
		v.anchor = &anchor
		v.push(Item{Kind: KindVariable, Variable: &Variable{Commitment: ristretto.MulBase(qty), Value: qty}})
		v.push(Item{Kind: KindVariable, Variable: &Variable{Commitment: ristretto.MulBase(flavor), Value: flavor}})
		v.push(Item{Kind: KindString, Str: metadata})
		v.push(Item{Kind: KindVariable, Variable: &Variable{Commitment: key}})
		v.program = []byte{byte(OpIssue), byte(OpSigntx), signScopeTx, byte(OpRetire)}

		txid, err := v.Run()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return txid
	}

	first := run()
	second := run()
	if first != second {
		t.Fatalf("identical issuance programs produced different txids: %x vs %x", first, second)
	}
}

// TestTxIDMatchesMerkleOfLog checks the stated invariant that the
// transaction id is exactly the Merkle root of the log under the
// "ZkVM.txid" label, independent of how Run computes it.
func TestTxIDMatchesMerkleOfLog(t *testing.T) {
	v, _, _ := issuedContractVM(t, 10)
	v.program = []byte{byte(OpIssue), byte(OpSigntx), signScopeTx, byte(OpRetire)}
	txid, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	items := make([][]byte, len(v.TxLog))
	for i, e := range v.TxLog {
		items[i] = append([]byte(e.Kind+":"), e.Data...)
	}
	want := merkle.NewHasher("ZkVM.txid").Root(items)
	if txid != want {
		t.Fatalf("txid %x does not match Merkle(log) %x", txid, want)
	}
}

// TestInputSignAndOutputTransfersAValue is the single-transfer scenario: a
// previously-created contract is consumed via input, its predicate signs
// for it, and its value is re-committed to a new output contract under a
// different predicate.
func TestInputSignAndOutputTransfersAValue(t *testing.T) {
	privA, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	keyA := ristretto.MulBase(privA)

	privB, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	keyB := ristretto.MulBase(privB)

	qty := ristretto.ScalarFromUint64(250)
	flavor := ristretto.ScalarFromUint64(9)
	val := &Value{
		Qty:    &Variable{Commitment: ristretto.MulBase(qty)},
		Flavor: &Variable{Commitment: ristretto.MulBase(flavor)},
	}
	priorAnchor := ratchetAnchor(nil)
	prior := &Contract{
		Predicate: predicate.FromKey(keyA),
		Payload:   []Item{{Kind: KindValue, Value: val}},
		Anchor:    priorAnchor,
	}
	encPrior, err := prior.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	priorID := prior.ID()

	var prog []byte
	prog = pushBytes(prog, encPrior)
	prog = append(prog, byte(OpInput))
	prog = append(prog, byte(OpSigntx), signScopeTx)
	prog = pushBytes(prog, keyB.Bytes())
	prog = append(prog, byte(OpOutput))
	var k [4]byte
	binary.LittleEndian.PutUint32(k[:], 1)
	prog = append(prog, k[:]...)

	v := New(prog, types.CurrentVersion, 0, 0, nil)
	if _, err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantKinds := []string{"input", "signtx", "output"}
	if len(v.TxLog) != len(wantKinds) {
		t.Fatalf("expected log entries %v, got %+v", wantKinds, v.TxLog)
	}
	for i, k := range wantKinds {
		if v.TxLog[i].Kind != k {
			t.Fatalf("log entry %d: expected kind %q, got %q", i, k, v.TxLog[i].Kind)
		}
	}
	if string(v.TxLog[0].Data) != string(priorID[:]) {
		t.Fatalf("input log entry must carry the consumed contract's id")
	}

	out, err := DecodeContract(v.TxLog[2].Data)
	if err != nil {
		t.Fatalf("output log entry should decode as a contract: %v", err)
	}
	if !out.Predicate.Point().Equal(keyB) {
		t.Fatalf("output contract predicate mismatch")
	}
	if len(out.Payload) != 1 || out.Payload[0].Kind != KindValue {
		t.Fatalf("output contract should carry the transferred value")
	}
	if !out.Payload[0].Value.Qty.Commitment.Equal(val.Qty.Commitment) {
		t.Fatalf("output value quantity commitment should match the input's")
	}
}

func TestContractEncodeDecodeRoundTrip(t *testing.T) {
	priv, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	key := ristretto.MulBase(priv)
	val := &Value{
		Qty:    &Variable{Commitment: ristretto.MulBase(ristretto.ScalarFromUint64(3))},
		Flavor: &Variable{Commitment: ristretto.MulBase(ristretto.ScalarFromUint64(4))},
	}
	c := &Contract{
		Predicate: predicate.FromKey(key),
		Payload:   []Item{{Kind: KindValue, Value: val}, {Kind: KindString, Str: []byte("memo")}},
		Anchor:    ratchetAnchor(nil),
	}
	enc, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeContract(enc)
	if err != nil {
		t.Fatalf("DecodeContract: %v", err)
	}
	if decoded.ID() != c.ID() {
		t.Fatalf("decoded contract id mismatch")
	}
	if len(decoded.Payload) != 2 || decoded.Payload[1].Kind != KindString || string(decoded.Payload[1].Str) != "memo" {
		t.Fatalf("decoded payload mismatch: %+v", decoded.Payload)
	}
}

func TestConstraintNeedsWitnessWhenCommitmentOnly(t *testing.T) {
	commitOnly := &Variable{Commitment: ristretto.MulBase(ristretto.ScalarFromUint64(1))}
	e1 := variableExpr(commitOnly, 1)
	e2 := constantExpr(ristretto.ScalarFromUint64(1))
	c := &Constraint{Kind: ConstraintEq, E1: e1, E2: e2}
	v := New(nil, 1, 0, 0, nil)
	if err := c.Verify(v); err != ErrConstraintNeedsWitness {
		t.Fatalf("expected ErrConstraintNeedsWitness for a commitment-only operand, got %v", err)
	}
}
