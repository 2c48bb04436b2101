package mempool

import (
	"errors"
	"testing"

	"github.com/ccoin/zkvm-core/pkg/types"
)

// fakeVerifier assigns txid/spent sets from a lookup table keyed by the
// transaction's program bytes, so tests can construct conflicting
// transactions without running the VM.
type fakeVerifier struct {
	byProgram map[string]struct {
		txid  types.Hash
		spent []types.Hash
	}
}

func (f *fakeVerifier) Verify(tx *types.Tx) (types.Hash, []types.Hash, error) {
	v, ok := f.byProgram[string(tx.Program)]
	if !ok {
		return types.Hash{}, nil, errors.New("fakeVerifier: unknown program")
	}
	return v.txid, v.spent, nil
}

type recordingNotifier struct {
	evicted []types.Hash
}

func (r *recordingNotifier) NotifyEvicted(tx *types.Tx, txid types.Hash, reason error) {
	r.evicted = append(r.evicted, txid)
}

func txWithProgram(p string) *types.Tx {
	return &types.Tx{Version: types.CurrentVersion, Program: []byte(p)}
}

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestAddRejectsDuplicateAndDoubleSpend(t *testing.T) {
	v := &fakeVerifier{byProgram: map[string]struct {
		txid  types.Hash
		spent []types.Hash
	}{
		"a": {txid: hashOf(1), spent: []types.Hash{hashOf(10)}},
		"b": {txid: hashOf(2), spent: []types.Hash{hashOf(10)}},
	}}
	m := New(nil, v, nil)

	if _, err := m.Add(txWithProgram("a")); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if _, err := m.Add(txWithProgram("a")); err != ErrTxAlreadyExists {
		t.Fatalf("expected ErrTxAlreadyExists, got %v", err)
	}
	if _, err := m.Add(txWithProgram("b")); err != ErrDoubleSpend {
		t.Fatalf("expected ErrDoubleSpend, got %v", err)
	}
	if m.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", m.Size())
	}
}

func TestAddEvictsOldestWhenFull(t *testing.T) {
	v := &fakeVerifier{byProgram: map[string]struct {
		txid  types.Hash
		spent []types.Hash
	}{
		"a": {txid: hashOf(1)},
		"b": {txid: hashOf(2)},
	}}
	notifier := &recordingNotifier{}
	m := New(&Config{MaxSize: 1}, v, notifier)

	if _, err := m.Add(txWithProgram("a")); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if _, err := m.Add(txWithProgram("b")); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	if m.Size() != 1 {
		t.Fatalf("expected pool size 1 after eviction, got %d", m.Size())
	}
	if m.Has(hashOf(1)) {
		t.Fatal("expected oldest transaction to have been evicted")
	}
	if !m.Has(hashOf(2)) {
		t.Fatal("expected newest transaction to remain pending")
	}
	if len(notifier.evicted) != 1 || notifier.evicted[0] != hashOf(1) {
		t.Fatalf("expected eviction notification for tx 1, got %+v", notifier.evicted)
	}
}

func TestPendingRespectsMaxCount(t *testing.T) {
	v := &fakeVerifier{byProgram: map[string]struct {
		txid  types.Hash
		spent []types.Hash
	}{
		"a": {txid: hashOf(1)},
		"b": {txid: hashOf(2)},
	}}
	m := New(nil, v, nil)
	if _, err := m.Add(txWithProgram("a")); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if _, err := m.Add(txWithProgram("b")); err != nil {
		t.Fatalf("Add(b): %v", err)
	}

	pending := m.Pending(1, 0)
	if len(pending) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(pending))
	}
	if string(pending[0].Program) != "a" {
		t.Fatalf("expected oldest transaction first, got %q", pending[0].Program)
	}
}
