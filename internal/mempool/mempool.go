// Package mempool holds transactions that have been accepted into the
// local pool but not yet confirmed in a block. Admission policy (fee
// markets, relay fan-out, peer scoring) is a node-operator concern this
// module does not take a position on — Mempool only tracks what is
// pending, rejects structural duplicates and double-spends against the
// pool's own contents, and notifies callers when it has to make room.
package mempool

import (
	"errors"
	"sync"

	"github.com/ccoin/zkvm-core/pkg/types"
)

// Mempool errors
var (
	ErrPoolFull        = errors.New("mempool: pool is full")
	ErrTxAlreadyExists = errors.New("mempool: transaction already pending")
	ErrDoubleSpend     = errors.New("mempool: conflicts with a pending transaction")
)

// Verifier checks a transaction's structural and cryptographic validity
// and reports the contract IDs its program's input opcodes consume, so the
// pool can detect two pending transactions that spend the same contract.
// internal/txverify.Verify plus a log scan over the resulting VM's TxLog
// satisfies this interface; Mempool itself never executes a program.
type Verifier interface {
	Verify(tx *types.Tx) (txid types.Hash, spent []types.Hash, err error)
}

// EvictionNotifier is told about every transaction the pool drops to make
// room for a new one. The pool evicts in insertion order, oldest entry
// first; it has no fee or priority ordering, since this module takes no
// position on admission policy.
type EvictionNotifier interface {
	NotifyEvicted(tx *types.Tx, txid types.Hash, reason error)
}

// noopNotifier is used when the caller supplies none.
type noopNotifier struct{}

func (noopNotifier) NotifyEvicted(*types.Tx, types.Hash, error) {}

// entry wraps a pending transaction with pool bookkeeping.
type entry struct {
	tx      *types.Tx
	txid    types.Hash
	spent   []types.Hash
	size    int
	addedAt uint64
}

// Config holds mempool configuration.
type Config struct {
	MaxSize int
}

// DefaultConfig returns default mempool configuration.
func DefaultConfig() *Config {
	return &Config{MaxSize: 10000}
}

// Mempool is a FIFO-ordered set of pending transactions, indexed by txid
// and by the contract IDs they spend.
type Mempool struct {
	mu sync.RWMutex

	entries map[types.Hash]*entry
	order   []types.Hash // insertion order, oldest first
	spent   map[types.Hash]types.Hash // contract id -> txid that spends it

	verifier Verifier
	notifier EvictionNotifier
	maxSize  int
	clock    uint64
}

// New creates a Mempool. verifier must not be nil; notifier may be nil, in
// which case evictions are silently dropped.
func New(cfg *Config, verifier Verifier, notifier EvictionNotifier) *Mempool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Mempool{
		entries:  make(map[types.Hash]*entry),
		spent:    make(map[types.Hash]types.Hash),
		verifier: verifier,
		notifier: notifier,
		maxSize:  cfg.MaxSize,
	}
}

// Add verifies tx, checks it against the pool's current contents, and
// admits it. If the pool is at capacity the oldest entry is evicted (via
// notifier) to make room; Add never evicts the transaction it is adding.
func (m *Mempool) Add(tx *types.Tx) (types.Hash, error) {
	txid, spent, err := m.verifier.Verify(tx)
	if err != nil {
		return types.Hash{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[txid]; exists {
		return txid, ErrTxAlreadyExists
	}
	for _, s := range spent {
		if _, conflict := m.spent[s]; conflict {
			return txid, ErrDoubleSpend
		}
	}

	if len(m.entries) >= m.maxSize {
		if !m.evictOldestLocked() {
			return txid, ErrPoolFull
		}
	}

	e := &entry{tx: tx, txid: txid, spent: spent, size: len(tx.Encode()), addedAt: m.clock}
	m.clock++
	m.entries[txid] = e
	m.order = append(m.order, txid)
	for _, s := range spent {
		m.spent[s] = txid
	}

	return txid, nil
}

// Remove drops a transaction from the pool without notifying the evictor
// (the caller already knows why it is removing it — e.g. block
// confirmation).
func (m *Mempool) Remove(txid types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(txid)
}

func (m *Mempool) removeLocked(txid types.Hash) {
	e, exists := m.entries[txid]
	if !exists {
		return
	}
	delete(m.entries, txid)
	for _, s := range e.spent {
		if m.spent[s] == txid {
			delete(m.spent, s)
		}
	}
	for i, id := range m.order {
		if id == txid {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Mempool) evictOldestLocked() bool {
	if len(m.order) == 0 {
		return false
	}
	victim := m.order[0]
	e := m.entries[victim]
	m.removeLocked(victim)
	m.notifier.NotifyEvicted(e.tx, e.txid, ErrPoolFull)
	return true
}

// Get retrieves a pending transaction by txid.
func (m *Mempool) Get(txid types.Hash) (*types.Tx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.entries[txid]
	if !exists {
		return nil, false
	}
	return e.tx, true
}

// Has reports whether txid is pending.
func (m *Mempool) Has(txid types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.entries[txid]
	return exists
}

// HasSpend reports whether some pending transaction already spends
// contractID.
func (m *Mempool) HasSpend(contractID types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.spent[contractID]
	return exists
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Pending returns every pending transaction in FIFO order, up to maxCount
// (0 means unbounded) and maxBytes (0 means unbounded) of total encoded
// size — the caller-facing selection a block assembler would narrow
// further with its own policy.
func (m *Mempool) Pending(maxCount, maxBytes int) []*types.Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Tx, 0, len(m.order))
	total := 0
	for _, txid := range m.order {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		e := m.entries[txid]
		if maxBytes > 0 && total+e.size > maxBytes {
			continue
		}
		out = append(out, e.tx)
		total += e.size
	}
	return out
}

// RemoveConfirmed removes every transaction a confirmed block carried, and
// evicts any still-pending transaction that conflicts with one of them
// (its nullifier/contract-ID spend already landed on chain).
func (m *Mempool) RemoveConfirmed(block *types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bt := range block.Txs {
		tx, err := types.Decode(bt.TxBytes)
		if err != nil {
			continue
		}
		txid, spent, err := m.verifier.Verify(tx)
		if err != nil {
			continue
		}
		m.removeLocked(txid)
		for _, s := range spent {
			if conflicting, exists := m.spent[s]; exists {
				e := m.entries[conflicting]
				m.removeLocked(conflicting)
				m.notifier.NotifyEvicted(e.tx, e.txid, ErrDoubleSpend)
			}
		}
	}
}
