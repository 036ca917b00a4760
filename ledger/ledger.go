package ledger

import (
	"sync"

	"github.com/latticebft/lattice/internal/utils"
	"github.com/pkg/errors"
)

// Ledger is a node's local replica of the chain plus the transaction pool
// and balance projection derived from it. Consensus owns the single event
// loop that drives it, but the mutex guards against any incidental
// cross-goroutine access (the transport's dispatch goroutines, the
// metrics HTTP handler) rather than expressing real internal concurrency.
type Ledger struct {
	mu sync.RWMutex

	chain    []Block
	pending  []Transaction
	txIndex  map[string]Transaction
	balances map[string]float64
}

// New returns an empty ledger seeded with the given initial balances.
func New(initialBalances map[string]float64) *Ledger {
	balances := make(map[string]float64, len(initialBalances))
	for acct, bal := range initialBalances {
		balances[acct] = bal
	}
	return &Ledger{
		txIndex:  make(map[string]Transaction),
		balances: balances,
	}
}

// Admit appends tx to pending and the hash index. No validation happens
// here — a transaction may be admitted before its sender account exists.
// Admitting the same content hash twice is a no-op.
func (l *Ledger) Admit(tx Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txIndex[tx.Hash]; ok {
		return
	}
	l.pending = append(l.pending, tx)
	l.txIndex[tx.Hash] = tx
}

// Validate succeeds iff the sender account exists and holds at least
// amount. Used at proposal time only; pending membership is untouched.
func (l *Ledger) Validate(tx Transaction) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.balances[tx.Sender]
	return ok && bal >= tx.Amount
}

// ProposeBlock filters the pending pool by Validate, builds a Block
// referencing the chain tip, and returns it without mutating chain,
// pending, or balances. Rejected transactions remain in pending.
func (l *Ledger) ProposeBlock(leaderID string, round uint64, shardID uint32, timestamp float64) (Block, error) {
	l.mu.RLock()
	pending := make([]Transaction, len(l.pending))
	copy(pending, l.pending)
	prevHash := GenesisPreviousHash
	if n := len(l.chain); n > 0 {
		prevHash = l.chain[n-1].Hash
	}
	nextIndex := uint64(len(l.chain) + 1)
	l.mu.RUnlock()

	var valid []Transaction
	for _, tx := range pending {
		if l.Validate(tx) {
			valid = append(valid, tx)
		} else {
			utils.Logger().Warn().Str("tx", tx.Hash).Str("sender", tx.Sender).
				Msg("[ProposeBlock] transaction rejected at proposal, left pending")
		}
	}
	return NewBlock(nextIndex, timestamp, valid, leaderID, round, shardID, prevHash)
}

// CommitBlock appends block to chain, applies every transaction in order
// (debit sender, credit receiver, auto-creating accounts), and clears
// pending of transactions now embedded in block.
func (l *Ledger) CommitBlock(block Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.chain); n > 0 {
		if block.PreviousHash != l.chain[n-1].Hash {
			return errors.Errorf("ledger: commit_block: previous_hash %s does not match chain tip %s", block.PreviousHash, l.chain[n-1].Hash)
		}
		if block.Index != uint64(n+1) {
			return errors.Errorf("ledger: commit_block: index %d does not match next contiguous index %d", block.Index, n+1)
		}
	} else if block.PreviousHash != GenesisPreviousHash {
		return errors.Errorf("ledger: commit_block: first block previous_hash must be %q", GenesisPreviousHash)
	}

	l.chain = append(l.chain, block)
	committed := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		l.balances[tx.Sender] -= tx.Amount
		l.balances[tx.Receiver] += tx.Amount
		committed[tx.Hash] = struct{}{}
	}

	if len(committed) > 0 {
		remaining := l.pending[:0]
		for _, tx := range l.pending {
			if _, done := committed[tx.Hash]; !done {
				remaining = append(remaining, tx)
			}
		}
		l.pending = remaining
	}
	return nil
}

// Balance returns the account's current projected balance, or 0 if the
// account has never been debited or credited.
func (l *Ledger) Balance(account string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// ChainLength returns the number of committed blocks.
func (l *Ledger) ChainLength() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// BlockAt returns the block at 0-based chain position i.
func (l *Ledger) BlockAt(i int) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.chain) {
		return Block{}, false
	}
	return l.chain[i], true
}

// TipHash returns the hash of the last committed block, or
// GenesisPreviousHash if the chain is empty.
func (l *Ledger) TipHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := len(l.chain); n > 0 {
		return l.chain[n-1].Hash
	}
	return GenesisPreviousHash
}

// Transaction looks up a transaction (pending or committed) by content hash.
func (l *Ledger) Transaction(hash string) (Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.txIndex[hash]
	return tx, ok
}

// PendingLen reports the current pool size.
func (l *Ledger) PendingLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// OverwriteAt places block at chain position i, which must equal the
// chain length (a contiguous append) and applies its transactions to
// balances. It refuses to replace an already-committed block (i <
// len(chain)). Unlike CommitBlock it checks neither the previous-hash
// link nor the index, and leaves pending untouched; recovery appends
// through CommitBlock, not through this method.
func (l *Ledger) OverwriteAt(i int, block Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i > len(l.chain) {
		return errors.Errorf("ledger: overwrite_at: index %d out of range (chain len %d)", i, len(l.chain))
	}
	if i < len(l.chain) {
		return errors.Errorf("ledger: overwrite_at: refusing to overwrite committed block at %d", i)
	}
	l.chain = append(l.chain, block)
	for _, tx := range block.Transactions {
		l.balances[tx.Sender] -= tx.Amount
		l.balances[tx.Receiver] += tx.Amount
	}
	return nil
}

// DropPending evicts a transaction from the pool by hash without
// committing it — an explicit operator-invoked operation; pending
// transactions otherwise never expire on their own.
func (l *Ledger) DropPending(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.txIndex, hash)
	for i, tx := range l.pending {
		if tx.Hash == hash {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}
