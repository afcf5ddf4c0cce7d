package paged

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Transaction descriptor
// ───────────────────────────────────────────────────────────────────────────
//
// The paged layer does not implement isolation; a Txn names the unit of
// logging and recovery. One descriptor accompanies every call into a file,
// and conflicting page fixes are serialised by the file's own lock.

var nextTxnID atomic.Uint64

// Txn is a transaction descriptor.
type Txn struct {
	ID       TxID
	LockName uuid.UUID
	ReadOnly bool
}

// NewTxn creates a read-write transaction descriptor with a fresh lock name.
func NewTxn() *Txn {
	return &Txn{ID: TxID(nextTxnID.Add(1)), LockName: uuid.New()}
}

// NewReadTxn creates a read-only transaction descriptor.
func NewReadTxn() *Txn {
	t := NewTxn()
	t.ReadOnly = true
	return t
}
