// Package btx is the public face of the B+-tree storage engine. It maps a
// fixed key tuple to a value tuple on disk, with ordered scans, point
// lookups, uniqueness constraints, structural verification, and cost
// estimation for a query planner. The heavy lifting lives in
// internal/btree (the tree and value files) and internal/paged (the
// transactional paged-file layer).
package btx

import (
	"github.com/btxdb/btx/internal/btree"
	"github.com/btxdb/btx/internal/config"
	"github.com/btxdb/btx/internal/maintenance"
	"github.com/btxdb/btx/internal/paged"
)

// Re-exported engine types; the façade adds nothing but wiring.
type (
	Schema      = btree.Schema
	FieldSpec   = btree.FieldSpec
	FieldType   = btree.FieldType
	Uniqueness  = btree.Uniqueness
	Tuple       = btree.Tuple
	Value       = btree.Value
	Options     = btree.Options
	ScanOptions = btree.ScanOptions
	Cursor      = btree.Cursor
	Estimate    = btree.Estimate
	Txn         = paged.Txn
	Progress    = paged.Progress
	Config      = config.Config
)

const (
	TypeInt32   = btree.TypeInt32
	TypeInt64   = btree.TypeInt64
	TypeFloat64 = btree.TypeFloat64
	TypeString  = btree.TypeString
	TypeBinary  = btree.TypeBinary

	NotUnique   = btree.NotUnique
	KeyUnique   = btree.KeyUnique
	TupleUnique = btree.TupleUnique
)

// Shared NULL sentinel and value constructors.
var (
	Null      = btree.Null
	NewInt    = btree.NewInt
	NewFloat  = btree.NewFloat
	NewString = btree.NewString
	NewBytes  = btree.NewBytes
	NewArray  = btree.NewArray
)

// Sentinel errors.
var (
	ErrBadArgument         = btree.ErrBadArgument
	ErrFileNotOpen         = btree.ErrFileNotOpen
	ErrIllegalFileAccess   = btree.ErrIllegalFileAccess
	ErrNotSupported        = btree.ErrNotSupported
	ErrUniquenessViolation = btree.ErrUniquenessViolation
	ErrEntryNotFound       = btree.ErrEntryNotFound
	ErrMemoryExhaust       = btree.ErrMemoryExhaust
	ErrUnexpected          = btree.ErrUnexpected
)

// NewTxn creates a read-write transaction descriptor.
func NewTxn() *Txn { return paged.NewTxn() }

// NewReadTxn creates a read-only transaction descriptor.
func NewReadTxn() *Txn { return paged.NewReadTxn() }

// LoadConfig reads the shared configuration; a missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Index is one open B+-tree index, plus its background checkpointing when
// the configuration schedules any.
type Index struct {
	*btree.File
	sched *maintenance.Scheduler
}

// Create builds a new index at dir.
func Create(txn *Txn, dir string, schema *Schema, opts Options) (*Index, error) {
	f, err := btree.Create(txn, dir, schema, opts)
	if err != nil {
		return nil, err
	}
	return wire(f, opts)
}

// Open mounts an existing index at dir.
func Open(txn *Txn, dir string, schema *Schema, opts Options) (*Index, error) {
	f, err := btree.Open(txn, dir, schema, opts)
	if err != nil {
		return nil, err
	}
	return wire(f, opts)
}

func wire(f *btree.File, opts Options) (*Index, error) {
	ix := &Index{File: f}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.CheckpointSpec != "" {
		ix.sched = maintenance.NewScheduler()
		if err := ix.sched.AddCheckpoint("checkpoint", cfg.CheckpointSpec, f); err != nil {
			ix.File.Close(paged.NewTxn())
			return nil, err
		}
		ix.sched.Start()
	}
	return ix, nil
}

// Close stops background maintenance and unmounts the index.
func (ix *Index) Close(txn *Txn) error {
	if ix.sched != nil {
		ix.sched.Stop()
		ix.sched = nil
	}
	return ix.File.Close(txn)
}
