package btree

import (
	"math"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// Cost estimation
// ───────────────────────────────────────────────────────────────────────────
//
// The planner asks four questions: how big the index is on disk, how many
// tuples it holds, how long one descent takes, and how long one tuple
// read takes. The seek overhead is
//
//   (log₂(fanout)/2) · avg_key_bytes · depth / transfer_rate
//
// Average key bytes are exact when keys are inlined; with key objects
// they are derived from the live tree-file bytes other than node headers,
// key tables and the file information.

// Estimate is the planner-facing cost summary.
type Estimate struct {
	FileSize      int64   // on-disk bytes of both paged files
	TupleCount    uint64  // the file-information counter
	SeekSeconds   float64 // per-descent overhead
	ReadSeconds   float64 // per-tuple read time
	AvgKeyBytes   float64
	AvgValueBytes float64
}

// Estimate computes the cost summary for the planner.
func (f *File) Estimate(txn *paged.Txn) (*Estimate, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	op, err := f.beginOp(txn, false)
	if err != nil {
		return nil, err
	}
	est, err := f.estimateLocked(op)
	if sErr := op.succeed(); err == nil {
		err = sErr
	}
	return est, err
}

func (f *File) estimateLocked(op *operation) (*Estimate, error) {
	fi, _, err := f.fileInfo(op, paged.FixRead)
	if err != nil {
		return nil, err
	}
	est := &Estimate{
		FileSize:   f.tf.Size() + f.vf.Size(),
		TupleCount: fi.TupleCount,
	}
	if fi.TupleCount == 0 {
		return est, nil
	}

	if f.layout.keyInline {
		est.AvgKeyBytes = float64(f.layout.keyBytes)
	} else {
		kb, err := f.keyObjectBytes(op)
		if err != nil {
			return nil, err
		}
		est.AvgKeyBytes = float64(kb) / float64(fi.TupleCount)
	}
	est.AvgValueBytes = float64(f.vf.Size()) / float64(fi.TupleCount)

	rate := f.cfg.BytesPerSecond()
	est.SeekSeconds = math.Log2(float64(f.layout.fanout)) / 2 *
		est.AvgKeyBytes * float64(fi.TreeDepth) / rate
	est.ReadSeconds = est.AvgValueBytes / rate
	return est, nil
}

// keyObjectBytes sums the live tree-file bytes that are not node headers,
// key tables, or the file information — i.e. the key objects.
func (f *File) keyObjectBytes(op *operation) (int64, error) {
	var total int64
	for pid := paged.PageID(0); uint64(pid) < f.tf.PageCount(); pid++ {
		if f.tf.IsFreePage(pid) {
			continue
		}
		pg, err := op.attach(f.tf, pid, paged.FixRead)
		if err != nil {
			continue
		}
		if pg.Type() != paged.PageTypeData {
			continue
		}
		isNode := pg.AreaSize(nodeHeaderAreaID) == nodeHeaderSize
		for _, aid := range pg.LiveAreas() {
			if pid == fileInfoPageID && aid == fileInfoAreaID {
				continue
			}
			if isNode && (aid == nodeHeaderAreaID || aid == keyTableAreaID) {
				continue
			}
			total += int64(pg.AreaSize(aid))
		}
		if err := op.release(f.tf, pid); err != nil {
			return 0, err
		}
	}
	return total, nil
}
