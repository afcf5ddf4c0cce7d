package btree

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btxdb/btx/internal/paged"
)

// ───────────────────────────────────────────────────────────────────────────
// File information
// ───────────────────────────────────────────────────────────────────────────
//
// The file information lives in area 0 of page 0 of the tree file:
//
//   [0:4]   FileVersion   uint32 LE
//   [4:8]   ModDate       int32 LE  (year*10000 + month*100 + day)
//   [8:12]  ModTime       int32 LE  (((hour*100+min)*100+sec)*1000 + ms)
//   [12:16] TreeDepth     uint32 LE
//   [16:20] RootPID       uint32 LE
//   [20:24] TopLeafPID    uint32 LE
//   [24:28] LastLeafPID   uint32 LE
//   [28:36] TupleCount    uint64 LE
//
// Each operation decodes the header once into a FileInformation, mutates
// the copy, and writes it back before committing.

// FileVersion is the on-disk format version of the index.
type FileVersion uint32

// CurrentFileVersion is the version written by this build.
const CurrentFileVersion FileVersion = 1

const (
	fileInfoPageID paged.PageID = 0
	fileInfoAreaID paged.AreaID = 0
	fileInfoSize                = 36
)

// FileInformation is the decoded header of the tree file.
type FileInformation struct {
	Version     FileVersion
	Modified    time.Time
	TreeDepth   uint32
	RootPID     paged.PageID
	TopLeafPID  paged.PageID
	LastLeafPID paged.PageID
	TupleCount  uint64
}

// initFileInformation allocates area 0 on the header page and writes the
// initial record.
func initFileInformation(txn *paged.Txn, p *paged.Page, fi *FileInformation) error {
	aid, err := p.AllocateArea(txn, fileInfoSize)
	if err != nil {
		return err
	}
	if aid != fileInfoAreaID {
		return fmt.Errorf("file information landed in area %d", aid)
	}
	fi.write(p)
	return nil
}

// readFileInformation decodes the header area.
func readFileInformation(p *paged.Page) (*FileInformation, error) {
	buf := p.Area(fileInfoAreaID)
	if len(buf) < fileInfoSize {
		return nil, fmt.Errorf("%w: file information area is %d bytes", ErrUnexpected, len(buf))
	}
	fi := &FileInformation{
		Version:     FileVersion(binary.LittleEndian.Uint32(buf[0:4])),
		TreeDepth:   binary.LittleEndian.Uint32(buf[12:16]),
		RootPID:     paged.PageID(binary.LittleEndian.Uint32(buf[16:20])),
		TopLeafPID:  paged.PageID(binary.LittleEndian.Uint32(buf[20:24])),
		LastLeafPID: paged.PageID(binary.LittleEndian.Uint32(buf[24:28])),
		TupleCount:  binary.LittleEndian.Uint64(buf[28:36]),
	}
	fi.Modified = unpackModification(
		int32(binary.LittleEndian.Uint32(buf[4:8])),
		int32(binary.LittleEndian.Uint32(buf[8:12])))
	return fi, nil
}

// write encodes the record into the header area and stamps the
// modification time.
func (fi *FileInformation) write(p *paged.Page) {
	fi.Modified = time.Now()
	buf := p.Area(fileInfoAreaID)
	d, t := packModification(fi.Modified)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fi.Version))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(t))
	binary.LittleEndian.PutUint32(buf[12:16], fi.TreeDepth)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(fi.RootPID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(fi.TopLeafPID))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(fi.LastLeafPID))
	binary.LittleEndian.PutUint64(buf[28:36], fi.TupleCount)
}

func packModification(ts time.Time) (int32, int32) {
	y, m, d := ts.Date()
	date := int32(y*10000 + int(m)*100 + d)
	clock := int32(((ts.Hour()*100+ts.Minute())*100+ts.Second())*1000 + ts.Nanosecond()/1e6)
	return date, clock
}

func unpackModification(date, clock int32) time.Time {
	y := int(date) / 10000
	m := int(date) / 100 % 100
	d := int(date) % 100
	ms := int(clock) % 1000
	s := int(clock) / 1000 % 100
	mi := int(clock) / 100000 % 100
	h := int(clock) / 10000000
	if y == 0 {
		return time.Time{}
	}
	return time.Date(y, time.Month(m), d, h, mi, s, ms*1e6, time.Local)
}
