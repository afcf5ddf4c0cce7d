package paged

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Version log
// ───────────────────────────────────────────────────────────────────────────
//
// The engine turns every mutation into a recovery unit: a set of page
// images that must land together or not at all. The version log mirrors
// that unit directly. While an operation runs, its dirty page images are
// staged in memory; Commit writes them as one sealed frame and fsyncs,
// Abort just drops them. A frame's seal is its commit record — there are
// no begin/commit/abort markers on disk, and an unsealed tail (crash mid
// write) is invisible to the reader. Frames carry the wall-clock time of
// their commit so the file can be rolled to a point in time; replay is a
// linear sweep in file order, later frames overwriting earlier ones.
//
// Log file header (24 bytes):
//   [0:8]   Magic     "BTXVLOG\x00"
//   [8:12]  Version   uint32 LE
//   [12:16] PageSize  uint32 LE
//   [16:20] HeaderCRC uint32 LE (CRC of bytes 0:16)
//   [20:24] Padding
//
// Frame (one committed operation):
//   [0:8]   Stamp      int64 LE, unix nanoseconds of the commit
//   [8:12]  ImageCount uint32 LE
//   then ImageCount × ( u32 PageID | PageSize bytes )
//   [  :+4] FrameCRC   uint32 LE (CRC of stamp, count, and all images)
//   [  :+4] Seal       "DONE"

const (
	logMagic       = "BTXVLOG\x00"
	logVersion     = uint32(1)
	logFileHdrSize = 24
	frameHdrSize   = 12
	frameSealSize  = 8
	frameSeal      = uint32(0x454E4F44) // "DONE"

	// maxFrameImages bounds a single operation's footprint; a larger
	// count in the log can only be garbage and ends the sweep.
	maxFrameImages = 1 << 20
)

// PageImage is one page version inside a frame.
type PageImage struct {
	ID   PageID
	Data []byte
}

// Frame is one committed operation's worth of page versions.
type Frame struct {
	Stamp  time.Time
	Images []PageImage
}

// VersionLog stages page images per operation and appends sealed frames.
type VersionLog struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	pageSize int
	writePos int64
	pending  map[TxID][]PageImage
}

// OpenVersionLog opens or creates a version log. An existing header is
// validated; a missing file gets a fresh header.
func OpenVersionLog(path string, pageSize int) (*VersionLog, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open version log: %w", err)
	}

	vl := &VersionLog{f: f, path: path, pageSize: pageSize, pending: map[TxID][]PageImage{}}

	if exists {
		if err := vl.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("seek log end: %w", err)
		}
		vl.writePos = end
	} else {
		if err := vl.writeFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
		vl.writePos = logFileHdrSize
	}
	return vl, nil
}

func (vl *VersionLog) writeFileHeader() error {
	var hdr [logFileHdrSize]byte
	copy(hdr[0:8], logMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], logVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(vl.pageSize))
	binary.LittleEndian.PutUint32(hdr[16:20], crc32.Checksum(hdr[:16], crcTable))
	if _, err := vl.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write log header: %w", err)
	}
	return vl.f.Sync()
}

func (vl *VersionLog) validateHeader() error {
	var hdr [logFileHdrSize]byte
	if n, err := vl.f.ReadAt(hdr[:], 0); n < logFileHdrSize {
		return fmt.Errorf("log header too short: %w", err)
	}
	if string(hdr[0:8]) != logMagic {
		return fmt.Errorf("bad version-log magic")
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != logVersion {
		return fmt.Errorf("unsupported version-log version %d", v)
	}
	if ps := binary.LittleEndian.Uint32(hdr[12:16]); int(ps) != vl.pageSize {
		return fmt.Errorf("version-log page size %d != expected %d", ps, vl.pageSize)
	}
	if binary.LittleEndian.Uint32(hdr[16:20]) != crc32.Checksum(hdr[:16], crcTable) {
		return fmt.Errorf("version-log header CRC mismatch")
	}
	return nil
}

// Begin registers an operation so it counts as in flight even before its
// first page image arrives.
func (vl *VersionLog) Begin(txn TxID) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if _, ok := vl.pending[txn]; !ok {
		vl.pending[txn] = nil
	}
}

// LogPage stages a page image under the operation. Nothing reaches disk
// until Commit. A page staged twice keeps only its newest image.
func (vl *VersionLog) LogPage(txn TxID, pid PageID, image []byte) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	staged := vl.pending[txn]
	for i := range staged {
		if staged[i].ID == pid {
			copy(staged[i].Data, image)
			return
		}
	}
	vl.pending[txn] = append(staged, PageImage{ID: pid, Data: append([]byte{}, image...)})
}

// Commit seals the operation's staged images into one frame and fsyncs.
// An operation that touched nothing leaves no frame behind.
func (vl *VersionLog) Commit(txn TxID) error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	staged := vl.pending[txn]
	delete(vl.pending, txn)
	if len(staged) == 0 {
		return nil
	}

	buf := make([]byte, frameHdrSize+len(staged)*(4+vl.pageSize)+frameSealSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(staged)))
	off := frameHdrSize
	for _, img := range staged {
		binary.LittleEndian.PutUint32(buf[off:], uint32(img.ID))
		copy(buf[off+4:], img.Data)
		off += 4 + vl.pageSize
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.Checksum(buf[:off], crcTable))
	binary.LittleEndian.PutUint32(buf[off+4:], frameSeal)

	n, err := vl.f.WriteAt(buf, vl.writePos)
	if err != nil {
		return fmt.Errorf("version-log commit: %w", err)
	}
	vl.writePos += int64(n)
	return vl.f.Sync()
}

// Abort discards the operation's staged images.
func (vl *VersionLog) Abort(txn TxID) {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	delete(vl.pending, txn)
}

// PendingOps returns how many operations are in flight (staged but not
// yet committed).
func (vl *VersionLog) PendingOps() int {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return len(vl.pending)
}

// HasFrames reports whether any sealed frame sits in the log.
func (vl *VersionLog) HasFrames() bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.writePos > logFileHdrSize
}

// Truncate drops every frame (after a checkpoint has made them redundant).
func (vl *VersionLog) Truncate() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	if err := vl.f.Truncate(logFileHdrSize); err != nil {
		return err
	}
	vl.writePos = logFileHdrSize
	return vl.f.Sync()
}

// Close closes the log file. Staged images of in-flight operations die
// with the process, exactly as a crash would treat them.
func (vl *VersionLog) Close() error {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return vl.f.Close()
}

// ReadFrames returns every sealed frame in commit order. The sweep ends
// silently at the first torn or unsealed frame (crash truncation).
func ReadFrames(path string, pageSize int) ([]*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(logFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var frames []*Frame
	for {
		var hdr [frameHdrSize]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return frames, nil
		}
		count := binary.LittleEndian.Uint32(hdr[8:12])
		if count == 0 || count > maxFrameImages {
			return frames, nil
		}
		body := make([]byte, int(count)*(4+pageSize)+frameSealSize)
		if _, err := io.ReadFull(f, body); err != nil {
			return frames, nil
		}
		sealOff := len(body) - frameSealSize
		if binary.LittleEndian.Uint32(body[sealOff+4:]) != frameSeal {
			return frames, nil
		}
		h := crc32.New(crcTable)
		h.Write(hdr[:])
		h.Write(body[:sealOff])
		if h.Sum32() != binary.LittleEndian.Uint32(body[sealOff:]) {
			return frames, nil
		}

		fr := &Frame{Stamp: time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[0:8])))}
		off := 0
		for i := uint32(0); i < count; i++ {
			pid := PageID(binary.LittleEndian.Uint32(body[off:]))
			img := make([]byte, pageSize)
			copy(img, body[off+4:off+4+pageSize])
			fr.Images = append(fr.Images, PageImage{ID: pid, Data: img})
			off += 4 + pageSize
		}
		frames = append(frames, fr)
	}
}
