package paged

import (
	"encoding/binary"
	"sort"
)

// ───────────────────────────────────────────────────────────────────────────
// Free-list pages
// ───────────────────────────────────────────────────────────────────────────
//
// The free-list is a singly-linked chain of pages, each storing an array of
// page IDs that are free and available for reuse.
//
// Layout:
//   [0:32]   Common PageHeader (Type=FreeList)
//   [32:36]  NextFreeList  (uint32 LE) — next free-list page, UndefinedPageID = end
//   [36:40]  EntryCount    (uint32 LE)
//   [40:40+4*EntryCount]   PageID entries (uint32 LE each)

const (
	freeListNextOff  = PageHeaderSize
	freeListCountOff = freeListNextOff + 4
	freeListDataOff  = freeListCountOff + 4
	freeListEntryLen = 4
)

// FreeListCapacity returns how many page IDs fit in one free-list page.
func FreeListCapacity(pageSize int) int {
	return (pageSize - freeListDataOff) / freeListEntryLen
}

func initFreeListPage(buf []byte, id PageID) {
	h := &PageHeader{Type: PageTypeFreeList, ID: id}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[freeListNextOff:], uint32(UndefinedPageID))
	binary.LittleEndian.PutUint32(buf[freeListCountOff:], 0)
}

func freeListNext(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(buf[freeListNextOff:]))
}

func freeListEntries(buf []byte) []PageID {
	n := int(binary.LittleEndian.Uint32(buf[freeListCountOff:]))
	ids := make([]PageID, n)
	for i := 0; i < n; i++ {
		ids[i] = PageID(binary.LittleEndian.Uint32(buf[freeListDataOff+i*freeListEntryLen:]))
	}
	return ids
}

// FreeManager tracks free pages in memory, backed by free-list pages that
// are rewritten on checkpoint.
type FreeManager struct {
	free map[PageID]struct{}
	head PageID
}

// NewFreeManager creates an empty FreeManager.
func NewFreeManager() *FreeManager {
	return &FreeManager{free: map[PageID]struct{}{}, head: UndefinedPageID}
}

// LoadFromDisk walks the free-list chain starting at head and populates the
// in-memory set. readPage reads a raw page by ID.
func (fm *FreeManager) LoadFromDisk(head PageID, readPage func(PageID) ([]byte, error)) error {
	fm.head = head
	pid := head
	for pid != UndefinedPageID {
		buf, err := readPage(pid)
		if err != nil {
			return err
		}
		for _, freeID := range freeListEntries(buf) {
			fm.free[freeID] = struct{}{}
		}
		pid = freeListNext(buf)
	}
	return nil
}

// Alloc pops the lowest free page ID, or UndefinedPageID if none.
// Lowest-first keeps files dense after churn.
func (fm *FreeManager) Alloc() PageID {
	if len(fm.free) == 0 {
		return UndefinedPageID
	}
	best := UndefinedPageID
	for pid := range fm.free {
		if pid < best {
			best = pid
		}
	}
	delete(fm.free, best)
	return best
}

// Free marks a page ID as available for reuse.
func (fm *FreeManager) Free(pid PageID) {
	fm.free[pid] = struct{}{}
}

// Reuse withdraws pid from the free set (operation rollback un-frees it).
// Reports whether pid was actually free.
func (fm *FreeManager) Reuse(pid PageID) bool {
	if _, ok := fm.free[pid]; !ok {
		return false
	}
	delete(fm.free, pid)
	return true
}

// IsFree reports whether pid is in the free set.
func (fm *FreeManager) IsFree(pid PageID) bool {
	_, ok := fm.free[pid]
	return ok
}

// Count returns the number of free pages.
func (fm *FreeManager) Count() int { return len(fm.free) }

// AllFree returns all free page IDs in ascending order.
func (fm *FreeManager) AllFree() []PageID {
	ids := make([]PageID, 0, len(fm.free))
	for pid := range fm.free {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FlushToDisk writes the free set into free-list pages. It returns the head
// PageID of the new chain and the page buffers to write. allocPage returns a
// fresh zeroed page buffer with its ID.
func (fm *FreeManager) FlushToDisk(pageSize int, allocPage func() (PageID, []byte)) (PageID, [][]byte) {
	ids := fm.AllFree()
	if len(ids) == 0 {
		fm.head = UndefinedPageID
		return UndefinedPageID, nil
	}

	capacity := FreeListCapacity(pageSize)
	var pages [][]byte
	head := UndefinedPageID
	var prev []byte

	for i := 0; i < len(ids); i += capacity {
		end := i + capacity
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		pid, buf := allocPage()
		initFreeListPage(buf, pid)
		for j, fid := range chunk {
			binary.LittleEndian.PutUint32(buf[freeListDataOff+j*freeListEntryLen:], uint32(fid))
		}
		binary.LittleEndian.PutUint32(buf[freeListCountOff:], uint32(len(chunk)))
		SetPageCRC(buf)
		pages = append(pages, buf)

		if prev != nil {
			binary.LittleEndian.PutUint32(prev[freeListNextOff:], uint32(pid))
			SetPageCRC(prev)
		} else {
			head = pid
		}
		prev = buf
	}

	fm.head = head
	return head, pages
}
