package paged

import (
	"fmt"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Verification progress
// ───────────────────────────────────────────────────────────────────────────
//
// A Progress collects inconsistencies found during verification. It is owned
// by the caller; the verifier only reports, it never repairs.

// Inconsistency describes one structural problem found by verification.
type Inconsistency struct {
	Code        string
	Description string
	Pages       []PageID
}

func (in Inconsistency) String() string {
	if len(in.Pages) == 0 {
		return fmt.Sprintf("%s: %s", in.Code, in.Description)
	}
	return fmt.Sprintf("%s: %s (pages %v)", in.Code, in.Description, in.Pages)
}

// Progress is the sink verification reports into.
type Progress struct {
	mu    sync.Mutex
	items []Inconsistency
}

// Report records one inconsistency.
func (p *Progress) Report(code, description string, pages ...PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, Inconsistency{Code: code, Description: description, Pages: pages})
}

// Consistent reports whether no inconsistency has been recorded.
func (p *Progress) Consistent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) == 0
}

// Inconsistencies returns a copy of everything reported so far.
func (p *Progress) Inconsistencies() []Inconsistency {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Inconsistency, len(p.items))
	copy(out, p.items)
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Use info
// ───────────────────────────────────────────────────────────────────────────

// UseInfo accumulates every (page, area) pair a verification walk saw in
// use, so the file can cross-check them against its own directory.
type UseInfo struct {
	pages map[PageID]map[AreaID]struct{}
}

// NewUseInfo creates an empty UseInfo.
func NewUseInfo() *UseInfo {
	return &UseInfo{pages: map[PageID]map[AreaID]struct{}{}}
}

// RegisterPage records pid as used.
func (u *UseInfo) RegisterPage(pid PageID) {
	if _, ok := u.pages[pid]; !ok {
		u.pages[pid] = map[AreaID]struct{}{}
	}
}

// RegisterArea records (pid, aid) as used; the page is registered too.
func (u *UseInfo) RegisterArea(pid PageID, aid AreaID) {
	u.RegisterPage(pid)
	u.pages[pid][aid] = struct{}{}
}

// HasPage reports whether pid was registered.
func (u *UseInfo) HasPage(pid PageID) bool {
	_, ok := u.pages[pid]
	return ok
}

// HasArea reports whether (pid, aid) was registered.
func (u *UseInfo) HasArea(pid PageID, aid AreaID) bool {
	areas, ok := u.pages[pid]
	if !ok {
		return false
	}
	_, ok = areas[aid]
	return ok
}
