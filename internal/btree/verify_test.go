package btree

import (
	"strings"
	"testing"

	"github.com/btxdb/btx/internal/paged"
)

func TestVerifyConsistentAfterChurn(t *testing.T) {
	f := createTestFile(t, u32Schema(KeyUnique), 4)
	for i := int64(1); i <= 60; i++ {
		mustInsert(t, f, i)
	}
	for i := int64(2); i <= 60; i += 2 {
		mustDelete(t, f, i)
	}
	mustVerify(t, f)
}

// Scenario: a dangling next-leaf link is reported with both page IDs and
// the file is left untouched.
func TestVerifyCorruptedLeafLink(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 3)
	mustInsert(t, f, 1, 2, 3, 4)

	fi, err := f.Info(paged.NewTxn())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	lastLeaf := fi.LastLeafPID
	dangling := paged.PageID(9999)
	err = f.runMutation(paged.NewTxn(), func(op *operation) error {
		leaf, err := f.nodeAt(op, lastLeaf, paged.FixWrite)
		if err != nil {
			return err
		}
		leaf.setNextLeaf(dangling)
		return nil
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	before := capturePages(t, f)
	var progress paged.Progress
	if err := f.Verify(paged.NewTxn(), &progress); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if progress.Consistent() {
		t.Fatal("verify missed the dangling leaf link")
	}
	found := false
	for _, in := range progress.Inconsistencies() {
		if in.Code != "LeafChain" && in.Code != "LastLeaf" {
			continue
		}
		names := false
		for _, p := range in.Pages {
			if p == lastLeaf || p == dangling {
				names = true
			}
		}
		if names && strings.Contains(in.Description, "9999") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no report names the pages: %v", progress.Inconsistencies())
	}

	// Verification must not repair or otherwise alter the file.
	after := capturePages(t, f)
	for i := range before {
		if string(before[i]) != string(after[i]) {
			t.Fatalf("verify altered page %d", i)
		}
	}
}

func TestVerifyDetectsCountMismatch(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 3)
	mustInsert(t, f, 1, 2, 3)

	err := f.runMutation(paged.NewTxn(), func(op *operation) error {
		fi, hp, err := f.fileInfo(op, paged.FixWrite)
		if err != nil {
			return err
		}
		fi.TupleCount = 99
		f.writeFileInfo(op, fi, hp)
		return nil
	})
	if err != nil {
		t.Fatalf("corrupt count: %v", err)
	}

	var progress paged.Progress
	if err := f.Verify(paged.NewTxn(), &progress); err != nil {
		t.Fatalf("verify: %v", err)
	}
	found := false
	for _, in := range progress.Inconsistencies() {
		if in.Code == "TupleCount" {
			found = true
		}
	}
	if !found {
		t.Fatalf("count mismatch not reported: %v", progress.Inconsistencies())
	}
}

func TestVerifyDetectsDelegateMismatch(t *testing.T) {
	f := createTestFile(t, u32Schema(NotUnique), 3)
	mustInsert(t, f, 1, 2, 3, 4)

	// Overwrite the root's first delegate with a key that is not its
	// child's last key.
	err := f.runMutation(paged.NewTxn(), func(op *operation) error {
		fi, _, err := f.fileInfo(op, paged.FixWrite)
		if err != nil {
			return err
		}
		root, err := f.nodeAt(op, fi.RootPID, paged.FixWrite)
		if err != nil {
			return err
		}
		if err := f.encodeInlineKey(root.keyPart(0), Tuple{NewInt(77)}); err != nil {
			return err
		}
		root.markDirty()
		return nil
	})
	if err != nil {
		t.Fatalf("corrupt delegate: %v", err)
	}

	var progress paged.Progress
	if err := f.Verify(paged.NewTxn(), &progress); err != nil {
		t.Fatalf("verify: %v", err)
	}
	found := false
	for _, in := range progress.Inconsistencies() {
		if in.Code == "DelegateKey" {
			found = true
		}
	}
	if !found {
		t.Fatalf("delegate mismatch not reported: %v", progress.Inconsistencies())
	}
}
