package audit

import (
	"testing"
	"time"
)

func TestAppendLinksRecordsByHash(t *testing.T) {
	c := NewChain()

	first, err := c.Append(1, "Host", "LS", true, false, time.Millisecond)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.PreviousHash != genesisHash {
		t.Errorf("first record's PreviousHash = %q, want genesis", first.PreviousHash)
	}
	if first.Seq != 1 {
		t.Errorf("first record's Seq = %d, want 1", first.Seq)
	}

	second, err := c.Append(1, "Host", "READ_FILE: a.txt", false, true, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.PreviousHash != first.Hash {
		t.Errorf("second record's PreviousHash = %q, want %q", second.PreviousHash, first.Hash)
	}
	if second.Seq != 2 {
		t.Errorf("second record's Seq = %d, want 2", second.Seq)
	}
}

func TestValidateDetectsIntactChain(t *testing.T) {
	c := NewChain()
	for i := 0; i < 5; i++ {
		if _, err := c.Append(uint64(i), "Host", "LS", true, false, time.Millisecond); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ok, brokenAt := c.Validate()
	if !ok || brokenAt != -1 {
		t.Fatalf("Validate() = (%v, %d), want (true, -1)", ok, brokenAt)
	}
}

func TestValidateDetectsTamperedRecord(t *testing.T) {
	c := NewChain()
	if _, err := c.Append(1, "Host", "LS", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Append(1, "Host", "CALC: 1+1", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c.mu.Lock()
	c.records[0].Command = "LS /tampered"
	c.mu.Unlock()

	ok, brokenAt := c.Validate()
	if ok || brokenAt != 0 {
		t.Fatalf("Validate() = (%v, %d), want (false, 0)", ok, brokenAt)
	}
}

func TestValidateDetectsBrokenLinkage(t *testing.T) {
	c := NewChain()
	if _, err := c.Append(1, "Host", "LS", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Append(1, "Host", "CALC: 1+1", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c.mu.Lock()
	c.records[1].PreviousHash = "deadbeef"
	c.mu.Unlock()

	ok, brokenAt := c.Validate()
	if ok || brokenAt != 1 {
		t.Fatalf("Validate() = (%v, %d), want (false, 1)", ok, brokenAt)
	}
}

func TestRecordsReturnsASnapshotNotALiveView(t *testing.T) {
	c := NewChain()
	if _, err := c.Append(1, "Host", "LS", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap := c.Records()
	if len(snap) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap))
	}

	if _, err := c.Append(1, "Host", "CALC: 1+1", true, false, time.Millisecond); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(snap) != 1 {
		t.Errorf("earlier snapshot should not observe later appends, got len %d", len(snap))
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
