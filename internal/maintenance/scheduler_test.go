package maintenance

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/btxdb/btx/internal/paged"
)

type countingFlusher struct {
	n atomic.Int64
}

func (c *countingFlusher) Flush(txn *paged.Txn) error {
	c.n.Add(1)
	return nil
}

func TestAddCheckpointRejectsBadSpec(t *testing.T) {
	s := NewScheduler()
	if err := s.AddCheckpoint("bad", "not a cron spec", &countingFlusher{}); err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestAddCheckpointRejectsDuplicateName(t *testing.T) {
	s := NewScheduler()
	if err := s.AddCheckpoint("job", "@every 1h", &countingFlusher{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddCheckpoint("job", "@every 1h", &countingFlusher{}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	s.Remove("job")
	if err := s.AddCheckpoint("job", "@every 1h", &countingFlusher{}); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
}

func TestScheduledCheckpointFires(t *testing.T) {
	s := NewScheduler()
	var fl countingFlusher
	if err := s.AddCheckpoint("fast", "@every 100ms", &fl); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for fl.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("checkpoint never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
