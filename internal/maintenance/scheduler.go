// Package maintenance drives periodic background work over open indexes:
// checkpoints flush dirty pages and truncate the version logs so crash
// recovery stays short.
package maintenance

import (
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/btxdb/btx/internal/paged"
)

// Flusher is anything that can be checkpointed.
type Flusher interface {
	Flush(txn *paged.Txn) error
}

// Scheduler runs cron-scheduled checkpoints.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
	}
}

// AddCheckpoint schedules a checkpoint of target under the given cron
// expression.
func (s *Scheduler) AddCheckpoint(name, spec string, target Flusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("checkpoint job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		txn := paged.NewTxn()
		if err := target.Flush(txn); err != nil {
			log.Printf("checkpoint %q failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid checkpoint spec %q: %w", spec, err)
	}
	s.entries[name] = id
	return nil
}

// Remove unschedules a checkpoint job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	<-ctx.Done()
}
