package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrUnknownJob    = errors.New("no progress record for job")
	ErrNegativeDelta = errors.New("progress can only move forward")
)

// Record is what a poller sees
type Record struct {
	JobID     string `json:"job_id"`
	Processed int64  `json:"processed_rows"`
	Total     *int64 `json:"total_rows"` // nil until known
}

// Percent returns completion in [0, 100], or -1 when the total is unknown
func (r Record) Percent() float64 {
	if r.Total == nil {
		return -1
	}
	if *r.Total <= 0 {
		return 100
	}
	return float64(r.Processed) / float64(*r.Total) * 100
}

// Tracker is a per-job counter. Processed never decreases and never exceeds
// a known total; a total smaller than processed is raised to processed.
type Tracker interface {
	Start(ctx context.Context, jobID string, total *int64) error
	SetTotal(ctx context.Context, jobID string, total int64) error
	Advance(ctx context.Context, jobID string, delta int64) (int64, error)
	Get(ctx context.Context, jobID string) (Record, error)
	Remove(ctx context.Context, jobID string) error
}

type counter struct {
	processed atomic.Int64
	total     atomic.Int64 // -1 while unknown
}

// MemoryTracker keeps counters in process
type MemoryTracker struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{counters: make(map[string]*counter)}
}

func (m *MemoryTracker) lookup(jobID string) (*counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return c, nil
}

// Start creates the record if missing. An existing record keeps its count so
// a retried job resumes where it stopped.
func (m *MemoryTracker) Start(_ context.Context, jobID string, total *int64) error {
	m.mu.Lock()
	c, ok := m.counters[jobID]
	if !ok {
		c = &counter{}
		c.total.Store(-1)
		m.counters[jobID] = c
	}
	m.mu.Unlock()

	if total != nil {
		raiseTotal(c, *total)
	}
	return nil
}

func raiseTotal(c *counter, total int64) {
	if p := c.processed.Load(); total < p {
		total = p
	}
	c.total.Store(total)
}

func (m *MemoryTracker) SetTotal(_ context.Context, jobID string, total int64) error {
	c, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	raiseTotal(c, total)
	return nil
}

func (m *MemoryTracker) Advance(_ context.Context, jobID string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	c, err := m.lookup(jobID)
	if err != nil {
		return 0, err
	}

	processed := c.processed.Add(delta)
	for {
		total := c.total.Load()
		if total < 0 || total >= processed || c.total.CompareAndSwap(total, processed) {
			break
		}
	}
	return processed, nil
}

func (m *MemoryTracker) Get(_ context.Context, jobID string) (Record, error) {
	c, err := m.lookup(jobID)
	if err != nil {
		return Record{}, err
	}

	record := Record{JobID: jobID, Processed: c.processed.Load()}
	if total := c.total.Load(); total >= 0 {
		if total < record.Processed {
			total = record.Processed
		}
		record.Total = &total
	}
	return record, nil
}

func (m *MemoryTracker) Remove(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, jobID)
	return nil
}
