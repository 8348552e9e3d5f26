package render

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Job is one render request. Apply is called with the result when the render
// completes; it runs on the scheduler goroutine.
type Job struct {
	DocID     string
	DiagramID string
	Source    string
	Apply     func(Result)
}

// Scheduler coalesces render requests. Per diagram id at most one render is
// in flight; requests arriving meanwhile replace each other so only the
// latest source is rendered next. Identical in-flight renders across
// diagrams are deduplicated.
type Scheduler struct {
	svc      *Service
	debounce time.Duration
	group    singleflight.Group

	mu        sync.Mutex
	cond      *sync.Cond
	slots     map[string]*slot
	suspended map[string]bool
}

type slot struct {
	docID   string
	running bool
	next    *Job
}

func NewScheduler(svc *Service, debounce time.Duration) *Scheduler {
	s := &Scheduler{
		svc:       svc,
		debounce:  debounce,
		slots:     make(map[string]*slot),
		suspended: make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func slotKey(docID, diagramID string) string { return docID + "/" + diagramID }

// Schedule queues a render. While the diagram's render is in flight the job
// replaces any previously queued one. Jobs for a suspended document are
// dropped.
func (s *Scheduler) Schedule(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suspended[job.DocID] {
		return
	}

	key := slotKey(job.DocID, job.DiagramID)
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{docID: job.DocID}
		s.slots[key] = sl
	}
	if sl.running {
		sl.next = &job
		return
	}
	sl.running = true
	go s.run(key, sl, job)
}

func (s *Scheduler) run(key string, sl *slot, job Job) {
	for {
		if s.debounce > 0 {
			time.Sleep(s.debounce)
		}

		// Adopt whatever arrived during the debounce window.
		s.mu.Lock()
		if sl.next != nil {
			job = *sl.next
			sl.next = nil
		}
		s.mu.Unlock()

		v, _, _ := s.group.Do(cacheKey(job.DiagramID, job.Source), func() (any, error) {
			return s.svc.Render(context.Background(), job.DiagramID, job.Source), nil
		})
		res := v.(Result)
		res.DiagramID = job.DiagramID
		if job.Apply != nil {
			job.Apply(res)
		}

		s.mu.Lock()
		if sl.next == nil {
			delete(s.slots, key)
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		job = *sl.next
		sl.next = nil
		s.mu.Unlock()
	}
}

// Suspend drops current queued jobs for the document and all jobs scheduled
// until Resume.
func (s *Scheduler) Suspend(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended[docID] = true
	for _, sl := range s.slots {
		if sl.docID == docID {
			sl.next = nil
		}
	}
}

func (s *Scheduler) Resume(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.suspended, docID)
}

// Flush blocks until no render for the document is in flight or queued.
func (s *Scheduler) Flush(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.hasWorkLocked(docID) {
		s.cond.Wait()
	}
}

func (s *Scheduler) hasWorkLocked(docID string) bool {
	for _, sl := range s.slots {
		if sl.docID == docID {
			return true
		}
	}
	return false
}
