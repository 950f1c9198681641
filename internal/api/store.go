package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStore tracks benchmark runs in memory. Accessors hand out copies so a
// finishing goroutine never races a reader.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*Run)}
}

func (s *RunStore) Create(req RunRequest, now time.Time) Run {
	run := &Run{
		ID:        newRunID(),
		Status:    runRunning,
		CreatedAt: now.Unix(),
		Request:   req,
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return *run
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

func (s *RunStore) finish(id string, res *RunResult, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return
	}
	finished := now.Unix()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = runFailed
		run.Error = err.Error()
		return
	}
	run.Status = runCompleted
	run.Result = res
}

func newRunID() string {
	return "run-" + uuid.NewString()
}
