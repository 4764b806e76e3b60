package health

import (
	"sync"
	"time"
)

// Scheduler runs at most one deferred task per key.
type Scheduler interface {
	// Schedule registers fn to run after delay. It is a no-op returning
	// false when a task for key is already pending.
	Schedule(key uint, delay time.Duration, fn func()) bool
	// Cancel drops the pending task for key, if any.
	Cancel(key uint) bool
	Pending(key uint) bool
}

type pendingTask struct {
	timer *time.Timer
}

// TimerScheduler backs Scheduler with time.AfterFunc. A task stays pending
// until its function returns.
type TimerScheduler struct {
	mu    sync.Mutex
	tasks map[uint]*pendingTask
	wg    sync.WaitGroup
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{tasks: map[uint]*pendingTask{}}
}

func (s *TimerScheduler) Schedule(key uint, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[key]; ok {
		return false
	}
	task := &pendingTask{}
	s.wg.Add(1)
	task.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		defer s.finish(key, task)
		fn()
	})
	s.tasks[key] = task
	return true
}

func (s *TimerScheduler) finish(key uint, task *pendingTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[key] == task {
		delete(s.tasks, key)
	}
}

func (s *TimerScheduler) Cancel(key uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	if task.timer.Stop() {
		s.wg.Done()
	}
	return true
}

func (s *TimerScheduler) Pending(key uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Stop cancels every pending task and waits for running ones to return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	for key, task := range s.tasks {
		delete(s.tasks, key)
		if task.timer.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
