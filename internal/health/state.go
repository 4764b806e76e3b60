package health

import (
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
)

// DeviceState is the committed in-memory view of one device.
type DeviceState struct {
	Status     model.Status `json:"status"`
	LastChange time.Time    `json:"last_change"`
	LastCheck  time.Time    `json:"last_check"`
}

// StatusView is DeviceState plus the retry flag, as exposed to clients.
type StatusView struct {
	DeviceID     uint         `json:"device_id"`
	Status       model.Status `json:"status"`
	LastChange   time.Time    `json:"last_change"`
	LastCheck    time.Time    `json:"last_check"`
	PendingRetry bool         `json:"pending_retry"`
}

type entry struct {
	mu       sync.Mutex
	state    DeviceState
	known    bool
	inflight bool
}

// StateStore holds per-device state behind per-device locks, so different
// devices never contend and one device is never evaluated twice at once.
type StateStore struct {
	mu      sync.Mutex
	entries map[uint]*entry
}

func NewStateStore() *StateStore {
	return &StateStore{entries: map[uint]*entry{}}
}

func (s *StateStore) get(id uint) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// lock returns the device entry with its mutex held.
func (s *StateStore) lock(id uint) *entry {
	e := s.get(id)
	e.mu.Lock()
	return e
}

func (s *StateStore) Get(id uint) (DeviceState, bool) {
	e := s.lock(id)
	defer e.mu.Unlock()
	return e.state, e.known
}

// Seed sets the state of a device without any transition logic.
func (s *StateStore) Seed(id uint, st DeviceState) {
	e := s.lock(id)
	defer e.mu.Unlock()
	e.state = st
	e.known = true
}

func (s *StateStore) Forget(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// TryBegin marks a probe for the device as in flight. It returns false if
// one already is.
func (s *StateStore) TryBegin(id uint) bool {
	e := s.lock(id)
	defer e.mu.Unlock()
	if e.inflight {
		return false
	}
	e.inflight = true
	return true
}

func (s *StateStore) End(id uint) {
	e := s.lock(id)
	defer e.mu.Unlock()
	e.inflight = false
}

func (s *StateStore) Snapshot() map[uint]DeviceState {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[uint]DeviceState, len(ids))
	for _, id := range ids {
		if st, ok := s.Get(id); ok {
			out[id] = st
		}
	}
	return out
}
