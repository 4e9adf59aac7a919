package coordinator

import (
	"sync"

	"github.com/ktrdr/core/pkg/resilience"
)

// breakerSet lazily creates one circuit breaker per worker_id, so a wedged
// worker trips its own breaker without affecting dispatch to its peers.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newBreakerSet() breakerSet {
	return breakerSet{breakers: make(map[string]*resilience.CircuitBreaker)}
}

func (s *breakerSet) forWorker(workerID string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[workerID]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("dispatch:" + workerID))
	s.breakers[workerID] = b
	return b
}
