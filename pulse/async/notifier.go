package async

import "sync"

// boundNotifier wakes callers waiting for a worker job id to be bound to a
// job. SetRunningState notifies after its transaction commits.
type boundNotifier struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newBoundNotifier() *boundNotifier {
	return &boundNotifier{waiters: make(map[string]map[chan struct{}]struct{})}
}

// wait registers interest in workerJobID. The returned cancel func must be
// called once the caller stops waiting.
func (n *boundNotifier) wait(workerJobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set, ok := n.waiters[workerJobID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.waiters[workerJobID] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.waiters[workerJobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(n.waiters, workerJobID)
			}
		}
	}
}

func (n *boundNotifier) notify(workerJobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.waiters[workerJobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// pending returns the number of registered waiters (for tests)
func (n *boundNotifier) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, set := range n.waiters {
		total += len(set)
	}
	return total
}
