package plugin

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/logger"
)

type handleKey struct {
	kind     Kind
	selector string
}

// Registry tracks worker processes by kind and selector. It is safe for
// concurrent use and is shared by the scheduling loop, the callback server
// and the launcher.
type Registry struct {
	mu      sync.RWMutex
	handles map[handleKey]*Handle
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewRegistry creates an empty process registry
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		handles: make(map[handleKey]*Handle),
		logger:  logger.AddWorkerSymbol(log),
		now:     time.Now,
	}
}

// StartingPlaceholder records that a process for selector is being
// launched. An existing handle for the same key is replaced.
func (r *Registry) StartingPlaceholder(kind Kind, selector string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handle{
		Kind:      kind,
		Selector:  selector,
		Status:    StatusStarting,
		CreatedAt: r.now(),
	}
	r.handles[handleKey{kind, selector}] = h

	r.logger.Debugw("Worker starting",
		logger.FieldKind, kind,
		logger.FieldSelector, selector)
	return *h
}

// Register moves the handle for selector to READY with its callback
// address. A registration for a selector that was never launched is a
// protocol anomaly: it is logged and dropped, and Register returns false.
func (r *Registry) Register(kind Kind, selector, host string, port int, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[handleKey{kind, selector}]
	if !ok {
		r.logger.Warnw("Dropping registration for unknown worker",
			logger.FieldKind, kind,
			logger.FieldSelector, selector,
			logger.FieldInstanceID, instanceID,
			logger.FieldHost, host,
			logger.FieldPort, port)
		return false
	}

	now := r.now()
	h.Status = StatusReady
	h.Host = host
	h.Port = port
	h.InstanceID = instanceID
	h.ReadyAt = &now

	r.logger.Infow("Worker ready",
		logger.FieldKind, kind,
		logger.FieldSelector, selector,
		logger.FieldInstanceID, instanceID,
		logger.FieldAddress, h.Address())
	return true
}

// AttachProcess records the OS process id of a launched worker
func (r *Registry) AttachProcess(kind Kind, selector string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[handleKey{kind, selector}]; ok {
		h.PID = pid
	}
}

// Get returns a copy of the handle for selector
func (r *Registry) Get(kind Kind, selector string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[handleKey{kind, selector}]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// FindByInstance returns the READY handle carrying instanceID
func (r *Registry) FindByInstance(kind Kind, instanceID string) (Handle, bool) {
	if instanceID == "" {
		return Handle{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, h := range r.handles {
		if key.kind == kind && h.InstanceID == instanceID {
			return *h, true
		}
	}
	return Handle{}, false
}

// Remove forgets the handle for selector. Removing a handle that does not
// exist is logged.
func (r *Registry) Remove(kind Kind, selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := handleKey{kind, selector}
	if _, ok := r.handles[key]; !ok {
		r.logger.Debugw("Remove of unknown worker",
			logger.FieldKind, kind,
			logger.FieldSelector, selector)
		return
	}
	delete(r.handles, key)

	r.logger.Infow("Worker removed",
		logger.FieldKind, kind,
		logger.FieldSelector, selector)
}

// RemoveProcess forgets the handle for selector only while it still
// belongs to pid. A newer launch for the same selector is left alone.
func (r *Registry) RemoveProcess(kind Kind, selector string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := handleKey{kind, selector}
	h, ok := r.handles[key]
	if !ok || h.PID != pid {
		return false
	}
	delete(r.handles, key)

	r.logger.Infow("Worker process exited",
		logger.FieldKind, kind,
		logger.FieldSelector, selector,
		logger.FieldPID, pid)
	return true
}

// ListSelectors returns the selectors of kind in sorted order
func (r *Registry) ListSelectors(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selectors := make([]string, 0, len(r.handles))
	for key := range r.handles {
		if key.kind == kind {
			selectors = append(selectors, key.selector)
		}
	}
	sort.Strings(selectors)
	return selectors
}

// List returns copies of every handle, sorted by kind and selector
func (r *Registry) List() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}
