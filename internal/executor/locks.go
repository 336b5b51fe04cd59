package executor

import "sync"

// workflowLocks hands out one mutex per workflow plus a driver slot, so at
// most one goroutine drives a workflow and control operations only land
// between steps. Entries are dropped once nobody references them.
type workflowLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	refs    int
	driving bool
}

func newWorkflowLocks() *workflowLocks {
	return &workflowLocks{entries: map[string]*lockEntry{}}
}

func (l *workflowLocks) ref(id string) *lockEntry {
	e := l.entries[id]
	if e == nil {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	return e
}

func (l *workflowLocks) unref(id string, e *lockEntry) {
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

// lock blocks until the workflow's step boundary mutex is held.
func (l *workflowLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	e := l.ref(id)
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		l.unref(id, e)
		l.mu.Unlock()
	}
}

// tryDrive claims the driver slot. It never blocks.
func (l *workflowLocks) tryDrive(id string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.entries[id]; e != nil && e.driving {
		return nil, false
	}
	e := l.ref(id)
	e.driving = true
	return func() {
		l.mu.Lock()
		e.driving = false
		l.unref(id, e)
		l.mu.Unlock()
	}, true
}

func (l *workflowLocks) driving() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.driving {
			n++
		}
	}
	return n
}
