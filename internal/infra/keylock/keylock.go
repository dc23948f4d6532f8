package keylock

import "sync"

// Table holds named advisory locks. Locks are created lazily on first use and
// live for the lifetime of the table.
type Table struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New() *Table {
	return &Table{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the named lock and returns its release function. The release
// function panics if called twice for the same acquisition.
func (t *Table) Lock(name string) (unlock func()) {
	t.mu.Lock()
	l, ok := t.locks[name]
	if !ok {
		l = &sync.Mutex{}
		t.locks[name] = l
	}
	t.mu.Unlock()

	l.Lock()
	released := false
	return func() {
		if released {
			panic("keylock: double release of lock " + name)
		}
		released = true
		l.Unlock()
	}
}
