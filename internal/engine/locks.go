package engine

import (
	"sort"
	"sync"
)

// LockTable hands out one mutex per symbol so executor calls and monitor
// interventions for the same symbol serialize while distinct symbols run
// in parallel. Multi-symbol acquisition orders lexicographically, which
// rules out deadlock between any two holders.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *LockTable) get(symbol string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		t.locks[symbol] = l
	}
	return l
}

// Lock acquires the symbol's mutex and returns its unlock.
func (t *LockTable) Lock(symbol string) func() {
	l := t.get(symbol)
	l.Lock()
	return l.Unlock
}

// LockAll acquires several symbols in lexicographic order.
func (t *LockTable) LockAll(symbols []string) func() {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, s := range sorted {
		unlocks = append(unlocks, t.Lock(s))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
