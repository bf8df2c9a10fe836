package board

import (
	"sync"

	"github.com/flowboard/flowboard/internal/v1/types"
)

// keyedMutex serialises all mutations of a single task so that reading the
// current version, validating, and persisting the bumped version is atomic
// per task. Entries are reference-counted and dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.TaskIDType]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[types.TaskIDType]*taskLock)}
}

func (k *keyedMutex) lock(id types.TaskIDType) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &taskLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyedMutex) unlock(id types.TaskIDType) {
	k.mu.Lock()
	l := k.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
