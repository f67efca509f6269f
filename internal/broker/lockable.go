package broker

import "sync"

// Lockable is the per-object lock embedded in long-lived broker objects.
// Public verbs acquire it; internal helpers with a *Locked suffix require it
// held. Waiters created with NewCond atomically release and reacquire it.
type Lockable struct {
	mu sync.Mutex
}

func (l *Lockable) Lock()   { l.mu.Lock() }
func (l *Lockable) Unlock() { l.mu.Unlock() }

// NewCond returns a condition variable bound to the object's lock.
func (l *Lockable) NewCond() *sync.Cond { return sync.NewCond(&l.mu) }
