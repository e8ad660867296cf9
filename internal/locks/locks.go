// Package locks provides the per-ride serialization domain shared by the
// booking arbiter and the lifecycle manager. All seat and status mutations
// for one ride run under that ride's lock; different rides never contend.
package locks

import "sync"

type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

func (k *Keyed) lock(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

func (k *Keyed) Lock(key string)   { k.lock(key).Lock() }
func (k *Keyed) Unlock(key string) { k.lock(key).Unlock() }
