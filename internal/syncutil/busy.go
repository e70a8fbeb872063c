// Package syncutil provides small concurrency helpers.
package syncutil

import "sync"

// Busy is a per-key try-lock. Acquire never blocks: a caller either takes
// the key or is told someone else holds it. The zero value is ready to use.
type Busy struct {
	keys sync.Map // uint64 -> struct{}
}

// Acquire attempts to take the key. On success it returns a release function
// the caller must invoke when done. When the key is already held it returns
// (nil, false).
func (b *Busy) Acquire(key uint64) (release func(), ok bool) {
	if _, loaded := b.keys.LoadOrStore(key, struct{}{}); loaded {
		return nil, false
	}
	return func() { b.keys.Delete(key) }, true
}

// Held reports whether the key is currently taken.
func (b *Busy) Held(key uint64) bool {
	_, held := b.keys.Load(key)
	return held
}
