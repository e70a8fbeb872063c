package syncutil

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBusyAcquireRelease(t *testing.T) {
	var b Busy

	release, ok := b.Acquire(1)
	if !ok {
		t.Fatal("fresh key not acquired")
	}
	if !b.Held(1) {
		t.Error("Held = false while acquired")
	}

	if _, ok := b.Acquire(1); ok {
		t.Error("second acquire of held key succeeded")
	}

	release()
	if b.Held(1) {
		t.Error("Held = true after release")
	}
	if _, ok := b.Acquire(1); !ok {
		t.Error("re-acquire after release failed")
	}
}

func TestBusyKeysIndependent(t *testing.T) {
	var b Busy

	if _, ok := b.Acquire(1); !ok {
		t.Fatal("acquire key 1")
	}
	if _, ok := b.Acquire(2); !ok {
		t.Error("holding key 1 blocked key 2")
	}
}

func TestBusySingleWinner(t *testing.T) {
	var b Busy
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.Acquire(7); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}
