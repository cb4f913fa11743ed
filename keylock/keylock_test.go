package keylock_test

import (
	"sync"
	"testing"

	"github.com/CDCgov/nhsnlink-sub007/keylock"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := keylock.New()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("facility-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after all unlocks", l.Len())
	}
}

func TestLock_IndependentKeys(t *testing.T) {
	l := keylock.New()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
}

func TestUnlock_Idempotent(t *testing.T) {
	var l keylock.Locker
	unlock := l.Lock("k")
	unlock()
	unlock()
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}
