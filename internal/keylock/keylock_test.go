package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLock_SerializesSameKey(t *testing.T) {
	m := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 16 {
		wg.Go(func() {
			unlock := m.Lock("a")
			defer unlock()
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestLock_EntriesArePrunedOnRelease(t *testing.T) {
	m := New()
	unlock := m.Lock("a")
	assert.Equal(t, 1, m.Len())

	waiting := make(chan struct{})
	released := make(chan struct{})
	go func() {
		close(waiting)
		u := m.Lock("a")
		u()
		close(released)
	}()
	<-waiting
	unlock()
	<-released

	assert.Zero(t, m.Len())
}
