package util

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGateMaximum(t *testing.T) {
	// create 10 goroutines trying to enter a gate that can only hold 5
	g := NewGate(5)
	var nenter, nerr int64
	for i := 0; i < 10; i++ {
		go func() {
			ok := g.Enter()
			if ok {
				atomic.AddInt64(&nenter, 1)
			} else {
				atomic.AddInt64(&nerr, 1)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	// there should be 5 enters
	if n := atomic.LoadInt64(&nenter); n != 5 {
		t.Errorf("Received %d enters, expected %d", n, 5)
	}
	if n := atomic.LoadInt64(&nerr); n != 0 {
		t.Errorf("Received %d errors, expected %d", n, 0)
	}

	// call leave a few times and see what happens
	g.Leave()
	g.Leave()
	time.Sleep(10 * time.Millisecond)

	if n := atomic.LoadInt64(&nenter); n != 7 {
		t.Errorf("Received %d enters, expected %d", n, 7)
	}
	if n := atomic.LoadInt64(&nerr); n != 0 {
		t.Errorf("Received %d errors, expected %d", n, 0)
	}

	// stopping the gate should kick out the three still waiting
	g.Stop()
	time.Sleep(10 * time.Millisecond)

	if n := atomic.LoadInt64(&nenter); n != 7 {
		t.Errorf("Received %d enters, expected %d", n, 7)
	}
	if n := atomic.LoadInt64(&nerr); n != 3 {
		t.Errorf("Received %d errors, expected %d", n, 3)
	}
}
