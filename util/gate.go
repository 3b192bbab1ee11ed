package util

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// to allow through at a time. Goroutines enter the gate by calling Enter(),
// and signal that they are done by calling Leave(). A gate can be stopped,
// after which no new entries are admitted.
type Gate struct {
	slots chan struct{}
	done  chan struct{}
}

// NewGate returns a Gate which admits at most n entries at a time.
func NewGate(n int) *Gate {
	return &Gate{
		slots: make(chan struct{}, n),
		done:  make(chan struct{}),
	}
}

// Enter blocks the calling goroutine until there are fewer than n others
// inside the gate, or until the gate is stopped. It returns true if the
// goroutine may proceed and false if the gate was stopped. It is safe to
// call this from multiple goroutines.
func (g *Gate) Enter() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	case <-g.done:
		return false
	}
}

// Leave marks a goroutine outside the critical section. It is important to
// balance each successful Enter with a call to Leave. Enter and Leave do
// not need to be called from the same goroutine, necessarily.
func (g *Gate) Leave() {
	<-g.slots
}

// Stop closes the gate. Goroutines blocked in Enter receive false, and any
// later Enter fails the same way. Goroutines already inside the gate are
// not affected. Stop must be called at most once.
func (g *Gate) Stop() {
	close(g.done)
}
