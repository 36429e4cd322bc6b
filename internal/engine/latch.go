package engine

import "sync"

// latch is a one-shot, exactly-one-writer/many-readers signal: the
// "barrier" design §9 asks for between a ChangelistTask's phases. Signal
// may be called at most once; Wait blocks until it has been, returning
// whatever error Signal carried.
type latch struct {
	mu     sync.Mutex
	cond   *sync.Cond
	done   bool
	err    error
}

func newLatch() *latch {
	l := &latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Signal completes the latch. A second call is a programming error and
// panics, since exactly one writer is the contract.
func (l *latch) Signal(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		panic("engine: latch signaled twice")
	}
	l.done = true
	l.err = err
	l.cond.Broadcast()
}

// Wait blocks until Signal has been called and returns its error.
func (l *latch) Wait() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.done {
		l.cond.Wait()
	}
	return l.err
}
