// Package stub provides scriptable in-process implementations of
// external.ChainClient and external.MarketClient for tests and the
// simulated runtime mode.
package stub

import "sync"

// faults queues errors per method and counts calls. The zero value is ready to use.
type faults struct {
	mu     sync.Mutex
	queued map[string][]error
	calls  map[string]int
}

func (f *faults) init() {
	if f.queued == nil {
		f.queued = make(map[string][]error)
		f.calls = make(map[string]int)
	}
}

// FailNext makes the next len(errs) calls of method return errs in order.
func (f *faults) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.queued[method] = append(f.queued[method], errs...)
}

// Calls returns how many times method has been called.
func (f *faults) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// hit counts a call and pops a queued error, if any.
func (f *faults) hit(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.calls[method]++
	q := f.queued[method]
	if len(q) == 0 {
		return nil
	}
	f.queued[method] = q[1:]
	return q[0]
}
