package mirror

import "sync"

// RequestTracker keeps track of the mirror tasks that are still running,
// each identified by a strictly increasing epoch.
type RequestTracker struct {
	sync.Mutex

	epoch          uint64
	activeRequests map[uint64]struct{}
}

func MakeRequestTracker() *RequestTracker {
	return &RequestTracker{
		activeRequests: make(map[uint64]struct{}),
	}
}

func (t *RequestTracker) NewRequest() uint64 {
	t.Lock()
	defer t.Unlock()

	t.epoch++
	t.activeRequests[t.epoch] = struct{}{}

	return t.epoch
}

func (t *RequestTracker) RequestDone(epoch uint64) {
	t.Lock()
	defer t.Unlock()

	delete(t.activeRequests, epoch)
}

// Status returns the last epoch handed out and the number of requests still active.
func (t *RequestTracker) Status() (uint64, int) {
	t.Lock()
	defer t.Unlock()

	return t.epoch, len(t.activeRequests)
}
