package device

import (
	"context"
	"sync"

	"github.com/matrix-org/olm-core/internal"
)

// inflightSessions tracks, per remote device key, whether a pairwise session
// is currently being established, so concurrent lookups can wait for the
// creation to land instead of racing it with a session of their own.
type inflightSessions struct {
	// mu guards reads and writes to pending.
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newInflightSessions() *inflightSessions {
	return &inflightSessions{
		pending: make(map[string]chan struct{}),
	}
}

// Begin marks a session creation for the device as in progress. It reports
// false if another creation already holds the marker.
func (f *inflightSessions) Begin(deviceKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.pending[deviceKey]; exists {
		return false
	}
	f.pending[deviceKey] = make(chan struct{})
	return true
}

// End clears the marker and releases every waiter. It must be called whether
// the creation succeeded or failed, else the device is blocked forever.
func (f *inflightSessions) End(deviceKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.pending[deviceKey]
	internal.Assert("End called with no creation in flight", ch != nil)
	if ch != nil {
		close(ch)
		delete(f.pending, deviceKey)
	}
}

// Acquire takes the marker for the device, waiting out any creation already
// in flight first.
func (f *inflightSessions) Acquire(ctx context.Context, deviceKey string) error {
	for !f.Begin(deviceKey) {
		if err := f.Wait(ctx, deviceKey); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until any in-flight creation for the device completes. Returns
// immediately if nothing is in flight.
func (f *inflightSessions) Wait(ctx context.Context, deviceKey string) error {
	f.mu.Lock()
	ch := f.pending[deviceKey]
	f.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
