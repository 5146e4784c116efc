// Package streams tracks the gateway's active voice bridges. Upgraded
// websocket connections outlive http.Server.Shutdown, so draining walks
// this tracker to cancel every bridge and then waits for the run loops
// to return.
package streams

import (
	"context"
	"sync"
)

type Tracker struct {
	mu      sync.Mutex
	streams map[*trackedStream]struct{}
	wg      sync.WaitGroup
}

type trackedStream struct {
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		streams: make(map[*trackedStream]struct{}),
	}
}

// Register adds one bridge's cancel hook. The returned unregister func is
// idempotent and must be called when the bridge's run loop returns.
func (t *Tracker) Register(cancel func()) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedStream{cancel: cancel}

	t.mu.Lock()
	if t.streams == nil {
		t.streams = make(map[*trackedStream]struct{})
	}
	t.streams[entry] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(entry) }
}

func (t *Tracker) unregister(entry *trackedStream) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		delete(t.streams, entry)
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// CancelAll fires every registered cancel hook outside the lock and
// reports how many streams were told to stop.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for entry := range t.streams {
		if entry.cancel == nil {
			continue
		}
		cancels = append(cancels, entry.cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered stream has unregistered or the
// context expires. It reports whether the tracker drained in time.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
