// Package eventloop drives the asynchronous side of a JavaScript task:
// Go-backed timers for setTimeout/setInterval and host calls that run on
// their own goroutine and settle a Promise when they finish.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/sandbox/internal/core"
)

// MinInterval is the shortest period a setInterval timer may have.
const MinInterval = 10 * time.Millisecond

// CallResult is the outcome of a host call. Payload is handed to JS as a
// string; the JS side decides how to decode it.
type CallResult struct {
	Payload string
	Err     error
}

// pendingCall is a host call whose result has not yet been delivered to JS.
type pendingCall struct {
	id     int
	result <-chan CallResult
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop belongs to one task's JS runtime and must only be drained on
// that runtime's goroutine.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	calls  []*pendingCall
	nextID int
	wake   chan struct{}
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	if delay < 0 {
		delay = 0
	}
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		entry.interval = max(delay, MinInterval)
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// StartCall runs fn on its own goroutine and returns the call ID the JS
// side waits on. The result is delivered by Drain through
// globalThis.__callSettle(id, ok, payload).
func (el *EventLoop) StartCall(fn func() (string, error)) int {
	ch := make(chan CallResult, 1)
	el.mu.Lock()
	el.nextID++
	id := el.nextID
	el.calls = append(el.calls, &pendingCall{id: id, result: ch})
	el.mu.Unlock()

	go func() {
		payload, err := fn()
		ch <- CallResult{Payload: payload, Err: err}
		select {
		case el.wake <- struct{}{}:
		default:
		}
	}()
	return id
}

// settleCalls delivers every finished host call. It reports whether any
// call was delivered.
func (el *EventLoop) settleCalls(rt core.JSRuntime) bool {
	el.mu.Lock()
	if len(el.calls) == 0 {
		el.mu.Unlock()
		return false
	}
	pending := el.calls
	el.calls = nil
	el.mu.Unlock()

	var remaining []*pendingCall
	didWork := false
	for _, pc := range pending {
		select {
		case res := <-pc.result:
			var js string
			if res.Err != nil {
				js = fmt.Sprintf(`globalThis.__callSettle(%d, false, %q)`, pc.id, res.Err.Error())
			} else {
				js = fmt.Sprintf(`globalThis.__callSettle(%d, true, %q)`, pc.id, res.Payload)
			}
			_ = rt.Eval(js)
			rt.RunMicrotasks()
			didWork = true
		default:
			remaining = append(remaining, pc)
		}
	}

	el.mu.Lock()
	// Callbacks may have started new calls during settlement.
	el.calls = append(remaining, el.calls...)
	el.mu.Unlock()
	return didWork
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	_ = rt.Eval(js)
}

func (el *EventLoop) nextTimer() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// Drain fires timers and delivers host calls until nothing is pending or
// ctx is done. It returns ctx's error in the latter case.
func (el *EventLoop) Drain(ctx context.Context, rt core.JSRuntime) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if el.settleCalls(rt) {
			continue
		}

		next := el.nextTimer()
		el.mu.Lock()
		hasCalls := len(el.calls) > 0
		el.mu.Unlock()
		if next == nil && !hasCalls {
			return nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if next != nil {
			wait := time.Until(next.deadline)
			if wait > 0 {
				timer = time.NewTimer(wait)
				timerC = timer.C
			} else {
				ch := make(chan time.Time, 1)
				ch <- time.Now()
				timerC = ch
			}
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-el.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		el.fireTimer(rt, next.id)
		rt.RunMicrotasks()
	}
}

// HasPending returns true if there are any active timers or host calls.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.calls) > 0
}
