// Package throttle provides a compare-and-swap timestamp guard that
// rate-limits an operation and serializes concurrent attempts to a
// single in-flight execution.
package throttle

import (
	"sync/atomic"
	"time"
)

// Marker is an atomically updatable instant of last successful
// execution. Each Marker belongs to exactly one logical operation.
// The zero value means the operation never ran.
type Marker struct {
	ns atomic.Int64
}

// Last returns the instant of the last successful execution, or the
// zero time if the operation never ran.
func (m *Marker) Last() time.Time {
	ns := m.ns.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Advance unconditionally moves the marker to now, never backwards.
// Used by manual updates that already know a fresh execution happened.
func (m *Marker) Advance() {
	now := time.Now().UnixNano()
	for {
		prev := m.ns.Load()
		if prev >= now || m.ns.CompareAndSwap(prev, now) {
			return
		}
	}
}

func (m *Marker) compareAndSwap(old, new time.Time) bool {
	var oldNs, newNs int64
	if !old.IsZero() {
		oldNs = old.UnixNano()
	}
	if !new.IsZero() {
		newNs = new.UnixNano()
	}
	return m.ns.CompareAndSwap(oldNs, newNs)
}

// Attempt runs action if no other caller is racing on the marker.
//
// The marker is advanced to now before action runs; when action fails,
// the marker is swapped back to its previous value so a later attempt
// is not wrongly throttled, and onFailure decides the result. When the
// swap to now is lost to a concurrent caller, onNoExecution decides
// the result and action does not run.
func Attempt[T any](m *Marker, onNoExecution func() T, onFailure func(error) T, action func() (T, error)) T {
	last := m.Last()
	now := time.Now()
	if !m.compareAndSwap(last, now) {
		return onNoExecution()
	}
	result, err := action()
	if err != nil {
		m.compareAndSwap(now, last)
		return onFailure(err)
	}
	return result
}

// Throttle behaves like Attempt, but short-circuits to onNoExecution
// without touching the marker when the last successful execution lies
// less than interval in the past.
func Throttle[T any](m *Marker, interval time.Duration, onNoExecution func() T, onFailure func(error) T, action func() (T, error)) T {
	last := m.Last()
	if !last.IsZero() && time.Since(last) < interval {
		return onNoExecution()
	}
	return Attempt(m, onNoExecution, onFailure, action)
}
