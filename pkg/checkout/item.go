/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package checkout provides an ownership handle for values claimed out of a
// pool. The handle hands its value back to the pool exactly once: either when
// Release is called, or, as a fallback, when the handle is garbage collected
// without having been released.
//
// Callers are expected to pair every claim with a deferred Release:
//
//	item := ... // claimed from a pool
//	defer item.Release()
//	use(item.Value())
package checkout

import (
	"runtime"
	"sync/atomic"
)

// ReturnHandle receives values whose ownership handle has been released.
// ReturnToPool must not block.
type ReturnHandle[T any] interface {
	ReturnToPool(value T)
}

// ReturnFunc adapts a function to the ReturnHandle interface.
type ReturnFunc[T any] func(value T)

// ReturnToPool calls f(value).
func (f ReturnFunc[T]) ReturnToPool(value T) {
	f(value)
}

// Item is an ownership handle over a value claimed from a pool.
// An Item must not be copied after creation.
type Item[T any] struct {
	lease   *lease[T]
	cleanup runtime.Cleanup
}

// lease is kept separate from Item so that the GC cleanup can reference it
// without keeping the Item itself reachable.
type lease[T any] struct {
	value    T
	handle   ReturnHandle[T]
	released atomic.Bool
}

func (l *lease[T]) giveBack() bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	if l.handle != nil {
		l.handle.ReturnToPool(l.value)
	}
	return true
}

// New wraps value in an Item that returns it through handle on release.
func New[T any](value T, handle ReturnHandle[T]) *Item[T] {
	l := &lease[T]{value: value, handle: handle}
	item := &Item[T]{lease: l}
	item.cleanup = runtime.AddCleanup(item, func(l *lease[T]) { l.giveBack() }, l)
	return item
}

// Value returns the wrapped value. The value stays owned by the Item; it must
// not be used after Release.
func (i *Item[T]) Value() T {
	return i.lease.value
}

// Release hands the value back to its pool. Only the first call has an
// effect; it reports whether this call performed the return.
func (i *Item[T]) Release() bool {
	if !i.lease.giveBack() {
		return false
	}
	i.cleanup.Stop()
	return true
}

// Released reports whether the value has already been handed back.
func (i *Item[T]) Released() bool {
	return i.lease.released.Load()
}
