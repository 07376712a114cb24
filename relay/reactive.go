package relay

import (
	"reflect"

	"golang.org/x/exp/slices"
)

// Reactive core: signals with dependency-tracked reads and
// change-notified writes, effects with dynamic dependency sets,
// batched notification, and derived values.
//
// A Runtime and everything created from it are confined to a single
// goroutine. The client session applies all merges and effect runs on
// its own run loop, which is the cooperative model this implements.

// bound on nested synchronous notification. Exceeding it means an
// effect cycle, a programming defect, and fails fast.
const MaxNotifyDepth = 64

type EffectCycleError struct{}

func (self *EffectCycleError) Error() string {
	return "effect cycle: notify depth exceeded"
}

type CleanupFunc func()

type Runtime struct {
	current     *Effect
	batchDepth  int
	notifyDepth int

	pending    []*Effect
	pendingSet map[*Effect]bool
}

func NewRuntime() *Runtime {
	return &Runtime{
		pendingSet: map[*Effect]bool{},
	}
}

// Effect runs fn immediately and re-runs it whenever a signal read in
// its latest run changes. fn may return a cleanup invoked before the
// next re-run and on dispose. The returned function disposes the
// effect: the last cleanup runs and no future re-runs happen.
func (self *Runtime) Effect(fn func() CleanupFunc) (dispose func()) {
	effect := &Effect{
		runtime: self,
		fn:      fn,
	}
	effect.run()
	return effect.dispose
}

// Batch defers notification: writes inside fn enqueue affected effects
// into a deduplicated pending set, drained to a fixed point when the
// outermost batch returns. An effect touched by several writes in one
// batch still runs once.
func (self *Runtime) Batch(fn func()) {
	self.batchDepth += 1
	defer func() {
		self.batchDepth -= 1
	}()
	fn()
	if self.batchDepth == 1 {
		self.drain()
	}
}

// batchDepth stays 1 while draining, so writes from re-run effects
// enqueue and coalesce into the next round
func (self *Runtime) drain() {
	for round := 0; 0 < len(self.pending); round += 1 {
		if MaxNotifyDepth < round {
			panic(&EffectCycleError{})
		}
		effects := self.pending
		self.pending = nil
		self.pendingSet = map[*Effect]bool{}
		for _, effect := range effects {
			effect.run()
		}
	}
}

func (self *Runtime) enqueue(effects []*Effect) {
	for _, effect := range effects {
		if !self.pendingSet[effect] {
			self.pendingSet[effect] = true
			self.pending = append(self.pending, effect)
		}
	}
}

func (self *Runtime) notify(effects []*Effect) {
	self.notifyDepth += 1
	defer func() {
		self.notifyDepth -= 1
	}()
	if MaxNotifyDepth < self.notifyDepth {
		panic(&EffectCycleError{})
	}
	for _, effect := range effects {
		effect.run()
	}
}

// a signal an effect can unsubscribe from without knowing its value type
type dependency interface {
	removeListener(effect *Effect)
}

type Effect struct {
	runtime  *Runtime
	fn       func() CleanupFunc
	deps     []dependency
	cleanup  CleanupFunc
	disposed bool
}

func (self *Effect) run() {
	if self.disposed {
		return
	}
	if self.cleanup != nil {
		self.cleanup()
		self.cleanup = nil
	}
	// drop the previous run's dependency edges.
	// this run records a fresh set, so dependencies can shrink or grow.
	for _, dep := range self.deps {
		dep.removeListener(self)
	}
	self.deps = nil

	runtime := self.runtime
	prev := runtime.current
	runtime.current = self
	cleanup := self.fn()
	runtime.current = prev
	self.cleanup = cleanup
}

func (self *Effect) dispose() {
	if self.disposed {
		return
	}
	self.disposed = true
	if self.cleanup != nil {
		self.cleanup()
		self.cleanup = nil
	}
	for _, dep := range self.deps {
		dep.removeListener(self)
	}
	self.deps = nil
}

// a mutable cell. Get during an active effect run registers that effect
// as a subscriber; Peek never does. Set with an unchanged value is a
// no-op write.
type Signal[T any] struct {
	runtime *Runtime
	value   T
	// in registration order
	listeners []*Effect
	equals    func(a T, b T) bool
}

func NewSignal[T any](runtime *Runtime, value T) *Signal[T] {
	return NewSignalWithEquals(runtime, value, equalAny[T])
}

func NewSignalWithEquals[T any](runtime *Runtime, value T, equals func(a T, b T) bool) *Signal[T] {
	return &Signal[T]{
		runtime: runtime,
		value:   value,
		equals:  equals,
	}
}

func (self *Signal[T]) Get() T {
	if effect := self.runtime.current; effect != nil {
		if !slices.Contains(self.listeners, effect) {
			self.listeners = append(self.listeners, effect)
			effect.deps = append(effect.deps, self)
		}
	}
	return self.value
}

func (self *Signal[T]) Peek() T {
	return self.value
}

func (self *Signal[T]) Set(value T) {
	if self.equals(self.value, value) {
		return
	}
	self.value = value
	if 0 < self.runtime.batchDepth {
		self.runtime.enqueue(self.listeners)
		return
	}
	self.runtime.notify(slices.Clone(self.listeners))
}

func (self *Signal[T]) removeListener(effect *Effect) {
	i := slices.Index(self.listeners, effect)
	if i < 0 {
		return
	}
	self.listeners = slices.Delete(slices.Clone(self.listeners), i, i+1)
}

// identity equality for primitives and references.
// non-comparable values (maps, slices) always count as changed,
// which is the contract: deep equality is never performed.
func equalAny[T any](a T, b T) bool {
	av := any(a)
	bv := any(b)
	if av == nil || bv == nil {
		return av == nil && bv == nil
	}
	if !reflect.TypeOf(av).Comparable() || !reflect.TypeOf(bv).Comparable() {
		return false
	}
	return av == bv
}

// Computed derives a signal from other signals: the body re-runs when
// its dependencies change and writes into an internally owned signal,
// so unchanged recomputations do not notify downstream.
func Computed[T any](runtime *Runtime, fn func() T) (*Signal[T], func()) {
	var signal *Signal[T]
	dispose := runtime.Effect(func() CleanupFunc {
		value := fn()
		if signal == nil {
			signal = NewSignal(runtime, value)
		} else {
			signal.Set(value)
		}
		return nil
	})
	return signal, dispose
}
