package relay

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSignalGetSetPeek(t *testing.T) {
	runtime := NewRuntime()
	signal := NewSignal(runtime, 1)

	assert.Equal(t, signal.Get(), 1)
	assert.Equal(t, signal.Peek(), 1)

	runs := 0
	runtime.Effect(func() CleanupFunc {
		signal.Get()
		runs += 1
		return nil
	})
	assert.Equal(t, runs, 1)

	signal.Set(2)
	assert.Equal(t, runs, 2)

	// idempotent no-op write
	signal.Set(2)
	assert.Equal(t, runs, 2)

	// peek registers no dependency
	other := NewSignal(runtime, 10)
	peeks := 0
	runtime.Effect(func() CleanupFunc {
		other.Peek()
		peeks += 1
		return nil
	})
	other.Set(11)
	assert.Equal(t, peeks, 1)
}

func TestEffectDynamicDependencies(t *testing.T) {
	runtime := NewRuntime()
	useA := NewSignal(runtime, true)
	a := NewSignal(runtime, "a")
	b := NewSignal(runtime, "b")

	runs := 0
	runtime.Effect(func() CleanupFunc {
		if useA.Get() {
			a.Get()
		} else {
			b.Get()
		}
		runs += 1
		return nil
	})
	assert.Equal(t, runs, 1)

	a.Set("a2")
	assert.Equal(t, runs, 2)
	b.Set("b2")
	assert.Equal(t, runs, 2)

	// flip the branch: unsubscribed from a, subscribed to b
	useA.Set(false)
	assert.Equal(t, runs, 3)
	a.Set("a3")
	assert.Equal(t, runs, 3)
	b.Set("b3")
	assert.Equal(t, runs, 4)
}

func TestEffectCleanupAndDispose(t *testing.T) {
	runtime := NewRuntime()
	signal := NewSignal(runtime, 0)

	cleanups := 0
	runs := 0
	dispose := runtime.Effect(func() CleanupFunc {
		signal.Get()
		runs += 1
		return func() {
			cleanups += 1
		}
	})

	signal.Set(1)
	assert.Equal(t, runs, 2)
	// the first run's cleanup ran before the re-run
	assert.Equal(t, cleanups, 1)

	dispose()
	assert.Equal(t, cleanups, 2)

	// dispose prevents future runs
	signal.Set(2)
	assert.Equal(t, runs, 2)
	dispose()
	assert.Equal(t, cleanups, 2)
}

func TestBatchCoalescing(t *testing.T) {
	runtime := NewRuntime()
	a := NewSignal(runtime, 0)
	b := NewSignal(runtime, 0)

	runs := 0
	runtime.Effect(func() CleanupFunc {
		a.Get()
		b.Get()
		runs += 1
		return nil
	})
	assert.Equal(t, runs, 1)

	runtime.Batch(func() {
		a.Set(1)
		b.Set(1)
		a.Set(2)
		assert.Equal(t, runs, 1)
	})
	// exactly once after the batch
	assert.Equal(t, runs, 2)
}

func TestBatchFixedPoint(t *testing.T) {
	runtime := NewRuntime()
	a := NewSignal(runtime, 0)
	derived := NewSignal(runtime, 0)

	runtime.Effect(func() CleanupFunc {
		derived.Set(a.Get() * 2)
		return nil
	})

	downstream := 0
	runtime.Effect(func() CleanupFunc {
		derived.Get()
		downstream += 1
		return nil
	})

	runtime.Batch(func() {
		a.Set(3)
	})
	// the drain loops until the write from the first effect propagated
	assert.Equal(t, derived.Peek(), 6)
	assert.Equal(t, downstream, 2)
}

func TestEffectCycleGuard(t *testing.T) {
	runtime := NewRuntime()
	signal := NewSignal(runtime, 0)

	defer func() {
		r := recover()
		_, ok := r.(*EffectCycleError)
		assert.Equal(t, ok, true)
	}()

	// an effect that writes the very signal it reads
	runtime.Effect(func() CleanupFunc {
		signal.Set(signal.Get() + 1)
		return nil
	})
	t.Fatal("expected an effect cycle failure")
}

func TestComputed(t *testing.T) {
	runtime := NewRuntime()
	a := NewSignal(runtime, 2)
	b := NewSignal(runtime, 3)

	product, dispose := Computed(runtime, func() int {
		return a.Get() * b.Get()
	})
	assert.Equal(t, product.Peek(), 6)

	downstream := 0
	runtime.Effect(func() CleanupFunc {
		product.Get()
		downstream += 1
		return nil
	})

	a.Set(4)
	assert.Equal(t, product.Peek(), 12)
	assert.Equal(t, downstream, 2)

	// unchanged recomputation does not notify downstream
	runtime.Batch(func() {
		a.Set(6)
		b.Set(2)
	})
	assert.Equal(t, product.Peek(), 12)
	assert.Equal(t, downstream, 2)

	dispose()
	a.Set(100)
	assert.Equal(t, product.Peek(), 12)
}
