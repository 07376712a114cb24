package relay

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so Get is safe to iterate
// while callbacks are added and removed
type CallbackList[T any] struct {
	stateLock sync.Mutex
	nextId    int
	ids       []int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

// returns a remove function
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.ids = append(slices.Clone(self.ids), callbackId)
	self.callbacks[callbackId] = callback

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := slices.Index(self.ids, callbackId)
		if i < 0 {
			// already removed
			return
		}
		self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
		delete(self.callbacks, callbackId)
	}
}

// in add order
func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.ids))
	for _, callbackId := range self.ids {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}
