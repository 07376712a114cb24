package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const MemoryStoreChangeBufferSize = 32

type InvokeFunc func(ctx context.Context, principalId Id, args []json.RawMessage) (json.RawMessage, error)

type InvokePageFunc func(ctx context.Context, principalId Id, docId int64, cursor *string, limit int) (*Page, error)

// an in-process BackingStore with registered function handlers and an
// explicit Publish entry point for the changefeed
type MemoryStore struct {
	stateLock sync.Mutex
	funcs     map[string]InvokeFunc
	pageFuncs map[string]InvokePageFunc

	changes chan *StoreChange
	done    chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funcs:     map[string]InvokeFunc{},
		pageFuncs: map[string]InvokePageFunc{},
		changes:   make(chan *StoreChange, MemoryStoreChangeBufferSize),
		done:      make(chan struct{}),
	}
}

func (self *MemoryStore) Register(fn string, invoke InvokeFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.funcs[fn] = invoke
}

func (self *MemoryStore) RegisterPage(fn string, invokePage InvokePageFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pageFuncs[fn] = invokePage
}

func (self *MemoryStore) Invoke(ctx context.Context, fn string, principalId Id, args []json.RawMessage) (json.RawMessage, error) {
	self.stateLock.Lock()
	invoke, ok := self.funcs[fn]
	self.stateLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("no function %s", fn)
	}
	return invoke(ctx, principalId, args)
}

func (self *MemoryStore) InvokePage(ctx context.Context, fn string, principalId Id, docId int64, cursor *string, limit int) (*Page, error) {
	self.stateLock.Lock()
	invokePage, ok := self.pageFuncs[fn]
	self.stateLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("no paged function %s", fn)
	}
	return invokePage(ctx, principalId, docId, cursor, limit)
}

func (self *MemoryStore) Changes() <-chan *StoreChange {
	return self.changes
}

// Publish requires a running changefeed consumer once the buffer
// fills. Close unblocks any waiting publisher; a change published
// after Close is dropped.
func (self *MemoryStore) Publish(change *StoreChange) {
	select {
	case self.changes <- change:
	case <-self.done:
	}
}

func (self *MemoryStore) Close() {
	close(self.done)
}
