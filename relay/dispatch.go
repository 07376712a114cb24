package relay

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// the serialized outbound send path of one connection.
// SendMessage returns false when the message could not be queued,
// which marks the connection as gone.
type messageSender interface {
	SendMessage(message any) bool
}

// Dispatcher is the fan-out consumer of the backing store's changefeed.
// It runs fully asynchronous with respect to per-connection workers:
// a change is delivered once per (connection, target) pair to every
// connection whose registry contains the target key.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    BackingStore
	registry *SubscriptionRegistry

	stateLock sync.Mutex
	senders   map[Id]messageSender
}

func NewDispatcher(ctx context.Context, store BackingStore, registry *SubscriptionRegistry) *Dispatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	dispatcher := &Dispatcher{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		registry: registry,
		senders:  map[Id]messageSender{},
	}
	go dispatcher.run()
	return dispatcher
}

func (self *Dispatcher) AddConnection(connId Id, sender messageSender) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.senders[connId] = sender
}

func (self *Dispatcher) RemoveConnection(connId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.senders, connId)
}

func (self *Dispatcher) sender(connId Id) (messageSender, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sender, ok := self.senders[connId]
	return sender, ok
}

func (self *Dispatcher) run() {
	defer self.cancel()

	changes := self.store.Changes()
	for {
		select {
		case <-self.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			// a bad payload must not take down the feed consumer
			HandleError(func() {
				self.dispatch(change)
			})
		}
	}
}

func (self *Dispatcher) dispatch(change *StoreChange) {
	for i := range change.Targets {
		target := &change.Targets[i]
		key := target.Key()
		for _, connId := range self.registry.Subscribers(key) {
			sender, ok := self.sender(connId)
			if !ok {
				// connection already torn down, registry lagging
				self.registry.Close(connId, key)
				continue
			}
			notify := &Notify{
				Type:       MessageTypeNotify,
				Doc:        target.Doc,
				DocId:      target.DocId,
				Op:         change.Op,
				Collection: target.Collection,
				ParentIds:  target.ParentIds,
				Data:       change.Data,
			}
			if !sender.SendMessage(notify) {
				glog.Infof("[d]drop %s %s\n", connId, key)
				self.registry.Close(connId, key)
				continue
			}
			glog.V(2).Infof("[d]%s %s %s\n", connId, key, change.Op)
		}
	}
}

func (self *Dispatcher) Close() {
	self.cancel()
}
