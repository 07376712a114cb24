package relay

import (
	"sync"

	"golang.org/x/exp/maps"
)

// SubscriptionRegistry is the authoritative per-connection set of open
// document keys, with a reverse index for dispatch. All mutations and
// dispatch reads serialize on one lock; the subscriber sets handed out
// are copies, so a dispatch never iterates a half-updated set.
type SubscriptionRegistry struct {
	stateLock sync.Mutex
	// connection -> open keys, for connection cleanup
	connKeys map[Id]map[DocumentKey]bool
	// key -> subscribed connections, for dispatch
	keyConns map[DocumentKey]map[Id]bool
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		connKeys: map[Id]map[DocumentKey]bool{},
		keyConns: map[DocumentKey]map[Id]bool{},
	}
}

// idempotent
func (self *SubscriptionRegistry) Open(connId Id, key DocumentKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys, ok := self.connKeys[connId]
	if !ok {
		keys = map[DocumentKey]bool{}
		self.connKeys[connId] = keys
	}
	keys[key] = true

	conns, ok := self.keyConns[key]
	if !ok {
		conns = map[Id]bool{}
		self.keyConns[key] = conns
	}
	conns[connId] = true
}

// absence is not an error
func (self *SubscriptionRegistry) Close(connId Id, key DocumentKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.close(connId, key)
}

func (self *SubscriptionRegistry) close(connId Id, key DocumentKey) {
	if keys, ok := self.connKeys[connId]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(self.connKeys, connId)
		}
	}
	if conns, ok := self.keyConns[key]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(self.keyConns, key)
		}
	}
}

func (self *SubscriptionRegistry) CloseConnection(connId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key := range self.connKeys[connId] {
		if conns, ok := self.keyConns[key]; ok {
			delete(conns, connId)
			if len(conns) == 0 {
				delete(self.keyConns, key)
			}
		}
	}
	delete(self.connKeys, connId)
}

func (self *SubscriptionRegistry) IsOpen(connId Id, key DocumentKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connKeys[connId][key]
}

// a copy, safe to iterate while the registry changes
func (self *SubscriptionRegistry) Subscribers(key DocumentKey) []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.keyConns[key])
}

func (self *SubscriptionRegistry) OpenKeys(connId Id) []DocumentKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.connKeys[connId])
}

func (self *SubscriptionRegistry) Counts() (connectionCount int, subscriptionCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, keys := range self.connKeys {
		subscriptionCount += len(keys)
	}
	return len(self.connKeys), subscriptionCount
}
