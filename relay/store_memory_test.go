package relay

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStorePublishUnblockedByClose(t *testing.T) {
	store := NewMemoryStore()

	change := &StoreChange{
		Targets: []ChangeTarget{{Doc: "getThing", DocId: 1}},
		Op:      OpSet,
		Data:    json.RawMessage(`{}`),
	}
	// fill the buffer with no consumer
	for i := 0; i < MemoryStoreChangeBufferSize; i += 1 {
		store.Publish(change)
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		store.Publish(change)
	}()

	select {
	case <-published:
		t.Fatal("publish into a full buffer should wait for the consumer")
	case <-time.After(100 * time.Millisecond):
	}

	// shutdown with no consumer must not strand the publisher
	store.Close()
	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock the publisher")
	}
}
