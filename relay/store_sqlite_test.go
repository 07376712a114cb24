package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestSqliteStore(t *testing.T) *SqliteStore {
	store, err := NewSqliteStore(":memory:")
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSqliteStoreDocuments(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	err := store.SetDocument("getThing", 1, json.RawMessage(`{"thing":{"id":1,"name":"A"}}`))
	assert.Equal(t, err, nil)

	// the write published a set change
	change := <-store.Changes()
	assert.Equal(t, change.Op, OpSet)
	assert.Equal(t, change.Targets[0].Key(), NewDocumentKey("getThing", 1))

	data, err := store.Invoke(ctx, "getThing", NewId(), []json.RawMessage{json.RawMessage(`1`)})
	assert.Equal(t, err, nil)
	var doc map[string]map[string]any
	assert.Equal(t, json.Unmarshal(data, &doc), nil)
	assert.Equal(t, doc["thing"]["name"], "A")

	// unknown document
	_, err = store.Invoke(ctx, "getThing", NewId(), []json.RawMessage{json.RawMessage(`2`)})
	assert.NotEqual(t, err, nil)
}

func TestSqliteStoreUpdateDocument(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)

	assert.Equal(t, store.SetDocument("getThing", 1, json.RawMessage(`{"id":1,"name":"A","status":"open"}`)), nil)
	<-store.Changes()

	assert.Equal(t, store.UpdateDocument("getThing", 1, json.RawMessage(`{"name":"B"}`)), nil)
	change := <-store.Changes()
	assert.Equal(t, change.Op, OpUpsert)

	data, err := store.Invoke(ctx, "getThing", NewId(), []json.RawMessage{json.RawMessage(`1`)})
	assert.Equal(t, err, nil)
	var doc map[string]any
	assert.Equal(t, json.Unmarshal(data, &doc), nil)
	assert.Equal(t, doc["name"], "B")
	assert.Equal(t, doc["status"], "open")
}

func TestSqliteStoreCollectionPages(t *testing.T) {
	ctx := context.Background()
	store := newTestSqliteStore(t)
	store.RegisterCollection("getPosts", "posts")

	for i := int64(1); i <= 5; i += 1 {
		data, _ := json.Marshal(map[string]int64{"id": i})
		assert.Equal(t, store.UpsertItem("getPosts", 0, i, data), nil)
		change := <-store.Changes()
		assert.Equal(t, change.Op, OpUpsert)
		assert.Equal(t, change.Targets[0].Collection, "posts")
	}

	// full snapshot
	data, err := store.Invoke(ctx, "getPosts", NewId(), []json.RawMessage{json.RawMessage(`0`)})
	assert.Equal(t, err, nil)
	var snapshot map[string][]map[string]int64
	assert.Equal(t, json.Unmarshal(data, &snapshot), nil)
	assert.Equal(t, len(snapshot["posts"]), 5)

	// paged
	page, err := store.InvokePage(ctx, "getPosts", NewId(), 0, nil, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, page.HasMore, true)
	assert.Equal(t, *page.Cursor, "2")

	page, err = store.InvokePage(ctx, "getPosts", NewId(), 0, page.Cursor, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, *page.Cursor, "4")
	assert.Equal(t, page.HasMore, true)

	page, err = store.InvokePage(ctx, "getPosts", NewId(), 0, page.Cursor, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, page.HasMore, false)
	var pageData map[string][]map[string]int64
	assert.Equal(t, json.Unmarshal(page.Data, &pageData), nil)
	assert.Equal(t, len(pageData["posts"]), 1)
}

func TestSqliteStoreRemoveItem(t *testing.T) {
	store := newTestSqliteStore(t)
	store.RegisterCollection("getPosts", "posts")

	data, _ := json.Marshal(map[string]int64{"id": 1})
	assert.Equal(t, store.UpsertItem("getPosts", 0, 1, data), nil)
	<-store.Changes()

	assert.Equal(t, store.RemoveItem("getPosts", 0, 1), nil)
	change := <-store.Changes()
	assert.Equal(t, change.Op, OpRemove)
	var removed map[string]int64
	assert.Equal(t, json.Unmarshal(change.Data, &removed), nil)
	assert.Equal(t, removed["id"], int64(1))
}
