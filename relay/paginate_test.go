package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"

	"github.com/go-playground/assert/v2"
)

// pages of item ids [after+1 .. after+limit] up to total
func testPageFunc(total int) InvokePageFunc {
	return func(ctx context.Context, principalId Id, docId int64, cursor *string, limit int) (*Page, error) {
		after := 0
		if cursor != nil {
			var err error
			after, err = strconv.Atoi(*cursor)
			if err != nil {
				return nil, err
			}
		}
		items := []map[string]int{}
		for id := after + 1; id <= total && id <= after+limit; id += 1 {
			items = append(items, map[string]int{"id": id})
		}
		data, err := json.Marshal(map[string]any{"posts": items})
		if err != nil {
			return nil, err
		}
		var nextCursor *string
		if 0 < len(items) {
			c := strconv.Itoa(after + len(items))
			nextCursor = &c
		}
		return &Page{
			Data:    data,
			Cursor:  nextCursor,
			HasMore: after+len(items) < total,
		}, nil
	}
}

func TestPaginatorPage(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	store.RegisterPage("getPosts", testPageFunc(5))
	registry := NewSubscriptionRegistry()
	paginator := NewPaginator(store, registry, &PaginationSettings{DefaultLimit: 2})

	// omitted limit uses the default
	page, err := paginator.Page(ctx, NewId(), "getPosts", 0, nil, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, page.HasMore, true)
	assert.Equal(t, *page.Cursor, "2")

	// the returned cursor fetches the next page
	page, err = paginator.Page(ctx, NewId(), "getPosts", 0, page.Cursor, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, *page.Cursor, "4")
	assert.Equal(t, page.HasMore, true)

	page, err = paginator.Page(ctx, NewId(), "getPosts", 0, page.Cursor, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, page.HasMore, false)

	// fetching past exhaustion is a safe no-op
	page, err = paginator.Page(ctx, NewId(), "getPosts", 0, page.Cursor, 2)
	assert.Equal(t, err, nil)
	assert.Equal(t, page.HasMore, false)
}

func TestPaginatorStreamPages(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	store.RegisterPage("getPosts", testPageFunc(7))
	registry := NewSubscriptionRegistry()
	paginator := NewPaginator(store, registry, &PaginationSettings{DefaultLimit: 2})

	connId := NewId()
	key := NewDocumentKey("getPosts", 0)
	registry.Open(connId, key)

	sender := &testSender{}
	// page 1 was already sent as the set snapshot, stream the rest
	cursor := "2"
	paginator.StreamPages(ctx, sender, connId, NewId(), "getPosts", 0, &cursor, 2)

	notifies := sender.Notifies()
	assert.Equal(t, len(notifies), 3)
	for _, notify := range notifies {
		assert.Equal(t, notify.Op, OpAppend)
		assert.Equal(t, notify.Doc, "getPosts")
	}
	assert.Equal(t, *notifies[0].HasMore, true)
	assert.Equal(t, *notifies[1].HasMore, true)
	assert.Equal(t, *notifies[2].HasMore, false)
	assert.Equal(t, *notifies[2].Cursor, "7")
}

func TestPaginatorStreamStopsOnClose(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	closeAfter := 2
	pages := 0
	registry := NewSubscriptionRegistry()
	connId := NewId()
	key := NewDocumentKey("getPosts", 0)

	inner := testPageFunc(100)
	store.RegisterPage("getPosts", func(ctx context.Context, principalId Id, docId int64, cursor *string, limit int) (*Page, error) {
		pages += 1
		if pages == closeAfter {
			// the client closes the document while a page is in flight:
			// that page's result must be discarded, not sent
			registry.Close(connId, key)
		}
		return inner(ctx, principalId, docId, cursor, limit)
	})
	paginator := NewPaginator(store, registry, &PaginationSettings{DefaultLimit: 2})

	registry.Open(connId, key)
	sender := &testSender{}
	paginator.StreamPages(ctx, sender, connId, NewId(), "getPosts", 0, nil, 2)

	assert.Equal(t, pages, closeAfter)
	assert.Equal(t, sender.MessageCount(), closeAfter-1)
}

func TestPaginatorStreamStopsOnCancel(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())

	store := NewMemoryStore()
	pages := 0
	store.RegisterPage("getPosts", func(ctx context.Context, principalId Id, docId int64, cursor *string, limit int) (*Page, error) {
		pages += 1
		cancel()
		return testPageFunc(100)(ctx, principalId, docId, cursor, limit)
	})
	registry := NewSubscriptionRegistry()
	paginator := NewPaginatorWithDefaults(store, registry)

	connId := NewId()
	registry.Open(connId, NewDocumentKey("getPosts", 0))
	sender := &testSender{}
	paginator.StreamPages(cancelCtx, sender, connId, NewId(), "getPosts", 0, nil, 2)

	if 2 < pages {
		t.Fatal(fmt.Sprintf("stream did not observe cancellation: %d pages", pages))
	}
}
