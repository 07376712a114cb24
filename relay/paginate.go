package relay

import (
	"context"

	"github.com/golang/glog"
)

type PaginationSettings struct {
	// page size used when the client omits limit
	DefaultLimit int
}

func DefaultPaginationSettings() *PaginationSettings {
	return &PaginationSettings{
		DefaultLimit: 50,
	}
}

// Paginator drives cursor-aware document opens: one page per open in
// fetch mode, or an autonomous pusher for all remaining pages in
// streaming mode.
type Paginator struct {
	store    BackingStore
	registry *SubscriptionRegistry

	settings *PaginationSettings
}

func NewPaginatorWithDefaults(store BackingStore, registry *SubscriptionRegistry) *Paginator {
	return NewPaginator(store, registry, DefaultPaginationSettings())
}

func NewPaginator(store BackingStore, registry *SubscriptionRegistry, settings *PaginationSettings) *Paginator {
	return &Paginator{
		store:    store,
		registry: registry,
		settings: settings,
	}
}

func (self *Paginator) limitOrDefault(limit int) int {
	if limit <= 0 {
		return self.settings.DefaultLimit
	}
	return limit
}

// a nil cursor means "from the start"
func (self *Paginator) Page(ctx context.Context, principalId Id, fn string, docId int64, cursor *string, limit int) (*Page, error) {
	return self.store.InvokePage(ctx, fn, principalId, docId, cursor, self.limitOrDefault(limit))
}

// StreamPages pushes append pages to the sender until exhaustion, the
// document is closed, or the connection terminates. Subscription
// liveness is polled before and after each backing call; a page fetched
// across a close is discarded, never sent.
func (self *Paginator) StreamPages(
	ctx context.Context,
	sender messageSender,
	connId Id,
	principalId Id,
	fn string,
	docId int64,
	cursor *string,
	limit int,
) {
	key := NewDocumentKey(fn, docId)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !self.registry.IsOpen(connId, key) {
			return
		}

		page, err := self.store.InvokePage(ctx, fn, principalId, docId, cursor, self.limitOrDefault(limit))
		if err != nil {
			glog.Infof("[pg]%s %s error = %s\n", connId, key, err)
			return
		}

		// closed while the call was in flight
		if !self.registry.IsOpen(connId, key) {
			return
		}

		notify := &Notify{
			Type:    MessageTypeNotify,
			Doc:     fn,
			DocId:   docId,
			Op:      OpAppend,
			Data:    page.Data,
			Cursor:  page.Cursor,
			HasMore: &page.HasMore,
		}
		if !sender.SendMessage(notify) {
			return
		}
		glog.V(2).Infof("[pg]%s %s page\n", connId, key)

		if !page.HasMore {
			return
		}
		cursor = page.Cursor
	}
}
