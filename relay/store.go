package relay

import (
	"context"
	"encoding/json"
)

// the backing store boundary. The relay never interprets payload
// semantics beyond passing them through to notify frames.

// one page of a cursor-aware function result
type Page struct {
	Data    json.RawMessage `json:"data"`
	Cursor  *string         `json:"cursor"`
	HasMore bool            `json:"hasMore"`
}

// one document key named by a change, with optional collection routing
type ChangeTarget struct {
	Doc        string  `json:"doc"`
	DocId      int64   `json:"doc_id"`
	Collection string  `json:"collection,omitempty"`
	ParentIds  []int64 `json:"parent_ids,omitempty"`
}

func (self *ChangeTarget) Key() DocumentKey {
	return DocumentKey{
		Fn:    self.Doc,
		DocId: self.DocId,
	}
}

// a single change may name multiple targets,
// e.g. a root-entity update plus a collection-membership update
type StoreChange struct {
	Targets []ChangeTarget  `json:"targets"`
	Op      Op              `json:"op"`
	Data    json.RawMessage `json:"data"`
}

type BackingStore interface {
	// invoke a named function for a principal. For document opens the
	// result is the initial full snapshot.
	Invoke(ctx context.Context, fn string, principalId Id, args []json.RawMessage) (json.RawMessage, error)

	// invoke a cursor-aware function. A nil cursor means "from the start".
	InvokePage(ctx context.Context, fn string, principalId Id, docId int64, cursor *string, limit int) (*Page, error)

	// the changefeed. The channel is owned by the store and closed when
	// the store shuts down.
	Changes() <-chan *StoreChange
}
