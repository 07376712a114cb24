package relay

import (
	"encoding/json"
)

// Wire framing. All frames are JSON text messages over an ordered
// bidirectional transport. Client frames are discriminated by `type`;
// a frame with no type is a request/response call.

type Op string

const (
	OpSet    Op = "set"
	OpAppend Op = "append"
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

const (
	MessageTypeCall    = ""
	MessageTypeOpen    = "open"
	MessageTypeClose   = "close"
	MessageTypeFetch   = "fetch"
	MessageTypeNotify  = "notify"
	MessageTypeError   = "error"
	MessageTypeProfile = "profile"
)

// client -> server
type ClientMessage struct {
	Type   string            `json:"type,omitempty"`
	Id     string            `json:"id,omitempty"`
	Fn     string            `json:"fn,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Cursor *string           `json:"cursor,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Stream bool              `json:"stream,omitempty"`
}

// the instance id for open/close/fetch travels as the sole element of args
func (self *ClientMessage) InstanceId() (int64, error) {
	if len(self.Args) == 0 {
		return 0, nil
	}
	var docId int64
	if err := json.Unmarshal(self.Args[0], &docId); err != nil {
		return 0, err
	}
	return docId, nil
}

// cursor-aware mode is requested by sending a cursor or an explicit limit
func (self *ClientMessage) CursorMode() bool {
	return self.Cursor != nil || 0 < self.Limit
}

// server -> client, for calls and fetches
type Response struct {
	Id    string          `json:"id"`
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// server -> client push for one (connection, document key) pair
type Notify struct {
	Type       string          `json:"type"`
	Doc        string          `json:"doc"`
	DocId      int64           `json:"doc_id"`
	Op         Op              `json:"op"`
	Collection string          `json:"collection,omitempty"`
	ParentIds  []int64         `json:"parent_ids,omitempty"`
	Data       json.RawMessage `json:"data"`
	Cursor     *string         `json:"cursor,omitempty"`
	HasMore    *bool           `json:"hasMore,omitempty"`
}

// server -> client scoped error push, e.g. a failed document open
type ErrorPush struct {
	Type  string `json:"type"`
	Fn    string `json:"fn"`
	DocId int64  `json:"doc_id"`
	Error string `json:"error"`
}

// server -> client principal-scoped startup payload,
// sent once per connection after the principal resolves
type ProfilePush struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// the union the client decodes incoming frames into
type ServerMessage struct {
	Type       string          `json:"type,omitempty"`
	Id         string          `json:"id,omitempty"`
	Ok         bool            `json:"ok,omitempty"`
	Fn         string          `json:"fn,omitempty"`
	Doc        string          `json:"doc,omitempty"`
	DocId      int64           `json:"doc_id,omitempty"`
	Op         Op              `json:"op,omitempty"`
	Collection string          `json:"collection,omitempty"`
	ParentIds  []int64         `json:"parent_ids,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Cursor     *string         `json:"cursor,omitempty"`
	HasMore    *bool           `json:"hasMore,omitempty"`
	Error      string          `json:"error,omitempty"`
}
