package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const SqliteStoreChangeBufferSize = 32

// SqliteStore is a changefeed-capable BackingStore over a single sqlite
// database. Entity documents live in `documents`; collection documents
// registered with RegisterCollection are assembled from `items` rows and
// support rowid-style cursor pagination.
//
// Tables:
//
//	documents(fn, doc_id, data)          PRIMARY KEY (fn, doc_id)
//	items(fn, doc_id, item_id, data)     PRIMARY KEY (fn, doc_id, item_id)
type SqliteStore struct {
	stateLock sync.Mutex
	db        *sql.DB
	// fn -> root key of the collection document
	collections map[string]string

	changes chan *StoreChange
	done    chan struct{}
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		fn TEXT NOT NULL,
		doc_id INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (fn, doc_id)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS items (
		fn TEXT NOT NULL,
		doc_id INTEGER NOT NULL,
		item_id INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (fn, doc_id, item_id)
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db:          db,
		collections: map[string]string{},
		changes:     make(chan *StoreChange, SqliteStoreChangeBufferSize),
		done:        make(chan struct{}),
	}, nil
}

// marks fn as a collection document whose root key holds the item array
func (self *SqliteStore) RegisterCollection(fn string, rootKey string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.collections[fn] = rootKey
}

func (self *SqliteStore) rootKey(fn string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rootKey, ok := self.collections[fn]
	return rootKey, ok
}

func (self *SqliteStore) Invoke(ctx context.Context, fn string, principalId Id, args []json.RawMessage) (json.RawMessage, error) {
	var docId int64
	if 0 < len(args) {
		if err := json.Unmarshal(args[0], &docId); err != nil {
			return nil, err
		}
	}

	if rootKey, ok := self.rootKey(fn); ok {
		items, err := self.itemsAfter(ctx, fn, docId, 0, -1)
		if err != nil {
			return nil, err
		}
		return marshalCollection(rootKey, items)
	}

	var data string
	err := self.db.QueryRowContext(
		ctx,
		"SELECT data FROM documents WHERE fn = ? AND doc_id = ?",
		fn, docId,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no document %s:%d", fn, docId)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (self *SqliteStore) InvokePage(ctx context.Context, fn string, principalId Id, docId int64, cursor *string, limit int) (*Page, error) {
	rootKey, ok := self.rootKey(fn)
	if !ok {
		return nil, fmt.Errorf("not a collection function: %s", fn)
	}

	after := int64(0)
	if cursor != nil {
		var err error
		after, err = strconv.ParseInt(*cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %s: %w", *cursor, err)
		}
	}

	// fetch one extra row to learn whether more pages remain
	items, err := self.itemsAfter(ctx, fn, docId, after, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := limit < len(items)
	if hasMore {
		items = items[:limit]
	}

	var nextCursor *string
	if 0 < len(items) {
		c := strconv.FormatInt(items[len(items)-1].itemId, 10)
		nextCursor = &c
	}

	data, err := marshalCollection(rootKey, items)
	if err != nil {
		return nil, err
	}
	return &Page{
		Data:    data,
		Cursor:  nextCursor,
		HasMore: hasMore,
	}, nil
}

type sqliteItem struct {
	itemId int64
	data   string
}

// limit < 0 means all
func (self *SqliteStore) itemsAfter(ctx context.Context, fn string, docId int64, after int64, limit int) ([]sqliteItem, error) {
	q := "SELECT item_id, data FROM items WHERE fn = ? AND doc_id = ? AND item_id > ? ORDER BY item_id"
	args := []any{fn, docId, after}
	if 0 <= limit {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := self.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []sqliteItem{}
	for rows.Next() {
		var item sqliteItem
		if err := rows.Scan(&item.itemId, &item.data); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func marshalCollection(rootKey string, items []sqliteItem) (json.RawMessage, error) {
	values := make([]json.RawMessage, len(items))
	for i, item := range items {
		values[i] = json.RawMessage(item.data)
	}
	return json.Marshal(map[string][]json.RawMessage{
		rootKey: values,
	})
}

func (self *SqliteStore) Changes() <-chan *StoreChange {
	return self.changes
}

// write api. Each write publishes a change into the feed. A running
// changefeed consumer is required once the buffer fills; Close unblocks
// any waiting writer and later changes are dropped.

func (self *SqliteStore) publish(change *StoreChange) {
	select {
	case self.changes <- change:
	case <-self.done:
	}
}

func (self *SqliteStore) SetDocument(fn string, docId int64, data json.RawMessage) error {
	_, err := self.db.Exec(
		`INSERT INTO documents (fn, doc_id, data) VALUES (?, ?, ?)
		 ON CONFLICT(fn, doc_id) DO UPDATE SET data = excluded.data`,
		fn, docId, string(data),
	)
	if err != nil {
		return err
	}
	self.publish(&StoreChange{
		Targets: []ChangeTarget{{Doc: fn, DocId: docId}},
		Op:      OpSet,
		Data:    data,
	})
	return nil
}

func (self *SqliteStore) UpdateDocument(fn string, docId int64, fields json.RawMessage) error {
	// shallow merge onto the stored document
	var doc map[string]json.RawMessage
	var update map[string]json.RawMessage
	row := self.db.QueryRow("SELECT data FROM documents WHERE fn = ? AND doc_id = ?", fn, docId)
	var data string
	if err := row.Scan(&data); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return err
	}
	if err := json.Unmarshal(fields, &update); err != nil {
		return err
	}
	for k, v := range update {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = self.db.Exec(
		"UPDATE documents SET data = ? WHERE fn = ? AND doc_id = ?",
		string(merged), fn, docId,
	)
	if err != nil {
		return err
	}
	self.publish(&StoreChange{
		Targets: []ChangeTarget{{Doc: fn, DocId: docId}},
		Op:      OpUpsert,
		Data:    fields,
	})
	return nil
}

func (self *SqliteStore) UpsertItem(fn string, docId int64, itemId int64, data json.RawMessage) error {
	rootKey, ok := self.rootKey(fn)
	if !ok {
		return fmt.Errorf("not a collection function: %s", fn)
	}
	_, err := self.db.Exec(
		`INSERT INTO items (fn, doc_id, item_id, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(fn, doc_id, item_id) DO UPDATE SET data = excluded.data`,
		fn, docId, itemId, string(data),
	)
	if err != nil {
		return err
	}
	self.publish(&StoreChange{
		Targets: []ChangeTarget{{Doc: fn, DocId: docId, Collection: rootKey}},
		Op:      OpUpsert,
		Data:    data,
	})
	return nil
}

func (self *SqliteStore) RemoveItem(fn string, docId int64, itemId int64) error {
	rootKey, ok := self.rootKey(fn)
	if !ok {
		return fmt.Errorf("not a collection function: %s", fn)
	}
	_, err := self.db.Exec(
		"DELETE FROM items WHERE fn = ? AND doc_id = ? AND item_id = ?",
		fn, docId, itemId,
	)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]int64{"id": itemId})
	if err != nil {
		return err
	}
	self.publish(&StoreChange{
		Targets: []ChangeTarget{{Doc: fn, DocId: docId, Collection: rootKey}},
		Op:      OpRemove,
		Data:    data,
	})
	return nil
}

func (self *SqliteStore) Close() error {
	close(self.done)
	return self.db.Close()
}
