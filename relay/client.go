package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrConnectionClosed = errors.New("connection closed")

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateBackoff    ConnectionState = "backoff"
	// terminal: explicit auth rejection or Close()
	StateClosed ConnectionState = "closed"
)

type ClientSettings struct {
	WsHandshakeTimeout  time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingTimeout:         15 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
	}
}

type callResult struct {
	data json.RawMessage
	err  error
}

// Client owns one logical connection to the relay: the outbound queue
// that accumulates while disconnected, the pending-call table, the
// reconnect state machine, and the per-document signal registry the
// merge engine writes into.
//
// All merges and effect runs happen on the client's run goroutine, in
// the order frames arrive. The reactive Runtime is guarded by
// runtimeLock; embedding code observes state via connection-state
// callbacks, reads document values via Document.Value, and registers
// effects inside Do.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	token    string
	settings *ClientSettings

	// runtimeLock serializes merge application and embedder access to
	// the reactive runtime, so signals see one writer at a time
	runtimeLock sync.Mutex
	runtime     *Runtime
	profile     *Signal[json.RawMessage]

	stateLock      sync.Mutex
	state          ConnectionState
	authErr        error
	queue          [][]byte
	queueUpdate    chan struct{}
	pending        map[string]chan callResult
	docs           map[DocumentKey]*Document
	stateCallbacks *CallbackList[func(ConnectionState)]
}

func NewClientWithDefaults(ctx context.Context, relayUrl string, token string) *Client {
	return NewClient(ctx, relayUrl, token, DefaultClientSettings())
}

func NewClient(ctx context.Context, relayUrl string, token string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	runtime := NewRuntime()
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            relayUrl,
		token:          token,
		settings:       settings,
		runtime:        runtime,
		profile:        NewSignal[json.RawMessage](runtime, nil),
		state:          StateConnecting,
		queueUpdate:    make(chan struct{}),
		pending:        map[string]chan callResult{},
		docs:           map[DocumentKey]*Document{},
		stateCallbacks: NewCallbackList[func(ConnectionState)](),
	}
	go client.run()
	return client
}

// Do runs fn with exclusive access to the reactive runtime. Embedding
// code registers effects and reads signals inside Do.
func (self *Client) Do(fn func(runtime *Runtime)) {
	self.runtimeLock.Lock()
	defer self.runtimeLock.Unlock()
	fn(self.runtime)
}

// the principal-scoped startup payload, set once per connection.
// Get and Peek on the signal are only safe inside Do; from other
// goroutines use ProfileValue.
func (self *Client) Profile() *Signal[json.RawMessage] {
	return self.profile
}

func (self *Client) ProfileValue() json.RawMessage {
	self.runtimeLock.Lock()
	defer self.runtimeLock.Unlock()
	return self.profile.Peek()
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// non-nil after an explicit authentication rejection ended the retry loop
func (self *Client) AuthErr() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authErr
}

func (self *Client) AddStateCallback(callback func(ConnectionState)) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Client) setState(state ConnectionState) {
	self.stateLock.Lock()
	self.state = state
	self.stateLock.Unlock()
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *Client) dialUrl() (string, error) {
	u, err := url.Parse(self.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", self.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *Client) run() {
	defer func() {
		self.cancel()
		self.rejectPending(ErrConnectionClosed)
		self.setState(StateClosed)
	}()

	dialUrl, err := self.dialUrl()
	if err != nil {
		glog.Infof("[c]bad url = %s\n", err)
		return
	}

	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(StateConnecting)
		ws, response, err := dialer.DialContext(self.ctx, dialUrl, nil)
		if err != nil {
			if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
				// auth rejection is terminal, all other close reasons retry
				self.stateLock.Lock()
				self.authErr = fmt.Errorf("%w: status %d", ErrAuthRejected, response.StatusCode)
				self.stateLock.Unlock()
				return
			}
			glog.V(2).Infof("[c]connect error = %s\n", err)
			self.setState(StateBackoff)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
			}
			continue
		}

		reconnect.Reset()
		self.resubscribe()
		self.setState(StateOpen)

		self.handleConnection(ws)
		self.rejectPending(ErrConnectionClosed)

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setState(StateBackoff)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// the server registry is per connection, so every open document is
// re-opened at the head of the queue on each new connection. The fresh
// set snapshot replaces the tree.
func (self *Client) resubscribe() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	opens := [][]byte{}
	for _, doc := range self.docs {
		if frame, err := json.Marshal(doc.openMessage()); err == nil {
			opens = append(opens, frame)
		}
	}
	// a queued open for the same key would duplicate the snapshot
	tail := [][]byte{}
	for _, frame := range self.queue {
		var message ClientMessage
		if err := json.Unmarshal(frame, &message); err == nil && message.Type == MessageTypeOpen {
			if docId, err := message.InstanceId(); err == nil {
				if _, ok := self.docs[NewDocumentKey(message.Fn, docId)]; ok {
					continue
				}
			}
		}
		tail = append(tail, frame)
	}
	self.queue = append(opens, tail...)
}

func (self *Client) handleConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()
		self.sendLoop(handleCtx, ws)
	}()

	self.readLoop(handleCtx, ws)
}

func (self *Client) enqueue(frame []byte) {
	self.stateLock.Lock()
	self.queue = append(self.queue, frame)
	update := self.queueUpdate
	self.queueUpdate = make(chan struct{})
	self.stateLock.Unlock()
	close(update)
}

// pops the next frame, or returns the channel that closes on the next
// enqueue
func (self *Client) dequeue() ([]byte, <-chan struct{}) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.queue) == 0 {
		return nil, self.queueUpdate
	}
	frame := self.queue[0]
	self.queue = self.queue[1:]
	return frame, nil
}

func (self *Client) sendLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		frame, update := self.dequeue()
		if frame == nil {
			select {
			case <-ctx.Done():
				return
			case <-update:
				continue
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			}
		}

		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			glog.V(2).Infof("[c]-> error = %s\n", err)
			return
		}
		glog.V(2).Infof("[c]->\n")
	}
}

func (self *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[c]<- error = %s\n", err)
			return
		}

		var message ServerMessage
		if err := json.Unmarshal(frame, &message); err != nil {
			glog.Infof("[c]<- decode error = %s\n", err)
			continue
		}

		// one frame at a time, in arrival order
		self.handleMessage(&message)
	}
}

func (self *Client) handleMessage(message *ServerMessage) {
	switch message.Type {
	case MessageTypeNotify:
		self.handleNotify(message)
	case MessageTypeError:
		self.handleErrorPush(message)
	case MessageTypeProfile:
		self.runtimeLock.Lock()
		self.profile.Set(message.Data)
		self.runtimeLock.Unlock()
	default:
		// a response to a call or fetch
		self.stateLock.Lock()
		result, ok := self.pending[message.Id]
		delete(self.pending, message.Id)
		self.stateLock.Unlock()
		if !ok {
			// e.g. a response to a call whose pending entry was
			// already rejected across a reconnect
			glog.V(2).Infof("[c]<- orphan response %s\n", message.Id)
			return
		}
		if message.Ok {
			result <- callResult{data: message.Data}
		} else {
			result <- callResult{err: errors.New(message.Error)}
		}
	}
}

func (self *Client) handleNotify(message *ServerMessage) {
	self.stateLock.Lock()
	doc, ok := self.docs[NewDocumentKey(message.Doc, message.DocId)]
	if ok && message.Cursor != nil {
		doc.cursor = message.Cursor
	}
	if ok && message.HasMore != nil {
		doc.hasMore = *message.HasMore
	}
	self.stateLock.Unlock()
	if !ok {
		return
	}

	// exactly one merge per event, in arrival order
	self.runtimeLock.Lock()
	defer self.runtimeLock.Unlock()
	self.runtime.Batch(func() {
		tree := doc.signal.Peek()
		doc.signal.Set(MergeRaw(tree, doc.shape, message.Op, message.Collection, message.ParentIds, message.Data))
	})
}

func (self *Client) handleErrorPush(message *ServerMessage) {
	self.stateLock.Lock()
	doc, ok := self.docs[NewDocumentKey(message.Fn, message.DocId)]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	self.runtimeLock.Lock()
	defer self.runtimeLock.Unlock()
	self.runtime.Batch(func() {
		doc.signal.Set(any(DocError{Message: message.Error}))
	})
}

func (self *Client) rejectPending(err error) {
	self.stateLock.Lock()
	pending := self.pending
	self.pending = map[string]chan callResult{}
	self.stateLock.Unlock()
	for _, result := range pending {
		result <- callResult{err: err}
	}
}

func (self *Client) Call(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	rawArgs := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		rawArgs[i] = raw
	}
	requestId := NewId().String()
	frame, err := json.Marshal(&ClientMessage{
		Id:   requestId,
		Fn:   fn,
		Args: rawArgs,
	})
	if err != nil {
		return nil, err
	}
	return self.sendRequest(ctx, requestId, frame)
}

func (self *Client) sendRequest(ctx context.Context, requestId string, frame []byte) (json.RawMessage, error) {
	result := make(chan callResult, 1)
	self.stateLock.Lock()
	self.pending[requestId] = result
	self.stateLock.Unlock()

	self.enqueue(frame)

	select {
	case <-ctx.Done():
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrConnectionClosed
	case r := <-result:
		return r.data, r.err
	}
}

type OpenOptions struct {
	Cursor *string
	Limit  int
	Stream bool
}

// Open subscribes to one document. Opening an already-open key returns
// the existing document.
func (self *Client) Open(fn string, docId int64, shape DocShape, options *OpenOptions) *Document {
	if options == nil {
		options = &OpenOptions{}
	}
	key := NewDocumentKey(fn, docId)

	self.stateLock.Lock()
	if doc, ok := self.docs[key]; ok {
		self.stateLock.Unlock()
		return doc
	}
	doc := &Document{
		client:  self,
		key:     key,
		shape:   shape,
		options: *options,
		signal:  NewSignal[any](self.runtime, nil),
		cursor:  options.Cursor,
	}
	self.docs[key] = doc
	self.stateLock.Unlock()

	if frame, err := json.Marshal(doc.openMessage()); err == nil {
		self.enqueue(frame)
	}
	return doc
}

func (self *Client) Close() {
	self.cancel()
}

// one subscribed document: its shape descriptor, its signal, and the
// server-held cursor state mirrored from notify frames
type Document struct {
	client  *Client
	key     DocumentKey
	shape   DocShape
	options OpenOptions

	signal *Signal[any]

	// guarded by client.stateLock
	cursor  *string
	hasMore bool
}

func (self *Document) Key() DocumentKey {
	return self.key
}

func (self *Document) Shape() DocShape {
	return self.shape
}

// the single source of truth for this document's rendered state.
// Get and Peek on the signal are only safe inside Do; from other
// goroutines use Value.
func (self *Document) Signal() *Signal[any] {
	return self.signal
}

// the current tree, safe from any goroutine. Registers no dependency.
func (self *Document) Value() any {
	self.client.runtimeLock.Lock()
	defer self.client.runtimeLock.Unlock()
	return self.signal.Peek()
}

func (self *Document) Cursor() (*string, bool) {
	self.client.stateLock.Lock()
	defer self.client.stateLock.Unlock()
	return self.cursor, self.hasMore
}

func (self *Document) openMessage() *ClientMessage {
	docId, _ := json.Marshal(self.key.DocId)
	return &ClientMessage{
		Type:   MessageTypeOpen,
		Fn:     self.key.Fn,
		Args:   []json.RawMessage{docId},
		Cursor: self.options.Cursor,
		Limit:  self.options.Limit,
		Stream: self.options.Stream,
	}
}

func (self *Document) Close() {
	self.client.stateLock.Lock()
	delete(self.client.docs, self.key)
	self.client.stateLock.Unlock()

	docId, _ := json.Marshal(self.key.DocId)
	if frame, err := json.Marshal(&ClientMessage{
		Type: MessageTypeClose,
		Fn:   self.key.Fn,
		Args: []json.RawMessage{docId},
	}); err == nil {
		self.client.enqueue(frame)
	}
}

// Fetch requests the next page inline using the last known cursor and
// merges it into the tree as an append. Safe to call past exhaustion:
// the result is an empty page with hasMore false.
func (self *Document) Fetch(ctx context.Context) (*Page, error) {
	cursor, hasMore := self.Cursor()
	if cursor != nil && !hasMore {
		return &Page{HasMore: false}, nil
	}

	docId, _ := json.Marshal(self.key.DocId)
	requestId := NewId().String()
	frame, err := json.Marshal(&ClientMessage{
		Type:   MessageTypeFetch,
		Id:     requestId,
		Fn:     self.key.Fn,
		Args:   []json.RawMessage{docId},
		Cursor: cursor,
		Limit:  self.options.Limit,
	})
	if err != nil {
		return nil, err
	}

	data, err := self.client.sendRequest(ctx, requestId, frame)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, err
	}

	self.client.stateLock.Lock()
	if page.Cursor != nil {
		self.cursor = page.Cursor
	}
	self.hasMore = page.HasMore
	self.client.stateLock.Unlock()

	if page.Data != nil {
		self.client.runtimeLock.Lock()
		self.client.runtime.Batch(func() {
			tree := self.signal.Peek()
			self.signal.Set(MergeRaw(tree, self.shape, OpAppend, "", nil, page.Data))
		})
		self.client.runtimeLock.Unlock()
	}
	return &page, nil
}
