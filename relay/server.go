package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type RelayServerSettings struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendTimeout    time.Duration
	SendBufferSize int
	// backing function invoked once per connection for the profile push.
	// empty disables the push.
	ProfileFn string

	Pagination *PaginationSettings
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingTimeout:    15 * time.Second,
		SendTimeout:    5 * time.Second,
		SendBufferSize: 32,
		ProfileFn:      "profile",
		Pagination:     DefaultPaginationSettings(),
	}
}

// RelayServer sits between websocket clients and one changefeed-capable
// backing store. One worker per inbound connection processes client
// frames in arrival order; the dispatcher fans changefeed events out to
// subscribed connections independently.
type RelayServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    BackingStore
	resolver TokenResolver

	registry   *SubscriptionRegistry
	dispatcher *Dispatcher
	paginator  *Paginator

	settings *RelayServerSettings
}

func NewRelayServerWithDefaults(ctx context.Context, store BackingStore, resolver TokenResolver) *RelayServer {
	return NewRelayServer(ctx, store, resolver, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, store BackingStore, resolver TokenResolver, settings *RelayServerSettings) *RelayServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewSubscriptionRegistry()
	return &RelayServer{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		resolver:   resolver,
		registry:   registry,
		dispatcher: NewDispatcher(cancelCtx, store, registry),
		paginator:  NewPaginator(store, registry, settings.Pagination),
		settings:   settings,
	}
}

func (self *RelayServer) Registry() *SubscriptionRegistry {
	return self.registry
}

func (self *RelayServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.HandleWs)
	router.HandleFunc("/status", self.handleStatus)
	return router
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func connectionToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	return ""
}

func (self *RelayServer) HandleWs(w http.ResponseWriter, r *http.Request) {
	// no partial sessions: the principal resolves before the upgrade,
	// and a rejected token fails the websocket handshake outright
	principalId, err := self.resolver.ResolvePrincipal(connectionToken(r))
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	session := newClientSession(self.ctx, self, ws, principalId)
	go session.run()
}

func (self *RelayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	connectionCount, subscriptionCount := self.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"connections":   connectionCount,
		"subscriptions": subscriptionCount,
	})
}

func (self *RelayServer) Close() {
	self.cancel()
}

// one logical worker per inbound connection. Frames are processed in
// arrival order; all outbound writes funnel through a single send loop
// so concurrent pushes never interleave bytes of two messages.
type clientSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	server      *RelayServer
	ws          *websocket.Conn
	connId      Id
	principalId Id

	send chan []byte
}

func newClientSession(ctx context.Context, server *RelayServer, ws *websocket.Conn, principalId Id) *clientSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &clientSession{
		ctx:         cancelCtx,
		cancel:      cancel,
		server:      server,
		ws:          ws,
		connId:      NewId(),
		principalId: principalId,
		send:        make(chan []byte, server.settings.SendBufferSize),
	}
}

// messageSender. Returns false when the session is gone or the queue
// stayed full past the send timeout.
func (self *clientSession) SendMessage(message any) bool {
	frame, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[ss]%s encode error = %s\n", self.connId, err)
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frame:
		return true
	case <-time.After(self.server.settings.SendTimeout):
		return false
	}
}

func (self *clientSession) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.server.dispatcher.RemoveConnection(self.connId)
		self.server.registry.CloseConnection(self.connId)
	}()

	self.server.dispatcher.AddConnection(self.connId, self)

	go self.sendLoop()

	self.pushProfile()

	// a panic from one connection's frames must not reach the listener
	HandleError(func() {
		self.readLoop()
	})
}

func (self *clientSession) pushProfile() {
	profileFn := self.server.settings.ProfileFn
	if profileFn == "" {
		return
	}
	data, err := self.server.store.Invoke(self.ctx, profileFn, self.principalId, nil)
	if err != nil {
		glog.Infof("[s]%s profile error = %s\n", self.connId, err)
		return
	}
	self.SendMessage(&ProfilePush{
		Type: MessageTypeProfile,
		Data: data,
	})
}

func (self *clientSession) sendLoop() {
	defer self.cancel()

	settings := self.server.settings
	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.Infof("[ss]%s-> error = %s\n", self.connId, err)
				return
			}
			glog.V(2).Infof("[ss]%s->\n", self.connId)
		case <-time.After(settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *clientSession) readLoop() {
	settings := self.server.settings
	self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		_, frame, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[sr]%s<- error = %s\n", self.connId, err)
			return
		}

		var message ClientMessage
		if err := json.Unmarshal(frame, &message); err != nil {
			// malformed frame with no request id to scope a reply to
			glog.Infof("[sr]%s<- decode error = %s\n", self.connId, err)
			continue
		}

		switch message.Type {
		case MessageTypeCall:
			self.handleCall(&message)
		case MessageTypeOpen:
			self.handleOpen(&message)
		case MessageTypeClose:
			self.handleClose(&message)
		case MessageTypeFetch:
			self.handleFetch(&message)
		default:
			glog.V(2).Infof("[sr]%s<- other=%s\n", self.connId, message.Type)
		}
	}
}

func (self *clientSession) handleCall(message *ClientMessage) {
	data, err := self.server.store.Invoke(self.ctx, message.Fn, self.principalId, message.Args)
	if err != nil {
		// surfaced to the caller only, never broadcast
		self.SendMessage(&Response{
			Id:    message.Id,
			Ok:    false,
			Error: err.Error(),
		})
		return
	}
	self.SendMessage(&Response{
		Id:   message.Id,
		Ok:   true,
		Data: data,
	})
}

func (self *clientSession) handleOpen(message *ClientMessage) {
	docId, err := message.InstanceId()
	if err != nil {
		glog.Infof("[sr]%s open decode error = %s\n", self.connId, err)
		return
	}
	key := NewDocumentKey(message.Fn, docId)

	// register before the snapshot call so changes racing the snapshot
	// are still delivered. The entry also stays registered when the
	// snapshot fails, so later unrelated changes reach the client once
	// it resolves the error state out of band.
	self.server.registry.Open(self.connId, key)

	if message.CursorMode() {
		page, err := self.server.paginator.Page(self.ctx, self.principalId, message.Fn, docId, message.Cursor, message.Limit)
		if err != nil {
			self.pushError(key, err)
			return
		}
		self.SendMessage(&Notify{
			Type:    MessageTypeNotify,
			Doc:     message.Fn,
			DocId:   docId,
			Op:      OpSet,
			Data:    page.Data,
			Cursor:  page.Cursor,
			HasMore: &page.HasMore,
		})
		if message.Stream && page.HasMore {
			go self.server.paginator.StreamPages(
				self.ctx,
				self,
				self.connId,
				self.principalId,
				message.Fn,
				docId,
				page.Cursor,
				message.Limit,
			)
		}
		return
	}

	data, err := self.server.store.Invoke(self.ctx, message.Fn, self.principalId, message.Args)
	if err != nil {
		self.pushError(key, err)
		return
	}
	self.SendMessage(&Notify{
		Type:  MessageTypeNotify,
		Doc:   message.Fn,
		DocId: docId,
		Op:    OpSet,
		Data:  data,
	})
}

// a one-shot error scoped to the document key, not a broadcast
func (self *clientSession) pushError(key DocumentKey, err error) {
	glog.V(2).Infof("[sr]%s open %s error = %s\n", self.connId, key, err)
	self.SendMessage(&ErrorPush{
		Type:  MessageTypeError,
		Fn:    key.Fn,
		DocId: key.DocId,
		Error: err.Error(),
	})
}

func (self *clientSession) handleClose(message *ClientMessage) {
	docId, err := message.InstanceId()
	if err != nil {
		return
	}
	self.server.registry.Close(self.connId, NewDocumentKey(message.Fn, docId))
}

// next page inline on the request/response channel,
// without touching the subscription
func (self *clientSession) handleFetch(message *ClientMessage) {
	docId, err := message.InstanceId()
	if err != nil {
		self.SendMessage(&Response{
			Id:    message.Id,
			Ok:    false,
			Error: err.Error(),
		})
		return
	}
	page, err := self.server.paginator.Page(self.ctx, self.principalId, message.Fn, docId, message.Cursor, message.Limit)
	if err != nil {
		self.SendMessage(&Response{
			Id:    message.Id,
			Ok:    false,
			Error: err.Error(),
		})
		return
	}
	data, err := json.Marshal(page)
	if err != nil {
		self.SendMessage(&Response{
			Id:    message.Id,
			Ok:    false,
			Error: err.Error(),
		})
		return
	}
	self.SendMessage(&Response{
		Id:   message.Id,
		Ok:   true,
		Data: data,
	})
}
