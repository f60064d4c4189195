package tripsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// consumes the server's push event feed for a scope and applies remote
// changes to the local cache through the echo suppressor.
//
// events for a key apply in non decreasing version order: anything at or
// below the local version is a stale duplicate and is discarded. On
// reconnect the stream resumes from its cursor when the feed still has it,
// and otherwise falls back to a full backfill of the scope.

type ChangeFunction func(event *ChangeEvent)

type ConnectivityFunction func(online bool)

type ReconciliationStreamSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	BackfillTimeout    time.Duration
}

func DefaultReconciliationStreamSettings() *ReconciliationStreamSettings {
	return &ReconciliationStreamSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		BackfillTimeout:    30 * time.Second,
	}
}

type ReconciliationStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	scope     string
	streamUrl string
	auth      *ClientAuth

	store      Store
	cache      *RecordCache
	suppressor *EchoSuppressor

	// keys this client still has pending mutations against are left to
	// the mutation queue and conflict resolver, which take precedence
	// over the raw backfill
	hasPending func(resourceKey string) bool

	// when set, consume the store feed in process instead of a websocket
	localStore *MemoryStore

	settings *ReconciliationStreamSettings

	mutex  sync.Mutex
	cursor string

	changeCallbacks       *CallbackList[ChangeFunction]
	connectivityCallbacks *CallbackList[ConnectivityFunction]
}

func NewReconciliationStream(
	ctx context.Context,
	scope string,
	streamUrl string,
	auth *ClientAuth,
	store Store,
	cache *RecordCache,
	suppressor *EchoSuppressor,
	hasPending func(resourceKey string) bool,
	settings *ReconciliationStreamSettings,
) *ReconciliationStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &ReconciliationStream{
		ctx:                   cancelCtx,
		cancel:                cancel,
		scope:                 scope,
		streamUrl:             streamUrl,
		auth:                  auth,
		store:                 store,
		cache:                 cache,
		suppressor:            suppressor,
		hasPending:            hasPending,
		settings:              settings,
		changeCallbacks:       NewCallbackList[ChangeFunction](),
		connectivityCallbacks: NewCallbackList[ConnectivityFunction](),
	}
	go stream.run()
	return stream
}

// consumes a memory store directly. Used by tests and single process setups.
func NewLocalReconciliationStream(
	ctx context.Context,
	scope string,
	localStore *MemoryStore,
	cache *RecordCache,
	suppressor *EchoSuppressor,
	hasPending func(resourceKey string) bool,
	settings *ReconciliationStreamSettings,
) *ReconciliationStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &ReconciliationStream{
		ctx:                   cancelCtx,
		cancel:                cancel,
		scope:                 scope,
		store:                 localStore,
		cache:                 cache,
		suppressor:            suppressor,
		hasPending:            hasPending,
		localStore:            localStore,
		settings:              settings,
		changeCallbacks:       NewCallbackList[ChangeFunction](),
		connectivityCallbacks: NewCallbackList[ConnectivityFunction](),
	}
	go stream.run()
	return stream
}

func (self *ReconciliationStream) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ReconciliationStream) AddConnectivityCallback(connectivityCallback ConnectivityFunction) func() {
	callbackId := self.connectivityCallbacks.Add(connectivityCallback)
	return func() {
		self.connectivityCallbacks.Remove(callbackId)
	}
}

func (self *ReconciliationStream) Close() {
	self.cancel()
}

func (self *ReconciliationStream) run() {
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		var err error
		if self.localStore != nil {
			err = self.runLocal()
		} else {
			err = self.runWs()
		}
		if err != nil {
			glog.Infof("[r]%s disconnected = %s\n", self.scope, err)
		}
		self.setOnline(false)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *ReconciliationStream) runLocal() error {
	events, unsub, err := self.localStore.Subscribe(self.scope, self.getCursor())
	if err != nil {
		// cursor fell off the feed, full resync
		self.setCursor("")
		events, unsub, err = self.localStore.Subscribe(self.scope, "")
		if err != nil {
			return err
		}
	}
	defer unsub()

	self.setOnline(true)
	self.backfill()

	for {
		select {
		case <-self.ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return ErrStreamDisconnected
			}
			self.handleEvent(event)
		}
	}
}

func (self *ReconciliationStream) runWs() error {
	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		url := fmt.Sprintf("%s?scope=%s", self.streamUrl, self.scope)
		if cursor := self.getCursor(); cursor != "" {
			url = fmt.Sprintf("%s&cursor=%s", url, cursor)
		}
		header := http.Header{}
		if self.auth != nil && self.auth.ByJwt != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
		}
		ws, response, err := dialer.DialContext(self.ctx, url, header)
		if err != nil {
			if response != nil && response.StatusCode == http.StatusGone {
				// the feed no longer has the cursor, full resync
				self.setCursor("")
			}
			return nil, err
		}
		return ws, nil
	}

	ws, err := connect()
	if err != nil {
		return err
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	self.setOnline(true)
	self.backfill()

	// ping
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return nil
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[r]ping %s<-\n", self.scope)
				continue
			}
			event := &StreamEvent{}
			if err := json.Unmarshal(message, event); err != nil {
				glog.Infof("[r]bad event = %s\n", err)
				continue
			}
			self.handleEvent(event)
		default:
		}
	}
}

func (self *ReconciliationStream) handleEvent(event *StreamEvent) {
	if event.Cursor != "" {
		self.setCursor(event.Cursor)
	}

	localVersion := self.cache.Version(event.ResourceKey)
	if event.Version <= localVersion {
		// stale or duplicate
		glog.V(2).Infof("[r]stale %s v%d <= v%d\n", event.ResourceKey, event.Version, localVersion)
		return
	}

	suppress := self.suppressor.ShouldSuppress(event.ResourceKey, event.Fingerprint)

	// the cache absorbs the version even when suppressed,
	// so the cache stays correct while the ui stays quiet
	self.applyToCache(event)

	if suppress {
		return
	}

	self.emit(&ChangeEvent{
		ResourceKey: event.ResourceKey,
		ChangeType:  event.ChangeType,
		Version:     event.Version,
		Record:      event.Record,
	})
}

func (self *ReconciliationStream) applyToCache(event *StreamEvent) {
	if event.Record != nil {
		self.cache.Apply(event.Record)
	} else if event.ChangeType == ChangeTypeDelete {
		self.cache.Remove(event.ResourceKey)
	}
}

// full current scope state replaces any locally cached version below the
// server's. Keys with pending local mutations are skipped.
func (self *ReconciliationStream) backfill() {
	backfillCtx, backfillCancel := context.WithTimeout(self.ctx, self.settings.BackfillTimeout)
	defer backfillCancel()

	records, err := self.store.ReadScope(backfillCtx, self.scope)
	if err != nil {
		glog.Infof("[r]backfill error = %s\n", err)
		return
	}
	for _, record := range records {
		if self.hasPending != nil && self.hasPending(record.Key) {
			continue
		}
		if self.cache.Apply(record) {
			self.emit(&ChangeEvent{
				ResourceKey: record.Key,
				ChangeType:  ChangeTypeUpdate,
				Version:     record.Version,
				Record:      record,
			})
		}
	}
	glog.V(2).Infof("[r]backfill %s n=%d\n", self.scope, len(records))
}

func (self *ReconciliationStream) emit(event *ChangeEvent) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleCallback(func() {
			changeCallback(event)
		})
	}
}

func (self *ReconciliationStream) setOnline(online bool) {
	for _, connectivityCallback := range self.connectivityCallbacks.Get() {
		HandleCallback(func() {
			connectivityCallback(online)
		})
	}
}

func (self *ReconciliationStream) getCursor() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.cursor
}

func (self *ReconciliationStream) setCursor(cursor string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.cursor = cursor
}
