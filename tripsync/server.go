package tripsync

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/golang/glog"

	"github.com/google/uuid"

	"github.com/gorilla/websocket"
)

// http rpc surface and websocket push hub over a memory store.
// this is the reference implementation of the external store collaborator,
// served by tripsyncd and by integration tests.

type StoreServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultStoreServerSettings() *StoreServerSettings {
	return &StoreServerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingTimeout:  1 * time.Second,
	}
}

type StoreServer struct {
	store *MemoryStore

	settings *StoreServerSettings

	upgrader *websocket.Upgrader
	router   chi.Router
}

func NewStoreServerWithDefaults(store *MemoryStore) *StoreServer {
	return NewStoreServer(store, DefaultStoreServerSettings())
}

func NewStoreServer(store *MemoryStore, settings *StoreServerSettings) *StoreServer {
	server := &StoreServer{
		store:    store,
		settings: settings,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := chi.NewRouter()
	router.Get("/record", server.readRecord)
	router.Get("/scope", server.readScope)
	router.Post("/record/cas-update", server.casUpdate)
	router.Post("/capacity/claim", server.claim)
	router.Post("/capacity/release", server.release)
	router.Get("/events", server.events)
	server.router = router

	return server
}

func (self *StoreServer) Router() chi.Router {
	return self.router
}

func (self *StoreServer) readRecord(w http.ResponseWriter, r *http.Request) {
	resourceKey := r.URL.Query().Get("key")
	record, err := self.store.Read(r.Context(), resourceKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJson(w, &ReadRecordResult{Record: record})
}

func (self *StoreServer) readScope(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	records, err := self.store.ReadScope(r.Context(), scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, &ReadScopeResult{Records: records})
}

func (self *StoreServer) casUpdate(w http.ResponseWriter, r *http.Request) {
	args := &CasUpdateArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result *CasResult
	var err error
	if args.Delete {
		result, err = self.store.CasDelete(r.Context(), args.ResourceKey, args.BaseVersion, args.Tombstone, args.UpdatedBy)
	} else {
		result, err = self.store.CasUpdate(r.Context(), args.ResourceKey, args.BaseVersion, args.Patch, args.UpdatedBy)
	}
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrRecordNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJson(w, result)
}

func (self *StoreServer) claim(w http.ResponseWriter, r *http.Request) {
	args := &ClaimArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := self.store.Claim(r.Context(), args.ResourceKey, args.ClaimantId)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrRecordNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJson(w, result)
}

func (self *StoreServer) release(w http.ResponseWriter, r *http.Request) {
	args := &ClaimArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := self.store.Release(r.Context(), args.ResourceKey, args.ClaimantId); err != nil {
		status := http.StatusBadRequest
		if err == ErrRecordNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJson(w, &ReleaseResult{Released: true})
}

// push feed. Supports resume from cursor, responding 410 when the
// cursor is no longer available so the client falls back to full resync.
func (self *StoreServer) events(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	cursor := r.URL.Query().Get("cursor")

	events, unsub, err := self.store.Subscribe(scope, cursor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsub()
		return
	}

	connId := uuid.New().String()
	glog.V(2).Infof("[s]subscribe %s %s\n", scope, connId)

	defer func() {
		unsub()
		ws.Close()
		glog.V(2).Infof("[s]unsubscribe %s %s\n", scope, connId)
	}()

	done := make(chan struct{})

	// drain reads so pings and closes are observed
	go func() {
		defer close(done)
		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			eventBytes, err := json.Marshal(event)
			if err != nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
				glog.V(2).Infof("[s]%s-> error = %s\n", connId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func writeJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
