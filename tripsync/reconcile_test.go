package tripsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastStreamSettings() *ReconciliationStreamSettings {
	settings := DefaultReconciliationStreamSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.PingTimeout = 50 * time.Millisecond
	return settings
}

func awaitChange(t *testing.T, events chan *ChangeEvent) *ChangeEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for change event")
		return nil
	}
}

func assertNoChange(t *testing.T, events chan *ChangeEvent) {
	select {
	case event := <-events:
		t.Fatalf("unexpected change event %s v%d", event.ResourceKey, event.Version)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(NewId())

	stream := NewLocalReconciliationStream(ctx, "trip/a", store, cache, suppressor, nil, fastStreamSettings())
	defer stream.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	by := NewId()
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, by)
	assert.Equal(t, nil, err)

	event := awaitChange(t, events)
	assert.Equal(t, "trip/a/task/1", event.ResourceKey)
	assert.Equal(t, ChangeTypeCreate, event.ChangeType)
	assert.Equal(t, int64(1), event.Version)
	assert.Equal(t, int64(1), cache.Version("trip/a/task/1"))

	// out of scope changes never arrive
	_, err = store.CasUpdate(ctx, "trip/b/task/1", 0, map[string]any{"title": "x"}, by)
	assert.Equal(t, nil, err)
	assertNoChange(t, events)
}

func TestStreamStaleDiscard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(NewId())

	// the cache already absorbed a newer version for this key
	cache.Apply(&VersionedRecord{
		Key:     "trip/a/task/1",
		Version: 5,
		Fields:  map[string]any{"title": "pack tents"},
	})

	stream := NewLocalReconciliationStream(ctx, "trip/a", store, cache, suppressor, nil, fastStreamSettings())
	defer stream.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	// the store event lands at v1, below the cached v5
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "stale"}, NewId())
	assert.Equal(t, nil, err)
	assertNoChange(t, events)

	record, ok := cache.Get("trip/a/task/1")
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(5), record.Version)
	assert.Equal(t, "pack tents", record.Fields["title"])
}

func TestStreamSuppression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := NewId()
	store := NewMemoryStore()
	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(clientId)

	stream := NewLocalReconciliationStream(ctx, "trip/a", store, cache, suppressor, nil, fastStreamSettings())
	defer stream.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	// a local update opens the echo window, then its server echo arrives
	patch := map[string]any{"done": true}
	suppressor.MarkLocalUpdate("trip/a/task/1", ComputeFingerprint(patch))
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, patch, clientId)
	assert.Equal(t, nil, err)

	// the echo produces no change event, but the version is absorbed
	assertNoChange(t, events)
	assert.Equal(t, int64(1), cache.Version("trip/a/task/1"))

	// an identical looking change from another member is not suppressed
	_, err = store.CasUpdate(ctx, "trip/a/task/1", 1, patch, NewId())
	assert.Equal(t, nil, err)
	event := awaitChange(t, events)
	assert.Equal(t, int64(2), event.Version)
}

func TestStreamBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	by := NewId()
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, by)
	assert.Equal(t, nil, err)
	_, err = store.CasUpdate(ctx, "trip/a/task/2", 0, map[string]any{"title": "book ferry"}, by)
	assert.Equal(t, nil, err)

	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(NewId())

	// a key with pending local mutations is left to the queue and resolver
	hasPending := func(resourceKey string) bool {
		return resourceKey == "trip/a/task/2"
	}

	events := make(chan *ChangeEvent, 16)
	stream := NewLocalReconciliationStream(ctx, "trip/a", store, cache, suppressor, hasPending, fastStreamSettings())
	defer stream.Close()
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	// backfill runs at connect. Only the unskipped key surfaces.
	event := awaitChange(t, events)
	assert.Equal(t, "trip/a/task/1", event.ResourceKey)
	assert.Equal(t, int64(1), cache.Version("trip/a/task/1"))
	assertNoChange(t, events)
	assert.Equal(t, int64(0), cache.Version("trip/a/task/2"))
}

func TestStreamWs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	server := NewStoreServerWithDefaults(store)
	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	apiUrl := httpServer.URL
	streamUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/events"

	auth := makeTestAuth(t, NewId(), NewId())
	apiStore := NewApiStore(ctx, apiUrl, auth)
	defer apiStore.Close()

	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(NewId())

	stream := NewReconciliationStream(
		ctx,
		"trip/a",
		streamUrl,
		auth,
		apiStore,
		cache,
		suppressor,
		nil,
		fastStreamSettings(),
	)
	defer stream.Close()

	events := make(chan *ChangeEvent, 16)
	online := make(chan bool, 16)
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()
	connectivityUnsub := stream.AddConnectivityCallback(func(isOnline bool) {
		online <- isOnline
	})
	defer connectivityUnsub()

	select {
	case isOnline := <-online:
		assert.Equal(t, true, isOnline)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect")
	}

	// a server side write arrives over the websocket
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, NewId())
	assert.Equal(t, nil, err)

	event := awaitChange(t, events)
	assert.Equal(t, "trip/a/task/1", event.ResourceKey)
	assert.Equal(t, int64(1), event.Version)
	assert.Equal(t, "pack tents", event.Record.Fields["title"])

	// reads go over the http rpc surface
	record, err := apiStore.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), record.Version)
}

func TestStreamWsReconnectBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	server := NewStoreServerWithDefaults(store)
	httpServer := httptest.NewServer(server.Router())

	apiUrl := httpServer.URL
	streamUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/events"

	auth := makeTestAuth(t, NewId(), NewId())
	apiStore := NewApiStore(ctx, apiUrl, auth)
	defer apiStore.Close()

	cache := NewRecordCache()
	suppressor := NewEchoSuppressorWithDefaults(NewId())

	stream := NewReconciliationStream(
		ctx,
		"trip/a",
		streamUrl,
		auth,
		apiStore,
		cache,
		suppressor,
		nil,
		fastStreamSettings(),
	)
	defer stream.Close()

	events := make(chan *ChangeEvent, 16)
	unsub := stream.AddChangeCallback(func(event *ChangeEvent) {
		events <- event
	})
	defer unsub()

	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, NewId())
	assert.Equal(t, nil, err)
	event := awaitChange(t, events)
	assert.Equal(t, int64(1), event.Version)

	// sever the connection and write while disconnected
	httpServer.CloseClientConnections()
	_, err = store.CasUpdate(ctx, "trip/a/task/1", 1, map[string]any{"done": true}, NewId())
	assert.Equal(t, nil, err)

	// on reconnect the missed change surfaces, by cursor replay or backfill
	event = awaitChange(t, events)
	assert.Equal(t, "trip/a/task/1", event.ResourceKey)
	assert.Equal(t, int64(2), event.Version)
	assert.Equal(t, int64(2), cache.Version("trip/a/task/1"))

	httpServer.Close()
}
