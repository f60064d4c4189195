package tripsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func fastQueueSettings() *MutationQueueSettings {
	settings := DefaultMutationQueueSettings()
	settings.BackoffBase = 1 * time.Millisecond
	settings.BackoffMax = 4 * time.Millisecond
	settings.SequenceIdleTimeout = 100 * time.Millisecond
	return settings
}

func newTestQueue(ctx context.Context, store Store, storage QueueStorage, settings *MutationQueueSettings) (*MutationQueue, chan *MutationOutcome) {
	clientId := NewId()
	suppressor := NewEchoSuppressorWithDefaults(clientId)
	resolver := NewConflictResolverWithDefaults(suppressor)
	queue := NewMutationQueue(
		ctx,
		clientId,
		store,
		storage,
		resolver,
		suppressor,
		DefaultResourceTypeSettings(),
		settings,
	)
	outcomes := make(chan *MutationOutcome, 64)
	queue.AddOutcomeCallback(func(outcome *MutationOutcome) {
		outcomes <- outcome
	})
	return queue, outcomes
}

func awaitOutcome(t *testing.T, outcomes chan *MutationOutcome) *MutationOutcome {
	select {
	case outcome := <-outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for outcome")
		return nil
	}
}

func TestQueueApplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	mutation := &Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpCreate,
		Payload:      map[string]any{"title": "pack tents"},
		CreatedAt:    time.Now(),
	}
	assert.Equal(t, nil, queue.Enqueue(mutation))

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, mutation.MutationId, outcome.MutationId)
	assert.Equal(t, "trip/a/task/1", outcome.ResourceKey)
	assert.Equal(t, MutationStatusApplied, outcome.Status)
	assert.Equal(t, int64(1), outcome.Version)

	record, err := store.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "pack tents", record.Fields["title"])
	assert.Equal(t, 0, queue.PendingCount())
}

func TestQueuePerKeyOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	settings := fastQueueSettings()
	// toggles never coalesce, so each enqueue stays a distinct send
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), settings)
	defer queue.Close()

	queue.SetOnline(false)

	n := 5
	ids := make([]Id, n)
	for i := 0; i < n; i += 1 {
		ids[i] = NewId()
		err := queue.Enqueue(&Mutation{
			MutationId:   ids[i],
			ResourceType: ResourceTypeReadMark,
			ResourceKey:  "trip/a/read_mark/1/u1",
			Op:           MutationOpToggle,
			Payload:      map[string]any{"seq": i},
			BaseVersion:  int64(i),
			CreatedAt:    time.Now(),
		})
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, n, queue.PendingCount())
	assert.Equal(t, true, queue.HasPending("trip/a/read_mark/1/u1"))

	queue.SetOnline(true)

	// strict fifo per key: outcome i lands at version i+1
	for i := 0; i < n; i += 1 {
		outcome := awaitOutcome(t, outcomes)
		assert.Equal(t, ids[i], outcome.MutationId)
		assert.Equal(t, MutationStatusApplied, outcome.Status)
		assert.Equal(t, int64(i+1), outcome.Version)
	}
	assert.Equal(t, false, queue.HasPending("trip/a/read_mark/1/u1"))
}

func TestQueueCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	storage := NewMemoryQueueStorage()
	queue, outcomes := newTestQueue(ctx, store, storage, fastQueueSettings())
	defer queue.Close()

	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, NewId())
	assert.Equal(t, nil, err)

	queue.SetOnline(false)

	first := NewId()
	second := NewId()
	err = queue.Enqueue(&Mutation{
		MutationId:   first,
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"title": "pack tents", "done": false},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)
	err = queue.Enqueue(&Mutation{
		MutationId:   second,
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"done": true},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	// the two updates merged into one pending send
	assert.Equal(t, 1, queue.PendingCount())
	stored, err := storage.LoadAll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(stored))

	queue.SetOnline(true)

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, first, outcome.MutationId)
	assert.Equal(t, []Id{second}, outcome.CoalescedIds)
	assert.Equal(t, MutationStatusApplied, outcome.Status)

	record, err := store.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "pack tents", record.Fields["title"])
	assert.Equal(t, true, record.Fields["done"])
	assert.Equal(t, int64(2), record.Version)
}

func TestQueueCancelPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	storage := NewMemoryQueueStorage()
	queue, outcomes := newTestQueue(ctx, store, storage, fastQueueSettings())
	defer queue.Close()

	queue.SetOnline(false)

	mutationId := NewId()
	err := queue.Enqueue(&Mutation{
		MutationId:   mutationId,
		ResourceType: ResourceTypePin,
		ResourceKey:  "trip/a/pin/1",
		Op:           MutationOpDelete,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, queue.CancelPending(mutationId))
	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, mutationId, outcome.MutationId)
	assert.Equal(t, MutationStatusCancelled, outcome.Status)
	assert.Equal(t, 0, queue.PendingCount())

	stored, err := storage.LoadAll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(stored))

	// cancelling twice is an error
	assert.Equal(t, ErrMutationNotPending, queue.CancelPending(mutationId))
}

// store wrapper that fails sends with a network error until armed otherwise
type flakyStore struct {
	*MemoryStore

	mutex sync.Mutex
	// when positive, fail this many sends then recover
	failRemaining int
	failing       bool
	failures      int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: NewMemoryStore(),
		failing:     true,
	}
}

func (self *flakyStore) setFailing(failing bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failing = failing
}

func (self *flakyStore) setFailNext(failRemaining int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failRemaining = failRemaining
}

func (self *flakyStore) fail() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if 0 < self.failRemaining {
		self.failRemaining -= 1
		self.failures += 1
		return true
	}
	if self.failing {
		self.failures += 1
		return true
	}
	return false
}

func (self *flakyStore) CasUpdate(ctx context.Context, resourceKey string, baseVersion int64, patch map[string]any, by Id) (*CasResult, error) {
	if self.fail() {
		return nil, ErrNetwork
	}
	return self.MemoryStore.CasUpdate(ctx, resourceKey, baseVersion, patch, by)
}

func (self *flakyStore) CasDelete(ctx context.Context, resourceKey string, baseVersion int64, tombstone bool, by Id) (*CasResult, error) {
	if self.fail() {
		return nil, ErrNetwork
	}
	return self.MemoryStore.CasDelete(ctx, resourceKey, baseVersion, tombstone, by)
}

func TestQueueFailedAndRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFlakyStore()
	settings := fastQueueSettings()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), settings)
	defer queue.Close()

	mutationId := NewId()
	err := queue.Enqueue(&Mutation{
		MutationId:   mutationId,
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpCreate,
		Payload:      map[string]any{"title": "pack tents"},
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	// all attempts burn on network errors, then the mutation parks as failed
	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, mutationId, outcome.MutationId)
	assert.Equal(t, MutationStatusFailed, outcome.Status)
	assert.Equal(t, true, IsNetworkError(outcome.Err))
	assert.NotEqual(t, "", outcome.Message)
	assert.Equal(t, settings.MaxSendAttempts, store.failures)
	assert.Equal(t, 1, queue.FailedCount())
	assert.Equal(t, 0, queue.PendingCount())

	// failed mutations do not auto retry
	assert.Equal(t, ErrMutationNotFailed, queue.RetryFailed(NewId()))

	store.setFailing(false)
	assert.Equal(t, nil, queue.RetryFailed(mutationId))

	outcome = awaitOutcome(t, outcomes)
	assert.Equal(t, mutationId, outcome.MutationId)
	assert.Equal(t, MutationStatusApplied, outcome.Status)
	assert.Equal(t, 0, queue.FailedCount())
}

func TestQueueConflictRebase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	// another member moved the record to v2 while this client saw v1
	_, err := store.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, NewId())
	assert.Equal(t, nil, err)
	_, err = store.CasUpdate(ctx, "trip/a/task/1", 1, map[string]any{"assignee": "sam"}, NewId())
	assert.Equal(t, nil, err)

	// single owner rebases once and resends
	err = queue.Enqueue(&Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"done": true},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, MutationStatusApplied, outcome.Status)
	assert.Equal(t, int64(3), outcome.Version)

	record, err := store.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	// the rebase preserved the other member's change
	assert.Equal(t, "sam", record.Fields["assignee"])
	assert.Equal(t, true, record.Fields["done"])
}

func TestQueueConflictRebaseAfterTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFlakyStore()
	store.setFailing(false)
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	// another member moved the record to v2 while this client saw v1
	_, err := store.MemoryStore.CasUpdate(ctx, "trip/a/task/1", 0, map[string]any{"title": "pack tents"}, NewId())
	assert.Equal(t, nil, err)
	_, err = store.MemoryStore.CasUpdate(ctx, "trip/a/task/1", 1, map[string]any{"assignee": "sam"}, NewId())
	assert.Equal(t, nil, err)

	// the first send fails transiently. The burned network retry must not
	// consume the rebase budget when the resend then hits a cas mismatch.
	store.setFailNext(1)

	err = queue.Enqueue(&Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"done": true},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, MutationStatusApplied, outcome.Status)
	assert.Equal(t, int64(3), outcome.Version)

	record, err := store.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "sam", record.Fields["assignee"])
	assert.Equal(t, true, record.Fields["done"])
}

func TestQueueCoalesceOpensEchoWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := NewId()
	suppressor := NewEchoSuppressorWithDefaults(clientId)
	resolver := NewConflictResolverWithDefaults(suppressor)
	store := NewMemoryStore()
	queue := NewMutationQueue(
		ctx,
		clientId,
		store,
		NewMemoryQueueStorage(),
		resolver,
		suppressor,
		DefaultResourceTypeSettings(),
		fastQueueSettings(),
	)
	defer queue.Close()

	queue.SetOnline(false)

	// each mutation opens its own echo window as the caller applies it
	first := &Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"title": "pack tents"},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	}
	second := &Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"done": true},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	}
	suppressor.MarkLocalUpdate(first.ResourceKey, first.Fingerprint())
	assert.Equal(t, nil, queue.Enqueue(first))
	suppressor.MarkLocalUpdate(second.ResourceKey, second.Fingerprint())
	assert.Equal(t, nil, queue.Enqueue(second))

	// the coalesced send is fingerprinted over the merged payload, so its
	// server echo matches neither original window. Coalescing must open a
	// window for the merged fingerprint or the writer re-notifies itself.
	mergedFingerprint := ComputeFingerprint(map[string]any{
		"title": "pack tents",
		"done":  true,
	})
	assert.Equal(t, true, suppressor.ShouldSuppress("trip/a/task/1", mergedFingerprint))
}

func TestQueueConflictSurfaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	_, err := store.CasUpdate(ctx, "trip/a/pin/1", 0, map[string]any{"lat": 1.0}, NewId())
	assert.Equal(t, nil, err)
	_, err = store.CasUpdate(ctx, "trip/a/pin/1", 1, map[string]any{"lat": 2.0}, NewId())
	assert.Equal(t, nil, err)

	// shared lww conflict with another member's write surfaces both versions
	err = queue.Enqueue(&Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypePin,
		ResourceKey:  "trip/a/pin/1",
		Op:           MutationOpUpdate,
		Payload:      map[string]any{"lat": 3.0},
		BaseVersion:  1,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, MutationStatusSurfacedToUser, outcome.Status)
	conflictErr, ok := IsConflictError(outcome.Err)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(1), conflictErr.BaseVersion)
	assert.Equal(t, int64(2), conflictErr.ServerVersion)
	assert.Equal(t, 2.0, conflictErr.ServerRecord.Fields["lat"])

	// the local mutation was not applied
	record, err := store.Read(ctx, "trip/a/pin/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2.0, record.Fields["lat"])
}

func TestQueueDeleteMissingDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	err := queue.Enqueue(&Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypePin,
		ResourceKey:  "trip/a/pin/missing",
		Op:           MutationOpDelete,
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)

	// delete of a record that no longer exists drops cleanly
	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, MutationStatusDropped, outcome.Status)
	assert.Equal(t, 0, queue.PendingCount())
}

func TestQueueRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	storage := NewMemoryQueueStorage()

	// first queue goes down with pending work
	queue, _ := newTestQueue(ctx, store, storage, fastQueueSettings())
	queue.SetOnline(false)
	err := queue.Enqueue(&Mutation{
		MutationId:   NewId(),
		ResourceType: ResourceTypeTask,
		ResourceKey:  "trip/a/task/1",
		Op:           MutationOpCreate,
		Payload:      map[string]any{"title": "pack tents"},
		CreatedAt:    time.Now(),
	})
	assert.Equal(t, nil, err)
	queue.Close()

	// a new queue over the same storage replays and drains it
	queue2, outcomes := newTestQueue(ctx, store, storage, fastQueueSettings())
	defer queue2.Close()

	outcome := awaitOutcome(t, outcomes)
	assert.Equal(t, MutationStatusApplied, outcome.Status)

	record, err := store.Read(ctx, "trip/a/task/1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "pack tents", record.Fields["title"])

	stored, err := storage.LoadAll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(stored))
}

func TestQueueParallelKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue, outcomes := newTestQueue(ctx, store, NewMemoryQueueStorage(), fastQueueSettings())
	defer queue.Close()

	n := 12
	for i := 0; i < n; i += 1 {
		err := queue.Enqueue(&Mutation{
			MutationId:   NewId(),
			ResourceType: ResourceTypeTask,
			ResourceKey:  "trip/a/task/" + NewId().String(),
			Op:           MutationOpCreate,
			Payload:      map[string]any{"title": "t"},
			CreatedAt:    time.Now(),
		})
		assert.Equal(t, nil, err)
	}

	for i := 0; i < n; i += 1 {
		outcome := awaitOutcome(t, outcomes)
		assert.Equal(t, MutationStatusApplied, outcome.Status)
	}
	assert.Equal(t, 0, queue.PendingCount())
}
