package tripsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the facade wiring the cache, queue, resolver, suppressor, stream and
// allocator together. Apply never blocks the caller on network io: it
// applies the optimistic local update, enqueues, and returns a handle
// that resolves when the mutation reaches a terminal state.

type SyncOrchestratorSettings struct {
	QueueSettings     *MutationQueueSettings
	EchoSettings      *EchoSuppressorSettings
	ResolverSettings  *ConflictResolverSettings
	StreamSettings    *ReconciliationStreamSettings
	AllocatorSettings *CapacityAllocatorSettings
	ResourceTypes     map[ResourceType]*ResourceTypeSettings
}

func DefaultSyncOrchestratorSettings() *SyncOrchestratorSettings {
	return &SyncOrchestratorSettings{
		QueueSettings:     DefaultMutationQueueSettings(),
		EchoSettings:      DefaultEchoSuppressorSettings(),
		ResolverSettings:  DefaultConflictResolverSettings(),
		StreamSettings:    DefaultReconciliationStreamSettings(),
		AllocatorSettings: DefaultCapacityAllocatorSettings(),
		ResourceTypes:     DefaultResourceTypeSettings(),
	}
}

// resolves once the mutation reaches a terminal state
type MutationHandle struct {
	MutationId Id

	done chan struct{}

	mutex   sync.Mutex
	outcome *MutationOutcome
}

func newMutationHandle(mutationId Id) *MutationHandle {
	return &MutationHandle{
		MutationId: mutationId,
		done:       make(chan struct{}),
	}
}

func (self *MutationHandle) Done() <-chan struct{} {
	return self.done
}

// nil until done
func (self *MutationHandle) Outcome() *MutationOutcome {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.outcome
}

func (self *MutationHandle) Await(ctx context.Context) (*MutationOutcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.done:
		return self.Outcome(), nil
	}
}

func (self *MutationHandle) resolve(outcome *MutationOutcome) {
	self.mutex.Lock()
	if self.outcome != nil {
		self.mutex.Unlock()
		return
	}
	self.outcome = outcome
	self.mutex.Unlock()
	close(self.done)
}

type PendingFunction func(pendingCount int)

type SyncOrchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	userId   Id
	scope    string

	store      Store
	cache      *RecordCache
	suppressor *EchoSuppressor
	resolver   *ConflictResolver
	queue      *MutationQueue
	stream     *ReconciliationStream
	allocator  *CapacityAllocator

	settings *SyncOrchestratorSettings

	mutex   sync.Mutex
	handles map[Id]*MutationHandle

	pendingCallbacks *CallbackList[PendingFunction]

	queueUnsub        func()
	connectivityUnsub func()
}

// connects to a tripsyncd over http and websocket
func NewSyncOrchestrator(
	ctx context.Context,
	auth *ClientAuth,
	scope string,
	apiUrl string,
	streamUrl string,
	storage QueueStorage,
	settings *SyncOrchestratorSettings,
) (*SyncOrchestrator, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := NewApiStore(cancelCtx, apiUrl, auth)
	orchestrator, err := newSyncOrchestrator(cancelCtx, cancel, auth, scope, store, storage, settings)
	if err != nil {
		cancel()
		return nil, err
	}
	orchestrator.stream = NewReconciliationStream(
		cancelCtx,
		scope,
		streamUrl,
		auth,
		store,
		orchestrator.cache,
		orchestrator.suppressor,
		orchestrator.queue.HasPending,
		settings.StreamSettings,
	)
	orchestrator.wireStream()
	return orchestrator, nil
}

// runs against an in process memory store. Used by tests and tripsyncd itself.
func NewLocalSyncOrchestrator(
	ctx context.Context,
	auth *ClientAuth,
	scope string,
	localStore *MemoryStore,
	storage QueueStorage,
	settings *SyncOrchestratorSettings,
) (*SyncOrchestrator, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	orchestrator, err := newSyncOrchestrator(cancelCtx, cancel, auth, scope, localStore, storage, settings)
	if err != nil {
		cancel()
		return nil, err
	}
	orchestrator.stream = NewLocalReconciliationStream(
		cancelCtx,
		scope,
		localStore,
		orchestrator.cache,
		orchestrator.suppressor,
		orchestrator.queue.HasPending,
		settings.StreamSettings,
	)
	orchestrator.wireStream()
	return orchestrator, nil
}

func newSyncOrchestrator(
	ctx context.Context,
	cancel context.CancelFunc,
	auth *ClientAuth,
	scope string,
	store Store,
	storage QueueStorage,
	settings *SyncOrchestratorSettings,
) (*SyncOrchestrator, error) {
	clientId, err := auth.ClientId()
	if err != nil {
		return nil, err
	}
	userId, err := auth.UserId()
	if err != nil {
		return nil, err
	}

	cache := NewRecordCache()
	suppressor := NewEchoSuppressor(clientId, settings.EchoSettings)
	resolver := NewConflictResolver(suppressor, settings.ResourceTypes, settings.ResolverSettings)
	queue := NewMutationQueue(
		ctx,
		clientId,
		store,
		storage,
		resolver,
		suppressor,
		settings.ResourceTypes,
		settings.QueueSettings,
	)
	allocator := NewCapacityAllocator(ctx, store, settings.AllocatorSettings)

	orchestrator := &SyncOrchestrator{
		ctx:              ctx,
		cancel:           cancel,
		clientId:         clientId,
		userId:           userId,
		scope:            scope,
		store:            store,
		cache:            cache,
		suppressor:       suppressor,
		resolver:         resolver,
		queue:            queue,
		allocator:        allocator,
		settings:         settings,
		handles:          map[Id]*MutationHandle{},
		pendingCallbacks: NewCallbackList[PendingFunction](),
	}
	orchestrator.queueUnsub = queue.AddOutcomeCallback(orchestrator.handleOutcome)
	return orchestrator, nil
}

func (self *SyncOrchestrator) wireStream() {
	self.connectivityUnsub = self.stream.AddConnectivityCallback(func(online bool) {
		self.queue.SetOnline(online)
	})
}

func (self *SyncOrchestrator) ClientId() Id {
	return self.clientId
}

func (self *SyncOrchestrator) UserId() Id {
	return self.userId
}

// validates, opens the echo window, applies the optimistic local update,
// enqueues, and returns immediately
func (self *SyncOrchestrator) Apply(mutation *Mutation) (*MutationHandle, error) {
	mutation = mutation.Copy()
	if mutation.MutationId.IsZero() {
		mutation.MutationId = NewId()
	}
	if mutation.CreatedAt.IsZero() {
		mutation.CreatedAt = time.Now()
	}
	mutation.Status = MutationStatusCreated

	if err := mutation.Validate(); err != nil {
		// validation errors always surface immediately, no retry
		return nil, err
	}

	if mutation.BaseVersion == 0 {
		mutation.BaseVersion = self.cache.Version(mutation.ResourceKey)
	}

	fingerprint := mutation.Fingerprint()
	if mutation.Op == MutationOpDelete {
		fingerprint = deleteFingerprint
	}
	self.suppressor.MarkLocalUpdate(mutation.ResourceKey, fingerprint)

	if mutation.Op != MutationOpDelete {
		self.cache.ApplyOptimistic(mutation.ResourceKey, mutation.Payload, self.clientId)
	}

	handle := newMutationHandle(mutation.MutationId)
	self.mutex.Lock()
	self.handles[mutation.MutationId] = handle
	self.mutex.Unlock()

	if err := self.queue.Enqueue(mutation); err != nil {
		self.mutex.Lock()
		delete(self.handles, mutation.MutationId)
		self.mutex.Unlock()
		return nil, err
	}

	self.notifyPending()
	glog.V(2).Infof("[o]apply %s %s\n", mutation.ResourceKey, mutation.MutationId)
	return handle, nil
}

// OutcomeFunction
func (self *SyncOrchestrator) handleOutcome(outcome *MutationOutcome) {
	// absorb the server side result into the cache. For applied outcomes
	// this confirms the optimistic update at the new version. For surfaced
	// conflicts the server record is the newer truth either way.
	if outcome.Record != nil {
		switch outcome.Status {
		case MutationStatusSurfacedToUser, MutationStatusDropped:
			// the local mutation lost. Roll the optimistic overlay back
			// to the server's record.
			self.cache.Replace(outcome.Record)
		default:
			self.cache.Apply(outcome.Record)
		}
	} else if outcome.Status == MutationStatusApplied && outcome.ResourceKey != "" {
		// an applied outcome with no record is a hard delete.
		// the record no longer exists server side.
		self.cache.Remove(outcome.ResourceKey)
	}

	mutationIds := append([]Id{outcome.MutationId}, outcome.CoalescedIds...)
	self.mutex.Lock()
	handles := []*MutationHandle{}
	for _, mutationId := range mutationIds {
		if handle, ok := self.handles[mutationId]; ok {
			handles = append(handles, handle)
			delete(self.handles, mutationId)
		}
	}
	self.mutex.Unlock()

	for _, handle := range handles {
		handle.resolve(outcome)
	}
	self.notifyPending()
}

// wires post suppression reconciliation events to the callback.
// scope narrows within the stream scope, "" receives everything.
func (self *SyncOrchestrator) Subscribe(scope string, changeCallback ChangeFunction) func() {
	return self.stream.AddChangeCallback(func(event *ChangeEvent) {
		if ScopeContains(scope, event.ResourceKey) {
			changeCallback(event)
		}
	})
}

func (self *SyncOrchestrator) AddPendingCallback(pendingCallback PendingFunction) func() {
	callbackId := self.pendingCallbacks.Add(pendingCallback)
	return func() {
		self.pendingCallbacks.Remove(callbackId)
	}
}

func (self *SyncOrchestrator) notifyPending() {
	pendingCount := self.queue.PendingCount()
	for _, pendingCallback := range self.pendingCallbacks.Get() {
		HandleCallback(func() {
			pendingCallback(pendingCount)
		})
	}
}

func (self *SyncOrchestrator) PendingCount() int {
	return self.queue.PendingCount()
}

func (self *SyncOrchestrator) RetryFailed(mutationId Id) error {
	self.mutex.Lock()
	_, ok := self.handles[mutationId]
	self.mutex.Unlock()
	if !ok {
		// the previous handle already resolved. Register a fresh one
		// so the retried attempt can be awaited.
		self.mutex.Lock()
		self.handles[mutationId] = newMutationHandle(mutationId)
		self.mutex.Unlock()
	}
	return self.queue.RetryFailed(mutationId)
}

func (self *SyncOrchestrator) CancelPending(mutationId Id) error {
	return self.queue.CancelPending(mutationId)
}

// handle for a mutation that has not resolved yet
func (self *SyncOrchestrator) Handle(mutationId Id) (*MutationHandle, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	handle, ok := self.handles[mutationId]
	return handle, ok
}

func (self *SyncOrchestrator) Get(resourceKey string) (*VersionedRecord, bool) {
	return self.cache.Get(resourceKey)
}

func (self *SyncOrchestrator) Claim(ctx context.Context, resourceKey string, claimantId Id) (*ClaimResult, error) {
	return self.allocator.Claim(ctx, resourceKey, claimantId)
}

func (self *SyncOrchestrator) Release(ctx context.Context, resourceKey string, claimantId Id) error {
	return self.allocator.Release(ctx, resourceKey, claimantId)
}

func (self *SyncOrchestrator) Close() {
	self.queueUnsub()
	if self.connectivityUnsub != nil {
		self.connectivityUnsub()
	}
	self.stream.Close()
	self.queue.Close()
	self.cancel()
}
