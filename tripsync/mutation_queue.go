package tripsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// durable, per key ordered queue of pending local mutations.
//
// each resource key with pending work gets its own sequence goroutine,
// so a mutation never races an earlier mutation on the same key. At most
// one send is in flight per key, and a semaphore bounds parallel sends
// across distinct keys. There is no ordering guarantee across keys.

type MutationQueueSettings struct {
	// exponential backoff for transient send failures
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// attempts before the mutation becomes failed and
	// requires an explicit caller triggered retry
	MaxSendAttempts int
	// per attempt timeout, treated as a network error
	SendTimeout time.Duration
	// bounded parallelism across distinct keys
	MaxParallelSends int

	SequenceBufferSize  int
	SequenceIdleTimeout time.Duration

	CoalesceUpdates bool
}

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		BackoffBase:         1 * time.Second,
		BackoffMax:          8 * time.Second,
		MaxSendAttempts:     3,
		SendTimeout:         10 * time.Second,
		MaxParallelSends:    4,
		SequenceBufferSize:  32,
		SequenceIdleTimeout: 60 * time.Second,
		CoalesceUpdates:     true,
	}
}

// terminal or user visible result of a mutation
type MutationOutcome struct {
	MutationId  Id
	ResourceKey string
	// ids of queued mutations that were coalesced into this one
	CoalescedIds []Id
	Status       MutationStatus
	Version      int64
	Record       *VersionedRecord
	Err          error
	Message      string
}

type OutcomeFunction func(outcome *MutationOutcome)

type mutationPack struct {
	mutation     *Mutation
	coalescedIds []Id
}

type MutationQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id

	store      Store
	storage    QueueStorage
	resolver   *ConflictResolver
	suppressor *EchoSuppressor

	resourceTypes map[ResourceType]*ResourceTypeSettings

	settings *MutationQueueSettings

	// semaphore for parallel sends across keys
	sendSlots chan struct{}

	onlineMonitor *Monitor

	mutex     sync.Mutex
	online    bool
	sequences map[string]*keySequence
	// failed mutations held for explicit retry
	failed map[Id]*Mutation

	outcomeCallbacks *CallbackList[OutcomeFunction]
}

func NewMutationQueueWithDefaults(
	ctx context.Context,
	clientId Id,
	store Store,
	storage QueueStorage,
	resolver *ConflictResolver,
	suppressor *EchoSuppressor,
) *MutationQueue {
	return NewMutationQueue(
		ctx,
		clientId,
		store,
		storage,
		resolver,
		suppressor,
		DefaultResourceTypeSettings(),
		DefaultMutationQueueSettings(),
	)
}

func NewMutationQueue(
	ctx context.Context,
	clientId Id,
	store Store,
	storage QueueStorage,
	resolver *ConflictResolver,
	suppressor *EchoSuppressor,
	resourceTypes map[ResourceType]*ResourceTypeSettings,
	settings *MutationQueueSettings,
) *MutationQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	queue := &MutationQueue{
		ctx:              cancelCtx,
		cancel:           cancel,
		clientId:         clientId,
		store:            store,
		storage:          storage,
		resolver:         resolver,
		suppressor:       suppressor,
		resourceTypes:    resourceTypes,
		settings:         settings,
		sendSlots:        make(chan struct{}, settings.MaxParallelSends),
		onlineMonitor:    NewMonitor(),
		online:           true,
		sequences:        map[string]*keySequence{},
		failed:           map[Id]*Mutation{},
		outcomeCallbacks: NewCallbackList[OutcomeFunction](),
	}
	queue.recover()
	return queue
}

// reloads mutations that survived a restart
func (self *MutationQueue) recover() {
	mutations, err := self.storage.LoadAll()
	if err != nil {
		glog.Infof("[q]recover error = %s\n", err)
		return
	}
	for _, mutation := range mutations {
		if mutation.Status == MutationStatusFailed {
			self.mutex.Lock()
			self.failed[mutation.MutationId] = mutation
			self.mutex.Unlock()
			continue
		}
		// anything non terminal goes back on the queue.
		// a send that was in flight at crash time simply resends;
		// the cas base version makes the resend safe.
		mutation.Status = MutationStatusQueued
		self.add(&mutationPack{mutation: mutation}, false)
	}
}

func (self *MutationQueue) AddOutcomeCallback(outcomeCallback OutcomeFunction) func() {
	callbackId := self.outcomeCallbacks.Add(outcomeCallback)
	return func() {
		self.outcomeCallbacks.Remove(callbackId)
	}
}

// persists durably and returns immediately.
// the mutation must already be validated.
func (self *MutationQueue) Enqueue(mutation *Mutation) error {
	select {
	case <-self.ctx.Done():
		return ErrQueueClosed
	default:
	}

	mutation = mutation.Copy()
	mutation.Status = MutationStatusQueued
	if err := self.storage.Save(mutation); err != nil {
		return err
	}
	self.add(&mutationPack{mutation: mutation}, true)
	glog.V(2).Infof("[q]enqueue %s %s\n", mutation.ResourceKey, mutation.MutationId)
	return nil
}

func (self *MutationQueue) add(pack *mutationPack, coalesce bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	initKeySequence := func() *keySequence {
		sequence, ok := self.sequences[pack.mutation.ResourceKey]
		if ok {
			return sequence
		}
		sequence = newKeySequence(self, pack.mutation.ResourceKey)
		self.sequences[pack.mutation.ResourceKey] = sequence
		go func() {
			sequence.run()

			self.mutex.Lock()
			defer self.mutex.Unlock()
			// clean up
			if sequence == self.sequences[pack.mutation.ResourceKey] {
				delete(self.sequences, pack.mutation.ResourceKey)
			}
		}()
		return sequence
	}

	if !initKeySequence().add(pack, coalesce && self.settings.CoalesceUpdates) {
		delete(self.sequences, pack.mutation.ResourceKey)
		initKeySequence().add(pack, coalesce && self.settings.CoalesceUpdates)
	}
}

// connectivity signal, driven by the reconciliation stream.
// while offline, sequences hold their pending mutations without
// burning send attempts. On reconnect the queue drains in order.
func (self *MutationQueue) SetOnline(online bool) {
	self.mutex.Lock()
	changed := self.online != online
	self.online = online
	self.mutex.Unlock()
	if changed {
		glog.Infof("[q]online = %t\n", online)
		self.onlineMonitor.NotifyAll()
	}
}

func (self *MutationQueue) IsOnline() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.online
}

// count of mutations that are queued or in flight.
// the caller shows an offline indicator whenever this is positive.
func (self *MutationQueue) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := 0
	for _, sequence := range self.sequences {
		count += sequence.pendingCount()
	}
	return count
}

// whether this client still has pending mutations against a key.
// the backfill leaves such keys to the queue and resolver.
func (self *MutationQueue) HasPending(resourceKey string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sequence, ok := self.sequences[resourceKey]; ok {
		return 0 < sequence.pendingCount()
	}
	return false
}

func (self *MutationQueue) FailedCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.failed)
}

// removes a mutation that has not been sent yet.
// an in flight send cannot be cancelled.
func (self *MutationQueue) CancelPending(mutationId Id) error {
	self.mutex.Lock()
	var cancelled *Mutation
	for _, sequence := range self.sequences {
		if mutation, ok := sequence.removePending(mutationId); ok {
			cancelled = mutation
			break
		}
	}
	self.mutex.Unlock()

	if cancelled == nil {
		return ErrMutationNotPending
	}
	self.storage.Remove(mutationId)
	cancelled.Status = MutationStatusCancelled
	self.notify(&MutationOutcome{
		MutationId:  mutationId,
		ResourceKey: cancelled.ResourceKey,
		Status:      MutationStatusCancelled,
	})
	return nil
}

// re-arms a failed mutation for another round of attempts
func (self *MutationQueue) RetryFailed(mutationId Id) error {
	self.mutex.Lock()
	mutation, ok := self.failed[mutationId]
	if ok {
		delete(self.failed, mutationId)
	}
	self.mutex.Unlock()

	if !ok {
		return ErrMutationNotFailed
	}
	mutation.Status = MutationStatusQueued
	mutation.RetryCount = 0
	mutation.RebaseCount = 0
	if err := self.storage.Save(mutation); err != nil {
		return err
	}
	self.add(&mutationPack{mutation: mutation}, true)
	return nil
}

func (self *MutationQueue) Close() {
	self.cancel()
	self.mutex.Lock()
	sequences := self.sequences
	self.sequences = map[string]*keySequence{}
	self.mutex.Unlock()
	for _, sequence := range sequences {
		sequence.close()
	}
}

func (self *MutationQueue) notify(outcome *MutationOutcome) {
	for _, outcomeCallback := range self.outcomeCallbacks.Get() {
		HandleCallback(func() {
			outcomeCallback(outcome)
		})
	}
}

func (self *MutationQueue) tombstone(resourceType ResourceType) bool {
	if typeSettings, ok := self.resourceTypes[resourceType]; ok {
		return typeSettings.DeleteTombstone
	}
	return false
}

// waits until the queue is online. Returns false if closed first.
func (self *MutationQueue) awaitOnline() bool {
	for {
		notify := self.onlineMonitor.NotifyChannel()
		if self.IsOnline() {
			return true
		}
		select {
		case <-self.ctx.Done():
			return false
		case <-notify:
		}
	}
}

// one sequence per resource key, strict fifo
type keySequence struct {
	queue       *MutationQueue
	resourceKey string

	update *Monitor

	mutex sync.Mutex
	// head is the next to send. The in flight pack is tracked separately
	// so it can no longer be cancelled or coalesced.
	pending  []*mutationPack
	inFlight *mutationPack
	closed   bool
}

func newKeySequence(queue *MutationQueue, resourceKey string) *keySequence {
	return &keySequence{
		queue:       queue,
		resourceKey: resourceKey,
		update:      NewMonitor(),
		pending:     []*mutationPack{},
	}
}

// adds in creation order. Coalesces into the queued tail when allowed.
// returns false if the sequence is closed.
func (self *keySequence) add(pack *mutationPack, coalesce bool) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return false
	}

	if coalesce && 0 < len(self.pending) {
		tail := self.pending[len(self.pending)-1]
		if CanCoalesce(tail.mutation, pack.mutation) {
			merged := Coalesce(tail.mutation, pack.mutation)
			merged.Status = MutationStatusQueued
			tail.coalescedIds = append(tail.coalescedIds, pack.mutation.MutationId)
			tail.coalescedIds = append(tail.coalescedIds, pack.coalescedIds...)
			tail.mutation = merged
			// the server echo is fingerprinted over the merged payload,
			// which matches neither original echo window
			if self.queue.suppressor != nil {
				self.queue.suppressor.MarkLocalUpdate(self.resourceKey, merged.Fingerprint())
			}
			self.queue.storage.Save(merged)
			self.queue.storage.Remove(pack.mutation.MutationId)
			glog.V(2).Infof("[q]coalesce %s %s -> %s\n", self.resourceKey, pack.mutation.MutationId, merged.MutationId)
			self.update.NotifyAll()
			return true
		}
	}

	self.pending = append(self.pending, pack)
	self.update.NotifyAll()
	return true
}

func (self *keySequence) pendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := len(self.pending)
	if self.inFlight != nil {
		count += 1
	}
	return count
}

func (self *keySequence) removePending(mutationId Id) (*Mutation, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, pack := range self.pending {
		if pack.mutation.MutationId == mutationId {
			self.pending = append(self.pending[:i], self.pending[i+1:]...)
			return pack.mutation, true
		}
	}
	return nil, false
}

func (self *keySequence) close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()
	self.update.NotifyAll()
}

// pops the head for sending. nil if empty or closed.
func (self *keySequence) next() *mutationPack {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed || len(self.pending) == 0 {
		return nil
	}
	pack := self.pending[0]
	self.pending = self.pending[1:]
	self.inFlight = pack
	return pack
}

func (self *keySequence) finish() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.inFlight = nil
}

// closes when idle and empty. Returns whether closed.
func (self *keySequence) idleClose() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.pending) == 0 && self.inFlight == nil {
		self.closed = true
		return true
	}
	return false
}

func (self *keySequence) run() {
	for {
		notify := self.update.NotifyChannel()

		// hold while offline so queued mutations stay cancellable
		// and send attempts are not burned
		if !self.queue.IsOnline() {
			onlineNotify := self.queue.onlineMonitor.NotifyChannel()
			select {
			case <-self.queue.ctx.Done():
				return
			case <-onlineNotify:
			case <-notify:
			}
			continue
		}

		pack := self.next()
		if pack == nil {
			self.mutex.Lock()
			closed := self.closed
			self.mutex.Unlock()
			if closed {
				return
			}
			select {
			case <-self.queue.ctx.Done():
				return
			case <-notify:
				continue
			case <-time.After(self.queue.settings.SequenceIdleTimeout):
				if self.idleClose() {
					return
				}
				continue
			}
		}

		// bounded parallelism across keys
		select {
		case <-self.queue.ctx.Done():
			self.finish()
			return
		case self.queue.sendSlots <- struct{}{}:
		}
		outcome := self.send(pack)
		<-self.queue.sendSlots
		self.finish()

		if outcome != nil {
			outcome.CoalescedIds = pack.coalescedIds
			self.queue.notify(outcome)
		}
	}
}

// runs the full attempt loop for one mutation:
// backoff retries on transient failures, conflict resolution on cas
// mismatches, terminal statuses persisted or compacted.
func (self *keySequence) send(pack *mutationPack) *MutationOutcome {
	queue := self.queue
	mutation := pack.mutation
	attempts := 0

	for {
		if !queue.awaitOnline() {
			// queue closed
			return nil
		}

		mutation.Status = MutationStatusSending
		queue.storage.Save(mutation)

		result, err := self.attempt(mutation)

		if err != nil {
			if validationErr, ok := IsValidationError(err); ok {
				// never retried, surfaced immediately
				queue.storage.Remove(mutation.MutationId)
				mutation.Status = MutationStatusDropped
				return &MutationOutcome{
					MutationId:  mutation.MutationId,
					ResourceKey: mutation.ResourceKey,
					Status:      MutationStatusDropped,
					Err:         validationErr,
					Message:     validationErr.Message,
				}
			}
			if errors.Is(err, ErrRecordNotFound) {
				// delete of a record that no longer exists
				queue.storage.Remove(mutation.MutationId)
				mutation.Status = MutationStatusDropped
				return &MutationOutcome{
					MutationId:  mutation.MutationId,
					ResourceKey: mutation.ResourceKey,
					Status:      MutationStatusDropped,
					Err:         err,
				}
			}

			// transient
			attempts += 1
			mutation.RetryCount += 1
			if queue.settings.MaxSendAttempts <= attempts {
				mutation.Status = MutationStatusFailed
				queue.storage.Save(mutation)
				queue.mutex.Lock()
				queue.failed[mutation.MutationId] = mutation
				queue.mutex.Unlock()
				glog.Infof("[q]failed %s %s = %s\n", self.resourceKey, mutation.MutationId, err)
				return &MutationOutcome{
					MutationId:  mutation.MutationId,
					ResourceKey: mutation.ResourceKey,
					Status:      MutationStatusFailed,
					Err:         err,
					Message:     "couldn't save, tap to retry",
				}
			}
			delay := BackoffDelay(attempts-1, queue.settings.BackoffBase, queue.settings.BackoffMax)
			glog.V(2).Infof("[q]retry %s in %s\n", self.resourceKey, delay)
			select {
			case <-queue.ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		if result.Ok {
			queue.storage.Remove(mutation.MutationId)
			mutation.Status = MutationStatusApplied
			glog.V(2).Infof("[q]applied %s v%d\n", self.resourceKey, result.Version)
			return &MutationOutcome{
				MutationId:  mutation.MutationId,
				ResourceKey: mutation.ResourceKey,
				Status:      MutationStatusApplied,
				Version:     result.Version,
				Record:      result.Record,
			}
		}

		// cas mismatch
		mutation.Status = MutationStatusConflicted
		queue.storage.Save(mutation)
		conflictErr := &ConflictError{
			ResourceKey:   mutation.ResourceKey,
			BaseVersion:   mutation.BaseVersion,
			ServerVersion: result.Version,
			ServerRecord:  result.Record,
		}
		outcome := queue.resolver.Resolve(mutation, result.Version, result.Record)
		switch outcome.Kind {
		case ConflictOutcomeResolvedRetry:
			mutation.BaseVersion = outcome.RebasedVersion
			mutation.RebaseCount += 1
			mutation.Status = MutationStatusRetrying
			queue.storage.Save(mutation)
			glog.V(2).Infof("[q]rebase %s -> v%d\n", self.resourceKey, outcome.RebasedVersion)
			continue

		case ConflictOutcomeResolvedMerge:
			// the conflicting writer was this client's own prior write.
			// drop silently, the cache already carries the result.
			queue.storage.Remove(mutation.MutationId)
			mutation.Status = MutationStatusApplied
			return &MutationOutcome{
				MutationId:  mutation.MutationId,
				ResourceKey: mutation.ResourceKey,
				Status:      MutationStatusApplied,
				Version:     result.Version,
				Record:      outcome.ResultingRecord,
			}

		case ConflictOutcomeSurfacedToUser:
			queue.storage.Remove(mutation.MutationId)
			mutation.Status = MutationStatusSurfacedToUser
			glog.Infof("[q]conflict surfaced %s\n", self.resourceKey)
			return &MutationOutcome{
				MutationId:  mutation.MutationId,
				ResourceKey: mutation.ResourceKey,
				Status:      MutationStatusSurfacedToUser,
				Version:     result.Version,
				Record:      outcome.ResultingRecord,
				Err:         conflictErr,
				Message:     outcome.Message,
			}

		default:
			queue.storage.Remove(mutation.MutationId)
			mutation.Status = MutationStatusDropped
			return &MutationOutcome{
				MutationId:  mutation.MutationId,
				ResourceKey: mutation.ResourceKey,
				Status:      MutationStatusDropped,
				Version:     result.Version,
				Err:         conflictErr,
				Message:     outcome.Message,
			}
		}
	}
}

// one send attempt with the per attempt timeout
func (self *keySequence) attempt(mutation *Mutation) (*CasResult, error) {
	queue := self.queue
	attemptCtx, attemptCancel := context.WithTimeout(queue.ctx, queue.settings.SendTimeout)
	defer attemptCancel()

	var result *CasResult
	var err error
	switch mutation.Op {
	case MutationOpDelete:
		result, err = queue.store.CasDelete(
			attemptCtx,
			mutation.ResourceKey,
			mutation.BaseVersion,
			queue.tombstone(mutation.ResourceType),
			queue.clientId,
		)
	default:
		result, err = queue.store.CasUpdate(
			attemptCtx,
			mutation.ResourceKey,
			mutation.BaseVersion,
			mutation.Payload,
			queue.clientId,
		)
	}
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, networkError(err, "send timeout")
		}
		return nil, err
	}
	return result, nil
}
