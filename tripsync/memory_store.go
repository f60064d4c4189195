package tripsync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// reference implementation of the store contract, used by tripsyncd and tests.
// all updates for a key serialize under one lock, which is what gives the
// cas ordering its arrival order semantics.

const memoryStoreSubscriberBufferSize = 128

type MemoryStore struct {
	mutex sync.Mutex

	records map[string]*VersionedRecord

	// full ordered event log. The cursor of an event is its index
	eventLog []*StreamEvent

	subscribers map[int]*memorySubscriber
	nextSubId   int
}

type memorySubscriber struct {
	scope  string
	events chan *StreamEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     map[string]*VersionedRecord{},
		eventLog:    []*StreamEvent{},
		subscribers: map[int]*memorySubscriber{},
	}
}

func (self *MemoryStore) Read(ctx context.Context, resourceKey string) (*VersionedRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Copy(), nil
}

func (self *MemoryStore) ReadScope(ctx context.Context, scope string) ([]*VersionedRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	records := []*VersionedRecord{}
	keys := maps.Keys(self.records)
	for _, resourceKey := range keys {
		if ScopeContains(scope, resourceKey) {
			records = append(records, self.records[resourceKey].Copy())
		}
	}
	return records, nil
}

func (self *MemoryStore) CasUpdate(ctx context.Context, resourceKey string, baseVersion int64, patch map[string]any, by Id) (*CasResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		record = &VersionedRecord{
			Key:    resourceKey,
			Fields: map[string]any{},
		}
	}
	if record.Version != baseVersion {
		return &CasResult{
			Ok:      false,
			Version: record.Version,
			Record:  record.Copy(),
		}, nil
	}

	changeType := ChangeTypeUpdate
	if !ok {
		changeType = ChangeTypeCreate
	}

	for field, value := range patch {
		record.Fields[field] = value
	}
	record.Version += 1
	record.UpdatedAt = time.Now()
	record.UpdatedBy = by
	record.Tombstone = false
	self.records[resourceKey] = record

	self.publish(&StreamEvent{
		ResourceKey: resourceKey,
		Version:     record.Version,
		Record:      record.Copy(),
		ChangeType:  changeType,
		Fingerprint: ComputeFingerprint(patch),
	})

	return &CasResult{
		Ok:      true,
		Version: record.Version,
		Record:  record.Copy(),
	}, nil
}

func (self *MemoryStore) CasDelete(ctx context.Context, resourceKey string, baseVersion int64, tombstone bool, by Id) (*CasResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if record.Version != baseVersion {
		return &CasResult{
			Ok:      false,
			Version: record.Version,
			Record:  record.Copy(),
		}, nil
	}

	record.Version += 1
	record.UpdatedAt = time.Now()
	record.UpdatedBy = by
	version := record.Version

	var eventRecord *VersionedRecord
	if tombstone {
		record.Tombstone = true
		eventRecord = record.Copy()
	} else {
		delete(self.records, resourceKey)
	}

	self.publish(&StreamEvent{
		ResourceKey: resourceKey,
		Version:     version,
		Record:      eventRecord,
		ChangeType:  ChangeTypeDelete,
		Fingerprint: deleteFingerprint,
	})

	return &CasResult{
		Ok:      true,
		Version: version,
		Record:  eventRecord,
	}, nil
}

// creates the composite capacity record for a resource if missing
func (self *MemoryStore) InitCapacity(resourceKey string, limit int, allowWaitlist bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.records[resourceKey]; ok {
		return
	}
	capacityRecord := &CapacityRecord{
		ResourceKey:   resourceKey,
		Limit:         limit,
		AllowWaitlist: allowWaitlist,
	}
	record := &VersionedRecord{
		Key:       resourceKey,
		Version:   1,
		Fields:    capacityRecord.ToFields(),
		UpdatedAt: time.Now(),
	}
	self.records[resourceKey] = record
	self.publish(&StreamEvent{
		ResourceKey: resourceKey,
		Version:     record.Version,
		Record:      record.Copy(),
		ChangeType:  ChangeTypeCreate,
	})
}

func (self *MemoryStore) Claim(ctx context.Context, resourceKey string, claimantId Id) (*ClaimResult, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return nil, ErrRecordNotFound
	}
	capacityRecord, err := CapacityRecordFromFields(resourceKey, record.Fields)
	if err != nil {
		return nil, err
	}

	result, changed := AdmitClaim(capacityRecord, claimantId)
	if changed {
		self.commitCapacity(record, capacityRecord)
	}
	result.Version = record.Version
	return result, nil
}

func (self *MemoryStore) Release(ctx context.Context, resourceKey string, claimantId Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return ErrRecordNotFound
	}
	capacityRecord, err := CapacityRecordFromFields(resourceKey, record.Fields)
	if err != nil {
		return err
	}

	_, changed := ReleaseClaim(capacityRecord, claimantId)
	if changed {
		self.commitCapacity(record, capacityRecord)
	}
	return nil
}

// must hold mutex
func (self *MemoryStore) commitCapacity(record *VersionedRecord, capacityRecord *CapacityRecord) {
	fields := capacityRecord.ToFields()
	record.Fields = fields
	record.Version += 1
	record.UpdatedAt = time.Now()
	self.publish(&StreamEvent{
		ResourceKey: record.Key,
		Version:     record.Version,
		Record:      record.Copy(),
		ChangeType:  ChangeTypeUpdate,
		Fingerprint: ComputeFingerprint(fields),
	})
}

// must hold mutex
func (self *MemoryStore) publish(event *StreamEvent) {
	event.Cursor = strconv.Itoa(len(self.eventLog))
	self.eventLog = append(self.eventLog, event)
	for _, sub := range self.subscribers {
		if !ScopeContains(sub.scope, event.ResourceKey) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			// backpressure. The subscriber falls back to a full resync
		}
	}
}

// subscribes to the push feed for a scope.
// fromCursor "" means only new events. A cursor past the log end is an error,
// which signals the consumer to fall back to a full resync.
func (self *MemoryStore) Subscribe(scope string, fromCursor string) (<-chan *StreamEvent, func(), error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	var replay []*StreamEvent
	if fromCursor != "" {
		cursor, err := strconv.Atoi(fromCursor)
		if err != nil || cursor < 0 || len(self.eventLog) < cursor {
			return nil, nil, fmt.Errorf("bad cursor %s", fromCursor)
		}
		for _, event := range self.eventLog[cursor:] {
			if ScopeContains(scope, event.ResourceKey) {
				replay = append(replay, event)
			}
		}
	}

	events := make(chan *StreamEvent, memoryStoreSubscriberBufferSize+len(replay))
	for _, event := range replay {
		events <- event
	}

	subId := self.nextSubId
	self.nextSubId += 1
	self.subscribers[subId] = &memorySubscriber{
		scope:  scope,
		events: events,
	}

	unsub := func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if sub, ok := self.subscribers[subId]; ok {
			delete(self.subscribers, subId)
			close(sub.events)
		}
	}
	return events, unsub, nil
}
