package tripsync

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// the store is the only entity allowed to increment a version.
// a version moves by exactly 1 per successful cas update.
type VersionedRecord struct {
	Key       string         `json:"key"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy Id             `json:"updated_by"`
	Tombstone bool           `json:"tombstone,omitempty"`
}

func (self *VersionedRecord) Copy() *VersionedRecord {
	recordCopy := &VersionedRecord{
		Key:       self.Key,
		Version:   self.Version,
		UpdatedAt: self.UpdatedAt,
		UpdatedBy: self.UpdatedBy,
		Tombstone: self.Tombstone,
	}
	if self.Fields != nil {
		recordCopy.Fields = maps.Clone(self.Fields)
	}
	return recordCopy
}

// fingerprint used for delete mutations, which carry no payload
var deleteFingerprint = ComputeFingerprint(map[string]any{"__deleted": true})

type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

// one entry of the push event feed, and the unit the reconciliation
// stream applies to the local cache
type StreamEvent struct {
	ResourceKey string           `json:"resource_key"`
	Version     int64            `json:"version"`
	Record      *VersionedRecord `json:"record,omitempty"`
	ChangeType  ChangeType       `json:"change_type"`
	// fingerprint of the fields the originating write actually changed
	Fingerprint string `json:"fingerprint,omitempty"`
	Cursor      string `json:"cursor,omitempty"`
}

// a post-suppression change delivered to subscribers
type ChangeEvent struct {
	ResourceKey string
	ChangeType  ChangeType
	Version     int64
	Record      *VersionedRecord
}

// local view of the store, keyed by resource key.
// versions only move forward. Optimistic field overlays never move the version,
// so a later genuine server write always applies over them.
type RecordCache struct {
	mutex   sync.Mutex
	records map[string]*VersionedRecord
}

func NewRecordCache() *RecordCache {
	return &RecordCache{
		records: map[string]*VersionedRecord{},
	}
}

func (self *RecordCache) Get(resourceKey string) (*VersionedRecord, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return nil, false
	}
	return record.Copy(), true
}

func (self *RecordCache) Version(resourceKey string) int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return 0
	}
	return record.Version
}

// applies only if the record version is newer. Returns whether applied.
func (self *RecordCache) Apply(record *VersionedRecord) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	existing, ok := self.records[record.Key]
	if ok && record.Version <= existing.Version {
		return false
	}
	self.records[record.Key] = record.Copy()
	return true
}

// replaces the cached record unless a strictly newer version is cached.
// used to roll an optimistic overlay back to the server's record.
func (self *RecordCache) Replace(record *VersionedRecord) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	existing, ok := self.records[record.Key]
	if ok && record.Version < existing.Version {
		return false
	}
	self.records[record.Key] = record.Copy()
	return true
}

// overlays payload fields at the current version, before server confirmation
func (self *RecordCache) ApplyOptimistic(resourceKey string, payload map[string]any, by Id) *VersionedRecord {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		record = &VersionedRecord{
			Key:    resourceKey,
			Fields: map[string]any{},
		}
		self.records[resourceKey] = record
	}
	if record.Fields == nil {
		record.Fields = map[string]any{}
	}
	for field, value := range payload {
		record.Fields[field] = value
	}
	record.UpdatedAt = time.Now()
	record.UpdatedBy = by
	return record.Copy()
}

// moves the version forward after a confirmed cas update
func (self *RecordCache) SetVersion(resourceKey string, version int64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[resourceKey]
	if !ok {
		return
	}
	if record.Version < version {
		record.Version = version
	}
}

func (self *RecordCache) Remove(resourceKey string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.records, resourceKey)
}

func (self *RecordCache) Keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.records)
}
