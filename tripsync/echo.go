package tripsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// recognizes a pushed realtime event as the echo of a mutation this same
// client just made, so the change is absorbed into the cache without
// re-notifying the ui. Entries expire after a fixed debounce interval and
// are consumed at most once, so a later genuine change is never wrongly
// suppressed.
//
// the window length is a tuned ux constant, not a correctness guarantee
// under high latency.

type EchoSuppressorSettings struct {
	Window time.Duration
}

func DefaultEchoSuppressorSettings() *EchoSuppressorSettings {
	return &EchoSuppressorSettings{
		Window: 2000 * time.Millisecond,
	}
}

type echoEntry struct {
	fingerprint string
	expiresAt   time.Time
}

type EchoSuppressor struct {
	clientId Id

	settings *EchoSuppressorSettings

	mutex sync.Mutex
	// resource key -> open windows, in mark order
	entries map[string][]*echoEntry
}

func NewEchoSuppressorWithDefaults(clientId Id) *EchoSuppressor {
	return NewEchoSuppressor(clientId, DefaultEchoSuppressorSettings())
}

func NewEchoSuppressor(clientId Id, settings *EchoSuppressorSettings) *EchoSuppressor {
	return &EchoSuppressor{
		clientId: clientId,
		settings: settings,
		entries:  map[string][]*echoEntry{},
	}
}

func (self *EchoSuppressor) MarkLocalUpdate(resourceKey string, fingerprint string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries[resourceKey] = append(self.entries[resourceKey], &echoEntry{
		fingerprint: fingerprint,
		expiresAt:   time.Now().Add(self.settings.Window),
	})
}

// consumes the matching entry on first match, so an identical later event
// inside the window is treated as a genuine change
func (self *EchoSuppressor) ShouldSuppress(resourceKey string, fingerprint string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := self.prune(resourceKey)
	for i, entry := range entries {
		if entry.fingerprint == fingerprint {
			entries = append(entries[:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(self.entries, resourceKey)
			} else {
				self.entries[resourceKey] = entries
			}
			glog.V(2).Infof("[echo]suppress %s\n", resourceKey)
			return true
		}
	}
	return false
}

// non consuming check used by conflict resolution to recognize this
// client's own prior write as the conflicting server writer
func (self *EchoSuppressor) IsOwnWrite(record *VersionedRecord) bool {
	if record == nil {
		return false
	}
	return record.UpdatedBy == self.clientId
}

// must hold mutex
func (self *EchoSuppressor) prune(resourceKey string) []*echoEntry {
	entries := self.entries[resourceKey]
	if len(entries) == 0 {
		return nil
	}
	now := time.Now()
	live := entries[:0]
	for _, entry := range entries {
		if now.Before(entry.expiresAt) {
			live = append(live, entry)
		}
	}
	if len(live) == 0 {
		delete(self.entries, resourceKey)
		return nil
	}
	self.entries[resourceKey] = live
	return live
}
