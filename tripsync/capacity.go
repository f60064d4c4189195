package tripsync

import (
	"context"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// admits or waitlists claims against a capacity limited resource.
// the composite {count, waitlist} record lives in the store and every
// admission decision commits as one cas update, so the tie break for
// two simultaneous claims on the last slot is the store's cas ordering,
// never a client clock.

type ClaimOutcome string

const (
	ClaimOutcomeAccepted   ClaimOutcome = "accepted"
	ClaimOutcomeWaitlisted ClaimOutcome = "waitlisted"
	ClaimOutcomeRejected   ClaimOutcome = "rejected"
)

type ClaimResult struct {
	Outcome ClaimOutcome `json:"outcome"`
	// waitlist position, 1 based, for waitlisted outcomes
	Position int   `json:"position,omitempty"`
	Version  int64 `json:"version,omitempty"`
}

type CapacityRecord struct {
	ResourceKey   string
	Limit         int
	Active        []Id
	Waitlist      []Id
	AllowWaitlist bool
}

func (self *CapacityRecord) Count() int {
	return len(self.Active)
}

func (self *CapacityRecord) Copy() *CapacityRecord {
	return &CapacityRecord{
		ResourceKey:   self.ResourceKey,
		Limit:         self.Limit,
		Active:        slices.Clone(self.Active),
		Waitlist:      slices.Clone(self.Waitlist),
		AllowWaitlist: self.AllowWaitlist,
	}
}

// the capacity record is stored as versioned record fields so that a
// claim or release is a plain cas update on the composite record
func (self *CapacityRecord) ToFields() map[string]any {
	active := make([]string, len(self.Active))
	for i, claimantId := range self.Active {
		active[i] = claimantId.String()
	}
	waitlist := make([]string, len(self.Waitlist))
	for i, claimantId := range self.Waitlist {
		waitlist[i] = claimantId.String()
	}
	return map[string]any{
		"limit":          self.Limit,
		"active":         active,
		"waitlist":       waitlist,
		"allow_waitlist": self.AllowWaitlist,
	}
}

func CapacityRecordFromFields(resourceKey string, fields map[string]any) (*CapacityRecord, error) {
	record := &CapacityRecord{
		ResourceKey: resourceKey,
	}
	limit, err := fieldInt(fields, "limit")
	if err != nil {
		return nil, err
	}
	record.Limit = limit
	if allowWaitlist, ok := fields["allow_waitlist"].(bool); ok {
		record.AllowWaitlist = allowWaitlist
	}
	record.Active, err = fieldIds(fields, "active")
	if err != nil {
		return nil, err
	}
	record.Waitlist, err = fieldIds(fields, "waitlist")
	if err != nil {
		return nil, err
	}
	return record, nil
}

func fieldInt(fields map[string]any, field string) (int, error) {
	switch v := fields[field].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		// json numbers decode as float64
		return int(v), nil
	default:
		return 0, &ValidationError{Message: "missing " + field}
	}
}

func fieldIds(fields map[string]any, field string) ([]Id, error) {
	ids := []Id{}
	switch v := fields[field].(type) {
	case nil:
		return ids, nil
	case []Id:
		return slices.Clone(v), nil
	case []string:
		for _, idStr := range v {
			id, err := ParseId(idStr)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	case []any:
		for _, value := range v {
			idStr, ok := value.(string)
			if !ok {
				return nil, &ValidationError{Message: "bad " + field}
			}
			id, err := ParseId(idStr)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, &ValidationError{Message: "bad " + field}
	}
}

// pure admission step. Returns the outcome and whether the record changed.
// invariants: count never exceeds limit, a claimant is never in both
// the active set and the waitlist.
func AdmitClaim(record *CapacityRecord, claimantId Id) (*ClaimResult, bool) {
	if i := slices.Index(record.Active, claimantId); 0 <= i {
		// already active
		return &ClaimResult{Outcome: ClaimOutcomeAccepted}, false
	}
	if i := slices.Index(record.Waitlist, claimantId); 0 <= i {
		return &ClaimResult{
			Outcome:  ClaimOutcomeWaitlisted,
			Position: i + 1,
		}, false
	}
	if record.Count() < record.Limit {
		record.Active = append(record.Active, claimantId)
		return &ClaimResult{Outcome: ClaimOutcomeAccepted}, true
	}
	if record.AllowWaitlist {
		record.Waitlist = append(record.Waitlist, claimantId)
		return &ClaimResult{
			Outcome:  ClaimOutcomeWaitlisted,
			Position: len(record.Waitlist),
		}, true
	}
	return &ClaimResult{Outcome: ClaimOutcomeRejected}, false
}

// pure release step. Removing an active claimant promotes the earliest
// waitlisted entry, so the count is unchanged and the waitlist shrinks.
func ReleaseClaim(record *CapacityRecord, claimantId Id) (promoted Id, changed bool) {
	if i := slices.Index(record.Active, claimantId); 0 <= i {
		record.Active = slices.Delete(record.Active, i, i+1)
		if 0 < len(record.Waitlist) {
			promoted = record.Waitlist[0]
			record.Waitlist = slices.Delete(record.Waitlist, 0, 1)
			record.Active = append(record.Active, promoted)
		}
		return promoted, true
	}
	if i := slices.Index(record.Waitlist, claimantId); 0 <= i {
		record.Waitlist = slices.Delete(record.Waitlist, i, i+1)
		return Id{}, true
	}
	return Id{}, false
}

type CapacityAllocatorSettings struct {
	// transient store failures retry with the same backoff policy as the queue
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultCapacityAllocatorSettings() *CapacityAllocatorSettings {
	return &CapacityAllocatorSettings{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		BackoffMax:  8 * time.Second,
	}
}

type CapacityAllocator struct {
	ctx   context.Context
	store Store

	settings *CapacityAllocatorSettings
}

func NewCapacityAllocatorWithDefaults(ctx context.Context, store Store) *CapacityAllocator {
	return NewCapacityAllocator(ctx, store, DefaultCapacityAllocatorSettings())
}

func NewCapacityAllocator(ctx context.Context, store Store, settings *CapacityAllocatorSettings) *CapacityAllocator {
	return &CapacityAllocator{
		ctx:      ctx,
		store:    store,
		settings: settings,
	}
}

func (self *CapacityAllocator) Claim(ctx context.Context, resourceKey string, claimantId Id) (*ClaimResult, error) {
	var result *ClaimResult
	err := self.retry(ctx, "claim", func() error {
		var err error
		result, err = self.store.Claim(ctx, resourceKey, claimantId)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == ClaimOutcomeRejected {
		limit := 0
		if record, err := self.store.Read(ctx, resourceKey); err == nil {
			if capacityRecord, err := CapacityRecordFromFields(resourceKey, record.Fields); err == nil {
				limit = capacityRecord.Limit
			}
		}
		return result, &CapacityExceededError{
			ResourceKey: resourceKey,
			Limit:       limit,
		}
	}
	return result, nil
}

func (self *CapacityAllocator) Release(ctx context.Context, resourceKey string, claimantId Id) error {
	return self.retry(ctx, "release", func() error {
		return self.store.Release(ctx, resourceKey, claimantId)
	})
}

func (self *CapacityAllocator) retry(ctx context.Context, tag string, op func() error) error {
	var err error
	for attempt := 0; attempt < self.settings.MaxAttempts; attempt += 1 {
		err = op()
		if err == nil {
			return nil
		}
		if !IsNetworkError(err) {
			return err
		}
		delay := BackoffDelay(attempt, self.settings.BackoffBase, self.settings.BackoffMax)
		glog.Infof("[cap]%s error = %s (retry in %s)\n", tag, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
