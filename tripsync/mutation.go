package tripsync

import (
	"time"
)

type MutationOp string

const (
	MutationOpCreate MutationOp = "create"
	MutationOpUpdate MutationOp = "update"
	MutationOpToggle MutationOp = "toggle"
	MutationOpDelete MutationOp = "delete"
)

type MutationStatus string

const (
	MutationStatusCreated        MutationStatus = "created"
	MutationStatusQueued         MutationStatus = "queued"
	MutationStatusSending        MutationStatus = "sending"
	MutationStatusApplied        MutationStatus = "applied"
	MutationStatusConflicted     MutationStatus = "conflicted"
	MutationStatusRetrying       MutationStatus = "retrying"
	MutationStatusSurfacedToUser MutationStatus = "surfaced_to_user"
	MutationStatusDropped        MutationStatus = "dropped"
	MutationStatusFailed         MutationStatus = "failed"
	MutationStatusCancelled      MutationStatus = "cancelled"
)

func (self MutationStatus) IsTerminal() bool {
	switch self {
	case MutationStatusApplied, MutationStatusSurfacedToUser, MutationStatusDropped, MutationStatusFailed, MutationStatusCancelled:
		return true
	default:
		return false
	}
}

// resource classes determine the conflict policy
type ResourceClass string

const (
	// one writer owns the field, e.g. a task assignee editing the task body
	ResourceClassSingleOwner ResourceClass = "single_owner"
	// shared single value, whole record last writer wins, e.g. the shared location pin
	ResourceClassSharedLww ResourceClass = "shared_lww"
	// per-user sub-state on a shared parent. The cas key is scoped to
	// (resourceKey, userId) so cross-user conflicts are structurally impossible
	ResourceClassPerUser ResourceClass = "per_user"
)

type ResourceType string

const (
	ResourceTypeTask     ResourceType = "task"
	ResourceTypePin      ResourceType = "pin"
	ResourceTypeEvent    ResourceType = "event"
	ResourceTypeReadMark ResourceType = "read_mark"
)

type ResourceTypeSettings struct {
	Class ResourceClass
	// delete policy: tombstone keeps the record with a tombstone marker,
	// otherwise the record is hard deleted
	DeleteTombstone bool
}

func DefaultResourceTypeSettings() map[ResourceType]*ResourceTypeSettings {
	return map[ResourceType]*ResourceTypeSettings{
		ResourceTypeTask: &ResourceTypeSettings{
			Class:           ResourceClassSingleOwner,
			DeleteTombstone: true,
		},
		ResourceTypePin: &ResourceTypeSettings{
			Class:           ResourceClassSharedLww,
			DeleteTombstone: false,
		},
		ResourceTypeEvent: &ResourceTypeSettings{
			Class:           ResourceClassSharedLww,
			DeleteTombstone: true,
		},
		ResourceTypeReadMark: &ResourceTypeSettings{
			Class:           ResourceClassPerUser,
			DeleteTombstone: false,
		},
	}
}

type Mutation struct {
	MutationId   Id             `json:"mutation_id"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceKey  string         `json:"resource_key"`
	Op           MutationOp     `json:"op"`
	Payload      map[string]any `json:"payload,omitempty"`
	BaseVersion  int64          `json:"base_version"`
	CreatedAt    time.Time      `json:"created_at"`
	// transient send failures. Independent of the rebase budget.
	RetryCount int `json:"retry_count"`
	// cas conflicts resolved by rebase and resend
	RebaseCount int            `json:"rebase_count"`
	Status      MutationStatus `json:"status"`
}

func (self *Mutation) Copy() *Mutation {
	mutationCopy := *self
	if self.Payload != nil {
		payloadCopy := map[string]any{}
		for field, value := range self.Payload {
			payloadCopy[field] = value
		}
		mutationCopy.Payload = payloadCopy
	}
	return &mutationCopy
}

func (self *Mutation) Fingerprint() string {
	return ComputeFingerprint(self.Payload)
}

func (self *Mutation) Validate() error {
	if self.ResourceKey == "" {
		return &ValidationError{Message: "missing resource key"}
	}
	if self.ResourceType == "" {
		return &ValidationError{Message: "missing resource type"}
	}
	switch self.Op {
	case MutationOpCreate, MutationOpUpdate, MutationOpToggle:
		if len(self.Payload) == 0 {
			return &ValidationError{Message: "missing payload"}
		}
	case MutationOpDelete:
		// no payload required
	default:
		return &ValidationError{Message: "unknown op"}
	}
	if self.BaseVersion < 0 {
		return &ValidationError{Message: "negative base version"}
	}
	return nil
}

// two queued simple-field updates on the same key may merge into one:
// latest payload, earliest base version. Deletes and toggles never coalesce,
// toggles are not idempotent and must be preserved as an ordered list.
func CanCoalesce(earlier *Mutation, later *Mutation) bool {
	if earlier.ResourceKey != later.ResourceKey {
		return false
	}
	if earlier.Op != MutationOpUpdate || later.Op != MutationOpUpdate {
		return false
	}
	return true
}

func Coalesce(earlier *Mutation, later *Mutation) *Mutation {
	merged := earlier.Copy()
	if merged.Payload == nil {
		merged.Payload = map[string]any{}
	}
	for field, value := range later.Payload {
		merged.Payload[field] = value
	}
	if later.BaseVersion < merged.BaseVersion {
		merged.BaseVersion = later.BaseVersion
	}
	return merged
}
