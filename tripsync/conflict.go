package tripsync

import (
	"fmt"
)

// decides what to do when a cas update loses.
// Resolve is deterministic and idempotent for identical inputs: the
// decision is a pure function of the mutation (including its rebase count),
// the server version and the server record. Transient network retries
// never count against the rebase budget.

type ConflictOutcomeKind string

const (
	// rebase the base version onto the server version and resend
	ConflictOutcomeResolvedRetry ConflictOutcomeKind = "resolved_retry"
	// the server record already carries this client's change
	ConflictOutcomeResolvedMerge ConflictOutcomeKind = "resolved_merge"
	// the caller presents both versions and lets the user choose
	ConflictOutcomeSurfacedToUser ConflictOutcomeKind = "surfaced_to_user"
	ConflictOutcomeDropped        ConflictOutcomeKind = "dropped"
)

type ConflictOutcome struct {
	Kind ConflictOutcomeKind
	// server side record for surfaced and merge outcomes
	ResultingRecord *VersionedRecord
	// base version to resend with, for resolved retry
	RebasedVersion int64
	Message        string
}

type ConflictResolverSettings struct {
	// single owner resources refetch and resend once before surfacing
	MaxSingleOwnerRetries int
	// per user scoped keys can only conflict on client double submission
	MaxPerUserRetries int
}

func DefaultConflictResolverSettings() *ConflictResolverSettings {
	return &ConflictResolverSettings{
		MaxSingleOwnerRetries: 1,
		MaxPerUserRetries:     3,
	}
}

type ConflictResolver struct {
	suppressor    *EchoSuppressor
	resourceTypes map[ResourceType]*ResourceTypeSettings

	settings *ConflictResolverSettings
}

func NewConflictResolverWithDefaults(suppressor *EchoSuppressor) *ConflictResolver {
	return NewConflictResolver(suppressor, DefaultResourceTypeSettings(), DefaultConflictResolverSettings())
}

func NewConflictResolver(
	suppressor *EchoSuppressor,
	resourceTypes map[ResourceType]*ResourceTypeSettings,
	settings *ConflictResolverSettings,
) *ConflictResolver {
	return &ConflictResolver{
		suppressor:    suppressor,
		resourceTypes: resourceTypes,
		settings:      settings,
	}
}

func (self *ConflictResolver) resourceClass(resourceType ResourceType) ResourceClass {
	if typeSettings, ok := self.resourceTypes[resourceType]; ok {
		return typeSettings.Class
	}
	// unknown types get the most conservative policy
	return ResourceClassSharedLww
}

func (self *ConflictResolver) Resolve(mutation *Mutation, serverVersion int64, serverRecord *VersionedRecord) *ConflictOutcome {
	switch self.resourceClass(mutation.ResourceType) {
	case ResourceClassSingleOwner:
		if mutation.RebaseCount < self.settings.MaxSingleOwnerRetries {
			return &ConflictOutcome{
				Kind:           ConflictOutcomeResolvedRetry,
				RebasedVersion: serverVersion,
			}
		}
		return &ConflictOutcome{
			Kind:            ConflictOutcomeSurfacedToUser,
			ResultingRecord: serverRecord,
			Message: fmt.Sprintf(
				"couldn't save %s, tap to retry",
				mutation.ResourceKey,
			),
		}

	case ResourceClassPerUser:
		// the cas key is scoped to (resourceKey, userId), so another member
		// cannot conflict here. A mismatch means this client raced itself.
		if mutation.RebaseCount < self.settings.MaxPerUserRetries {
			return &ConflictOutcome{
				Kind:           ConflictOutcomeResolvedRetry,
				RebasedVersion: serverVersion,
			}
		}
		return &ConflictOutcome{
			Kind:    ConflictOutcomeDropped,
			Message: fmt.Sprintf("dropped duplicate submission on %s", mutation.ResourceKey),
		}

	default:
		// shared last writer wins
		if self.suppressor.IsOwnWrite(serverRecord) {
			// the conflicting writer is this client's own prior echo
			return &ConflictOutcome{
				Kind:            ConflictOutcomeResolvedMerge,
				ResultingRecord: serverRecord,
			}
		}
		return &ConflictOutcome{
			Kind:            ConflictOutcomeSurfacedToUser,
			ResultingRecord: serverRecord,
			Message: fmt.Sprintf(
				"%s was modified by another member (your base %d, theirs %d)",
				mutation.ResourceKey,
				mutation.BaseVersion,
				serverVersion,
			),
		}
	}
}
