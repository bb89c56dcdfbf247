package services

import (
	"context"
	"encoding/json"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
	"github.com/nodesync/server/internal/repository"
)

// mergeFunc combines a local row value with an incoming one. Returning
// (nil, false) falls back to last-writer-wins for that record.
type mergeFunc func(local, incoming json.RawMessage) (json.RawMessage, bool)

// ConflictResolverService detects and resolves concurrent edits to the same
// row. Default policy: highest (timestamp, originNodeId) wins, so every node
// resolves the same collision the same way. Tables with additive counter
// semantics opt into field-level merge instead of whole-row overwrite.
type ConflictResolverService struct {
	mergePolicies map[string]mergeFunc
}

// NewConflictResolverService creates a resolver with the per-table merge
// policies registered
func NewConflictResolverService() *ConflictResolverService {
	return &ConflictResolverService{
		mergePolicies: map[string]mergeFunc{
			models.TableInventoryItems: mergeInventoryItems,
			models.TableBalances:       mergeBalances,
		},
	}
}

// Resolve implements repository.ConflictPolicy. The losing value and its
// metadata are always recorded for operator review; a conflict is
// bookkeeping, not an error.
func (s *ConflictResolverService) Resolve(ctx context.Context, incoming *models.ChangeRecord, localValue json.RawMessage, localVersion models.RowVersion) (*repository.Resolution, error) {
	if merge, ok := s.mergePolicies[incoming.Table]; ok && localValue != nil && incoming.Operation != models.OpDelete {
		if merged, ok := merge(localValue, incoming.Payload); ok {
			observability.WithContext(ctx).Debugf("Merged concurrent edit on %s/%s", incoming.Table, incoming.RowID)
			return &repository.Resolution{
				Outcome: models.ResolutionMerged,
				Payload: merged,
				Audit:   models.NewConflictRecord(incoming.Table, incoming.RowID, localValue, incoming.Payload, localVersion, incoming, models.ResolutionMerged),
			}, nil
		}
	}

	if localVersion.NewerThan(incoming.Timestamp, incoming.OriginNodeID) {
		return &repository.Resolution{
			Outcome: models.ResolutionLocalWins,
			Audit:   models.NewConflictRecord(incoming.Table, incoming.RowID, localValue, incoming.Payload, localVersion, incoming, models.ResolutionLocalWins),
		}, nil
	}

	return &repository.Resolution{
		Outcome: models.ResolutionRemoteWins,
		Payload: incoming.Payload,
		Audit:   models.NewConflictRecord(incoming.Table, incoming.RowID, localValue, incoming.Payload, localVersion, incoming, models.ResolutionRemoteWins),
	}, nil
}

// mergeInventoryItems adds the incoming quantity delta onto the local count
// instead of overwriting it, so two locations selling the same item
// concurrently both get counted.
func mergeInventoryItems(local, incoming json.RawMessage) (json.RawMessage, bool) {
	var loc, inc models.InventoryItemPayload
	if err := json.Unmarshal(local, &loc); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(incoming, &inc); err != nil {
		return nil, false
	}
	if inc.QuantityDelta == 0 {
		return nil, false
	}

	merged := loc
	merged.Quantity = loc.Quantity + inc.QuantityDelta
	if inc.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = inc.UpdatedAt
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return out, true
}

// mergeBalances applies the incoming amount delta additively
func mergeBalances(local, incoming json.RawMessage) (json.RawMessage, bool) {
	var loc, inc models.BalancePayload
	if err := json.Unmarshal(local, &loc); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(incoming, &inc); err != nil {
		return nil, false
	}
	if inc.AmountDelta == 0 {
		return nil, false
	}

	merged := loc
	merged.AmountCents = loc.AmountCents + inc.AmountDelta
	if inc.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = inc.UpdatedAt
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return out, true
}
