// Package cache holds computed state snapshots: evaluated derived fields
// per entity and branch, and campaign evaluation contexts. The cache is
// strictly an optimisation; on any doubt callers evict and recompute from
// the database.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/model"
)

// Store is a byte-value cache with per-entry TTL. Get returns false on a
// miss; callers must treat returned bytes as read-only.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// ComputedFieldsKey addresses the evaluated derived fields of one entity on
// one branch. A zero branch ID means the unbranched working state.
func ComputedFieldsKey(entityType model.EntityType, entityID, branchID uuid.UUID) string {
	return "computed-fields:" + string(entityType) + ":" + entityID.String() + ":" + branchID.String()
}

// ComputedFieldsPrefix matches the computed fields of one entity across all
// branches.
func ComputedFieldsPrefix(entityType model.EntityType, entityID uuid.UUID) string {
	return "computed-fields:" + string(entityType) + ":" + entityID.String() + ":"
}

// CampaignContextKey addresses a campaign's assembled evaluation context.
// Dropped when world time advances.
func CampaignContextKey(campaignID uuid.UUID) string {
	return "campaign-context:" + campaignID.String()
}
