// Package bus carries post-commit notifications to subscribers: the rules
// worker, websocket fan-out, and tests. Publishing is best-effort; a lost
// event never corrupts state because subscribers reconcile by re-reading the
// database.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topics. Entity modifications carry the entity ID in the topic itself so
// narrow subscriptions stay cheap.
const (
	TopicVariableCreated  = "variable.created"
	TopicVariableUpdated  = "variable.updated"
	TopicVariableDeleted  = "variable.deleted"
	TopicWorldTimeChanged = "worldtime.changed"
	TopicBranchMerged     = "branch.merged"

	entityModifiedPrefix = "entity.modified."
)

// TopicEntityModified names the per-entity mutation topic.
func TopicEntityModified(entityID uuid.UUID) string {
	return entityModifiedPrefix + entityID.String()
}

// EntityIDFromTopic recovers the entity ID from a per-entity mutation
// topic. ok is false for any other topic.
func EntityIDFromTopic(topic string) (uuid.UUID, bool) {
	suffix, found := strings.CutPrefix(topic, entityModifiedPrefix)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(suffix)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// MatchTopic reports whether a subscription pattern covers a topic. A
// pattern is an exact topic or a prefix ending in ".*", so
// "entity.modified.*" covers every entity.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// Event is one bus message. Payload content is topic-specific; CampaignID
// is always set so subscribers can shard by campaign.
type Event struct {
	Topic      string         `json:"topic"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	BranchID   *uuid.UUID     `json:"branch_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher delivers events after the owning transaction has committed.
// Publish must cost no more than an in-process enqueue and never fails the
// caller; delivery problems are counted and logged. Close drains pending
// events within the context deadline.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close(ctx context.Context) error
}
