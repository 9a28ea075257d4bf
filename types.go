package chronicle

import (
	"time"

	"github.com/google/uuid"
)

// Topics carried by Event. Per-entity mutation topics are
// TopicEntityModifiedPrefix followed by the entity ID, so hooks can match
// them with strings.HasPrefix.
const (
	TopicVariableCreated  = "variable.created"
	TopicVariableUpdated  = "variable.updated"
	TopicVariableDeleted  = "variable.deleted"
	TopicWorldTimeChanged = "worldtime.changed"
	TopicBranchMerged     = "branch.merged"

	TopicEntityModifiedPrefix = "entity.modified."
)

// Event is one post-commit notification. It is the public mirror of the
// internal bus event — no internal package imports, safe to use from
// outside the module. Payload content is topic-specific; CampaignID is
// always set so consumers can shard by campaign.
type Event struct {
	Topic      string
	CampaignID uuid.UUID
	BranchID   *uuid.UUID
	Payload    map[string]any
	At         time.Time
}
