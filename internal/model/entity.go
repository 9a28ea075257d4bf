package model

// EntityType identifies a domain entity table. Version records, audit
// entries, and merge resolutions are keyed by it.
type EntityType string

const (
	EntityCampaign      EntityType = "campaign"
	EntityBranch        EntityType = "branch"
	EntityKingdom       EntityType = "kingdom"
	EntitySettlement    EntityType = "settlement"
	EntityStructure     EntityType = "structure"
	EntityParty         EntityType = "party"
	EntityCharacter     EntityType = "character"
	EntityLocation      EntityType = "location"
	EntityEvent         EntityType = "event"
	EntityEncounter     EntityType = "encounter"
	EntityStateVariable EntityType = "state_variable"
)

// VersionedEntityTypes lists the types that participate in the version log
// and therefore in merges. Campaigns are the tenancy root, branches are the
// timeline container, and locations are world-bound; none of the three is
// versioned.
var VersionedEntityTypes = []EntityType{
	EntityKingdom,
	EntitySettlement,
	EntityStructure,
	EntityParty,
	EntityCharacter,
	EntityEvent,
	EntityEncounter,
	EntityStateVariable,
}

// Versionable reports whether snapshots of this entity type are written to
// the version log.
func (t EntityType) Versionable() bool {
	for _, vt := range VersionedEntityTypes {
		if t == vt {
			return true
		}
	}
	return false
}

func (t EntityType) Valid() bool {
	switch t {
	case EntityCampaign, EntityBranch, EntityKingdom, EntitySettlement,
		EntityStructure, EntityParty, EntityCharacter, EntityLocation,
		EntityEvent, EntityEncounter, EntityStateVariable:
		return true
	}
	return false
}
