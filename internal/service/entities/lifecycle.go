package entities

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreweave/chronicle/internal/codec"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/integrity"
	"github.com/loreweave/chronicle/internal/model"
)

// lifecycleAccess authorizes delete/archive/restore. Locations are
// world-bound, so existence is the whole check; everything else resolves to
// campaign membership. The campaign resolution tolerates soft-deleted rows
// so that re-deleting stays idempotent.
func (s *Service) lifecycleAccess(ctx context.Context, t model.EntityType, id, userID uuid.UUID) (uuid.UUID, error) {
	if t == model.EntityLocation {
		ok, err := s.db.EntityExists(ctx, t, id)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, fmt.Errorf("entities: location %s: %w", id, errs.ErrNotFound)
		}
		return uuid.Nil, nil
	}
	campaignID, _, err := s.guard.RequireEntityAccess(ctx, t, id, userID)
	return campaignID, err
}

// Delete soft-deletes the current row. Version history is preserved and
// children are not cascaded. Deleting an already-deleted row is a no-op
// that still lands an audit entry.
func (s *Service) Delete(ctx context.Context, userID uuid.UUID, t model.EntityType, id uuid.UUID) error {
	if err := managedType(t); err != nil {
		return err
	}
	campaignID, err := s.lifecycleAccess(ctx, t, id, userID)
	if err != nil {
		return err
	}
	ctx, span := s.startSpan(ctx, "entities.delete", t, id)
	defer span.End()

	started := time.Now()
	prev := s.snapshotOf(ctx, t, id)
	changed, err := s.db.SoftDeleteEntity(ctx, t, id, time.Now().UTC())
	if err != nil {
		return err
	}

	var meta map[string]any
	if !changed {
		meta = map[string]any{"already_deleted": true}
	}
	version := 0
	if v, ok := prev["version"].(float64); ok {
		version = int(v)
	}
	s.finish(ctx, mutation{
		entityType: t,
		entityID:   id,
		campaignID: campaignID,
		operation:  model.OpDelete,
		userID:     userID,
		version:    version,
		previous:   prev,
		metadata:   meta,
		started:    started,
	})
	return nil
}

// Archive hides an entity from default listings without destroying it.
func (s *Service) Archive(ctx context.Context, userID uuid.UUID, t model.EntityType, id uuid.UUID) error {
	return s.setArchived(ctx, userID, t, id, true)
}

// Restore clears the archive flag.
func (s *Service) Restore(ctx context.Context, userID uuid.UUID, t model.EntityType, id uuid.UUID) error {
	return s.setArchived(ctx, userID, t, id, false)
}

func (s *Service) setArchived(ctx context.Context, userID uuid.UUID, t model.EntityType, id uuid.UUID, archived bool) error {
	if err := managedType(t); err != nil {
		return err
	}
	campaignID, err := s.lifecycleAccess(ctx, t, id, userID)
	if err != nil {
		return err
	}
	op := model.OpArchive
	if !archived {
		op = model.OpRestore
	}
	started := time.Now()
	if err := s.db.SetEntityArchived(ctx, t, id, archived, time.Now().UTC()); err != nil {
		return err
	}
	s.finish(ctx, mutation{
		entityType: t,
		entityID:   id,
		campaignID: campaignID,
		operation:  op,
		userID:     userID,
		changes:    map[string]any{"archived": archived},
		started:    started,
	})
	return nil
}

// AsOfState is an entity snapshot reconstructed from the version log.
type AsOfState struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   uuid.UUID        `json:"entity_id"`
	BranchID   uuid.UUID        `json:"branch_id"`
	Version    int              `json:"version"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidTo    *time.Time       `json:"valid_to,omitempty"`
	Checksum   string           `json:"checksum"`
	Snapshot   map[string]any   `json:"snapshot"`
}

// versionedEntityCampaign authorizes a version-log read: the branch must be
// visible to the user and the entity must belong to the branch's campaign.
func (s *Service) versionedEntityCampaign(ctx context.Context, t model.EntityType, id, branchID, userID uuid.UUID) (*model.Branch, error) {
	branch, _, err := s.guard.RequireBranchAccess(ctx, branchID, userID)
	if err != nil {
		return nil, err
	}
	campaignID, err := s.db.GetEntityCampaign(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if campaignID != branch.CampaignID {
		return nil, fmt.Errorf("entities: %s %s: %w", t, id, errs.ErrNotFound)
	}
	return branch, nil
}

// GetAsOf reconstructs the entity state visible at worldTime on the branch,
// walking parent branches past each divergence point. Works for deleted
// entities too; the version log outlives the row.
func (s *Service) GetAsOf(ctx context.Context, userID uuid.UUID, t model.EntityType, id, branchID uuid.UUID, worldTime time.Time) (*AsOfState, error) {
	if err := versionedType(t); err != nil {
		return nil, err
	}
	if _, err := s.versionedEntityCampaign(ctx, t, id, branchID, userID); err != nil {
		return nil, err
	}

	rec, err := s.db.ResolveVersion(ctx, t, id, branchID, worldTime)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("entities: %s %s has no state at %s: %w",
			t, id, worldTime.UTC().Format(time.RFC3339), errs.ErrNotFound)
	}
	snap, err := codec.Decode(rec.PayloadGz)
	if err != nil {
		return nil, err
	}
	return &AsOfState{
		EntityType: t,
		EntityID:   id,
		BranchID:   branchID,
		Version:    rec.Version,
		ValidFrom:  rec.ValidFrom,
		ValidTo:    rec.ValidTo,
		Checksum:   rec.Checksum,
		Snapshot:   snap,
	}, nil
}

// History lists the version log for one entity on one branch, newest first.
// Parent-branch records are not included; callers follow the branch chain
// themselves when they want the full lineage.
func (s *Service) History(ctx context.Context, userID uuid.UUID, t model.EntityType, id, branchID uuid.UUID) ([]model.VersionMeta, error) {
	if err := versionedType(t); err != nil {
		return nil, err
	}
	if _, err := s.versionedEntityCampaign(ctx, t, id, branchID, userID); err != nil {
		return nil, err
	}
	return s.db.FindVersionHistory(ctx, t, id, branchID)
}

// VerifyHistory replays the version log for one entity on one branch and
// reports what a reader would trip over: payloads that no longer decode,
// checksums that no longer match, intervals that no longer chain. Defects
// come back as findings on the report, not as errors; the error return is
// for access and storage failures only.
func (s *Service) VerifyHistory(ctx context.Context, userID uuid.UUID, t model.EntityType, id, branchID uuid.UUID) (*integrity.Report, error) {
	if err := versionedType(t); err != nil {
		return nil, err
	}
	if _, err := s.versionedEntityCampaign(ctx, t, id, branchID, userID); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "entities.verify_history", t, id)
	defer span.End()

	records, err := s.db.FindVersionRecords(ctx, t, id, branchID)
	if err != nil {
		return nil, err
	}
	report := integrity.VerifyLog(t, id, branchID, records)
	if !report.Clean() {
		s.logger.Warn("version log verification found defects",
			"entity_type", t, "entity_id", id, "branch_id", branchID,
			"checked", report.Checked, "findings", len(report.Findings))
	}
	return report, nil
}
