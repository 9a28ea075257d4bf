// Package worldtime owns the per-campaign world clock. Versioned writes
// that name no explicit instant land at this clock, so advancing it moves
// where new history falls on the world-time axis for every writer in the
// campaign.
package worldtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/errs"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
)

type Service struct {
	db          *storage.DB
	guard       *authz.Guard
	audit       *audit.Recorder
	bus         bus.Publisher
	cache       cache.Store
	allowRewind bool
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New creates the service. allowRewind is the deployment-wide default for
// backward advances; solo-play hosts set it so every caller may rewind
// without the per-call flag.
func New(db *storage.DB, guard *authz.Guard, rec *audit.Recorder, pub bus.Publisher, store cache.Store, allowRewind bool, logger *slog.Logger) *Service {
	return &Service{
		db:          db,
		guard:       guard,
		audit:       rec,
		bus:         pub,
		cache:       store,
		allowRewind: allowRewind,
		logger:      logger.With("component", "worldtime"),
		tracer:      telemetry.Tracer("chronicle/worldtime"),
	}
}

// AdvanceInput moves the campaign clock to To.
type AdvanceInput struct {
	CampaignID uuid.UUID
	To         time.Time

	// BranchID tags the published event with the timeline the caller is
	// playing on. The clock itself is campaign-wide.
	BranchID *uuid.UUID

	// InvalidateCache drops the campaign's assembled evaluation context so
	// the next read reflects the new instant.
	InvalidateCache bool

	// AllowRewind permits moving the clock backward or holding it still.
	// Already-written version records keep their instants; only future
	// writes land at the rewound clock.
	AllowRewind bool
}

// Advance moves the campaign clock under optimistic concurrency. Requires
// a managing role. The clock only moves forward unless AllowRewind is set;
// the first advance accepts any instant.
func (s *Service) Advance(ctx context.Context, userID uuid.UUID, in AdvanceInput) (*model.Campaign, error) {
	role, err := s.guard.RequireCampaignAccess(ctx, in.CampaignID, userID)
	if err != nil {
		return nil, err
	}
	if !role.CanManage() {
		return nil, fmt.Errorf("worldtime: advance campaign %s: %w", in.CampaignID, errs.ErrForbidden)
	}
	if in.To.IsZero() {
		return nil, errs.BadRequestf(errs.CodeInvalidInput, "target world time is required")
	}
	if in.BranchID != nil {
		branch, _, err := s.guard.RequireBranchAccess(ctx, *in.BranchID, userID)
		if err != nil {
			return nil, err
		}
		if branch.CampaignID != in.CampaignID {
			return nil, errs.BadRequestf(errs.CodeInvalidInput,
				"branch %s does not belong to campaign %s", branch.ID, in.CampaignID)
		}
	}

	c, err := s.db.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}
	from := c.CurrentWorldTime
	if from != nil && !in.To.After(*from) && !in.AllowRewind && !s.allowRewind {
		return nil, errs.TimeRegression("world time %s does not move past %s",
			in.To.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	ctx, span := s.tracer.Start(ctx, "worldtime.advance", trace.WithAttributes(
		attribute.String("chronicle.campaign_id", c.ID.String()),
		attribute.String("chronicle.world_time", in.To.Format(time.RFC3339Nano)),
	))
	defer span.End()

	now := time.Now().UTC()
	if err := s.db.AdvanceCampaignWorldTime(ctx, c.ID, in.To, c.Version, now); err != nil {
		return nil, err
	}
	to := in.To
	c.CurrentWorldTime = &to
	c.Version++
	c.UpdatedAt = now

	if in.InvalidateCache {
		if err := s.cache.Delete(ctx, cache.CampaignContextKey(c.ID)); err != nil {
			s.logger.Warn("campaign context eviction failed", "campaign_id", c.ID, "error", err)
		}
	}

	prev := map[string]any{}
	payload := map[string]any{"to": in.To.Format(time.RFC3339Nano)}
	if from != nil {
		prev["current_world_time"] = from.Format(time.RFC3339Nano)
		payload["from"] = from.Format(time.RFC3339Nano)
	}
	s.audit.Record(ctx, audit.Entry{
		EntityType: model.EntityCampaign,
		EntityID:   c.ID,
		Operation:  model.OpUpdate,
		UserID:     userID,
		Previous:   prev,
		Changes:    map[string]any{"current_world_time": in.To.Format(time.RFC3339Nano)},
	})
	s.bus.Publish(ctx, bus.Event{
		Topic:      bus.TopicWorldTimeChanged,
		CampaignID: c.ID,
		BranchID:   in.BranchID,
		Payload:    payload,
		At:         now,
	})
	s.logger.Info("world time advanced", "campaign_id", c.ID, "to", in.To)
	return c, nil
}

// Current returns the campaign clock, nil when it has never been advanced.
func (s *Service) Current(ctx context.Context, userID, campaignID uuid.UUID) (*time.Time, error) {
	if _, err := s.guard.RequireCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	c, err := s.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return c.CurrentWorldTime, nil
}
