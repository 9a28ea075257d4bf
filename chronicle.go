// Package chronicle is the public API for embedding the campaign-state
// store.
//
// The world-simulation backend constructs an App, starts its lifecycle,
// and reaches the typed services through accessors:
//
//	app, err := chronicle.New(
//	    chronicle.WithVersion(version),
//	    chronicle.WithLogger(logger),
//	    chronicle.WithEventHook(rulesWorkerNotifier{}),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//	campaign, branch, err := app.Campaigns().CreateCampaign(ctx, userID, input)
//
// The import graph enforces a strict no-cycle rule: chronicle (root)
// imports internal/*, but internal/* never imports the root. Public types
// (Event) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of
// the boundary.
package chronicle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/loreweave/chronicle/internal/audit"
	"github.com/loreweave/chronicle/internal/authz"
	"github.com/loreweave/chronicle/internal/bus"
	"github.com/loreweave/chronicle/internal/cache"
	"github.com/loreweave/chronicle/internal/config"
	"github.com/loreweave/chronicle/internal/ctxutil"
	"github.com/loreweave/chronicle/internal/depgraph"
	"github.com/loreweave/chronicle/internal/model"
	"github.com/loreweave/chronicle/internal/service/branches"
	"github.com/loreweave/chronicle/internal/service/campaigns"
	"github.com/loreweave/chronicle/internal/service/entities"
	"github.com/loreweave/chronicle/internal/service/variables"
	"github.com/loreweave/chronicle/internal/service/worldtime"
	"github.com/loreweave/chronicle/internal/storage"
	"github.com/loreweave/chronicle/internal/telemetry"
	"github.com/loreweave/chronicle/migrations"
)

const (
	// shutdownPhaseTimeout bounds each Shutdown phase separately, so early
	// completion does not steal budget from later phases.
	shutdownPhaseTimeout = 10 * time.Second

	// hookTimeout bounds one event's fan-out to registered hooks.
	hookTimeout = 10 * time.Second
)

// App is the chronicle lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	db           *storage.DB
	store        cache.Store
	publisher    bus.Publisher
	mirror       *bus.Memory // non-nil when the in-process bus is active
	audit        *audit.Recorder
	grants       *authz.GrantCache
	graph        *depgraph.Service
	campaigns    *campaigns.Service
	branches     *branches.Service
	entities     *entities.Service
	variables    *variables.Service
	worldtime    *worldtime.Service
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the store. It connects to the database, runs migrations,
// and wires all subsystems, returning a ready-to-run App. It does NOT
// start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.pubsubURL != "" {
		cfg.PubSubURL = o.pubsubURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chronicle starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations, then any the host registered.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify a core table exists after migration, so a silently failed
	// migration surfaces here instead of on the first write.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'entity_versions')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("table 'entity_versions' does not exist after migration")
	}

	// Computed-state cache.
	var store cache.Store
	if cfg.RedisURL != "" {
		store, err = cache.NewRedis(context.Background(), cfg.RedisURL, logger)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("cache: %w", err)
		}
		logger.Info("cache: redis")
	} else {
		store = cache.NewMemory()
		logger.Info("cache: memory (in-process)")
	}

	// Access guard with grant cache.
	grants := authz.NewGrantCache(cfg.GrantTTL)
	guard := authz.NewGuard(db, grants, logger)

	// Event publisher — external override takes priority, then Redis, then
	// the in-process bus. Only the in-process bus feeds the LISTEN/NOTIFY
	// mirror; the other backends already cross process boundaries.
	var publisher bus.Publisher
	var mirror *bus.Memory
	switch {
	case o.publisher != nil:
		publisher = &publisherAdapter{p: o.publisher}
		logger.Info("bus: external publisher")
	case cfg.PubSubURL != "":
		publisher, err = bus.NewRedis(context.Background(), cfg.PubSubURL, logger)
		if err != nil {
			grants.Close()
			_ = store.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("bus: %w", err)
		}
		logger.Info("bus: redis pub/sub")
	default:
		mem := bus.NewMemory(logger)
		publisher, mirror = mem, mem
		logger.Info("bus: memory (in-process)")
	}
	if len(o.eventHooks) > 0 {
		publisher = &hookPublisher{inner: publisher, hooks: o.eventHooks, logger: logger}
	}

	// Audit recorder (flush loop starts in Run).
	rec := audit.NewRecorder(db, logger, cfg.AuditBatchSize, cfg.AuditFlushInterval)

	// Dependency graph cache.
	graph := depgraph.New(db, logger, cfg.GraphTTL)

	return &App{
		db:           db,
		store:        store,
		publisher:    publisher,
		mirror:       mirror,
		audit:        rec,
		grants:       grants,
		graph:        graph,
		campaigns:    campaigns.New(db, guard, rec, store, logger),
		branches:     branches.New(db, guard, rec, publisher, logger),
		entities:     entities.New(db, guard, rec, publisher, store, cfg.EventGracePeriod, logger),
		variables:    variables.New(db, guard, rec, publisher, store, graph, cfg.CacheTTL, cfg.ContextCacheTTL, logger),
		worldtime:    worldtime.New(db, guard, rec, publisher, store, cfg.AllowTimeRewind, logger),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Campaigns returns the world, campaign and membership service.
func (a *App) Campaigns() *campaigns.Service { return a.campaigns }

// Branches returns the branch, merge and cherry-pick service.
func (a *App) Branches() *branches.Service { return a.branches }

// Entities returns the entity store.
func (a *App) Entities() *entities.Service { return a.entities }

// Variables returns the state-variable and evaluation service.
func (a *App) Variables() *variables.Service { return a.variables }

// WorldTime returns the world-clock service.
func (a *App) WorldTime() *worldtime.Service { return a.worldtime }

// Audit returns the audit recorder. Its List method queries the persisted
// mutation trail.
func (a *App) Audit() *audit.Recorder { return a.audit }

// Ping checks database connectivity.
func (a *App) Ping(ctx context.Context) error { return a.db.Ping(ctx) }

// WithReason annotates ctx so that mutations made under it carry the given
// explanation in their audit entries. Operations that set an explicit reason
// keep their own.
func WithReason(ctx context.Context, reason string) context.Context {
	return ctxutil.WithReason(ctx, reason)
}

// Run starts the audit flush loop and the notification loops, then blocks
// until ctx is cancelled. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.audit.Start(ctx)
	if a.mirror != nil {
		go a.notifyMirrorLoop(ctx)
	}
	if a.db.NotifyConn() != nil {
		go a.invalidationLoop(ctx)
	}

	a.logger.Info("chronicle running", "version", a.version)
	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful stop: (1) drain the audit buffer to
// Postgres, (2) drain and close the event publisher, then stop the caches
// and close the database pool and OTEL providers. Each phase gets its own
// timeout so early completion doesn't steal budget from later phases.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chronicle shutting down")

	var firstErr error

	// Phase 1: audit drain.
	auditCtx, auditCancel := contextWithOptionalTimeout(ctx, shutdownPhaseTimeout)
	a.audit.Drain(auditCtx)
	auditCancel()
	if n := a.audit.Len(); n > 0 {
		firstErr = fmt.Errorf("audit drain incomplete: %d entries unflushed", n)
		a.logger.Error("audit drain incomplete — unflushed entries will be lost", "remaining", n)
	}

	// Phase 2: publisher drain.
	busCtx, busCancel := contextWithOptionalTimeout(ctx, shutdownPhaseTimeout)
	if err := a.publisher.Close(busCtx); err != nil {
		a.logger.Error("publisher close error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	busCancel()

	// Cleanup.
	a.graph.Close()
	a.grants.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("cache close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("chronicle stopped")
	return firstErr
}

// ── Background loops ───────────────────────────────────────────────────────────

// notifyMirrorLoop forwards in-process bus events to Postgres NOTIFY
// channels so co-located workers and other instances sharing the database
// can follow mutations without polling. Delivery is best-effort, same as
// the bus itself.
func (a *App) notifyMirrorLoop(ctx context.Context) {
	sub := a.mirror.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				a.logger.Warn("notify mirror: event not serializable", "topic", ev.Topic, "error", err)
				continue
			}
			channel := storage.ChannelMutations
			if ev.Topic == bus.TopicBranchMerged {
				channel = storage.ChannelMerges
			}
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.db.Notify(opCtx, channel, string(payload)); err != nil && ctx.Err() == nil {
				a.logger.Warn("notify mirror: send failed", "topic", ev.Topic, "error", err)
			}
			cancel()
		}
	}
}

// invalidationLoop follows the NOTIFY channels and drops local cached
// state described by each event. In a multi-instance deployment with
// in-memory caches this is what keeps an instance from serving computed
// state another instance has already superseded.
func (a *App) invalidationLoop(ctx context.Context) {
	if err := a.db.Listen(ctx, storage.ChannelMutations); err != nil {
		a.logger.Error("invalidation listener: listen mutations", "error", err)
		return
	}
	if err := a.db.Listen(ctx, storage.ChannelMerges); err != nil {
		a.logger.Error("invalidation listener: listen merges", "error", err)
		return
	}
	a.logger.Info("invalidation listener: following notifications",
		"channels", []string{storage.ChannelMutations, storage.ChannelMerges})

	for {
		_, payload, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("invalidation listener: notification error, retrying", "error", err)
			continue
		}

		var ev bus.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.logger.Warn("invalidation listener: bad payload", "error", err)
			continue
		}
		a.applyInvalidation(ctx, ev)
	}
}

// applyInvalidation maps one mutation event to local evictions. Events
// from this instance re-evict entries the services already dropped; that
// is harmless.
func (a *App) applyInvalidation(ctx context.Context, ev bus.Event) {
	switch {
	case ev.Topic == bus.TopicWorldTimeChanged:
		if err := a.store.Delete(ctx, cache.CampaignContextKey(ev.CampaignID)); err != nil {
			a.logger.Warn("invalidation listener: campaign context eviction failed", "error", err)
		}
	case ev.Topic == bus.TopicBranchMerged:
		a.graph.InvalidateGraph(ev.CampaignID)
	case bus.MatchTopic("variable.*", ev.Topic):
		a.graph.InvalidateGraph(ev.CampaignID)
		scope, _ := ev.Payload["scope"].(string)
		scopeID, _ := ev.Payload["scope_id"].(string)
		t, ok := model.VariableScope(scope).EntityType()
		if !ok || scopeID == "" {
			return
		}
		id, err := uuid.Parse(scopeID)
		if err != nil {
			return
		}
		if err := a.store.DeleteByPrefix(ctx, cache.ComputedFieldsPrefix(t, id)); err != nil {
			a.logger.Warn("invalidation listener: computed-field eviction failed", "error", err)
		}
	default:
		id, ok := bus.EntityIDFromTopic(ev.Topic)
		if !ok {
			return
		}
		t, _ := ev.Payload["entity_type"].(string)
		if t == "" {
			return
		}
		if err := a.store.DeleteByPrefix(ctx, cache.ComputedFieldsPrefix(model.EntityType(t), id)); err != nil {
			a.logger.Warn("invalidation listener: computed-field eviction failed", "error", err)
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// publisherAdapter wraps a chronicle.Publisher to satisfy bus.Publisher.
type publisherAdapter struct {
	p Publisher
}

func (a *publisherAdapter) Publish(ctx context.Context, event bus.Event) {
	a.p.Publish(ctx, toPublicEvent(event))
}

func (a *publisherAdapter) Close(ctx context.Context) error {
	return a.p.Close(ctx)
}

// hookPublisher tees committed events to registered hooks after handing
// them to the inner publisher. Hooks run detached from the request context
// with their own deadline, so a slow hook cannot extend a mutation.
type hookPublisher struct {
	inner  bus.Publisher
	hooks  []EventHook
	logger *slog.Logger
}

func (p *hookPublisher) Publish(ctx context.Context, event bus.Event) {
	p.inner.Publish(ctx, event)

	ev := toPublicEvent(event)
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range p.hooks {
			var err error
			if ev.Topic == TopicWorldTimeChanged {
				err = h.OnWorldTimeAdvanced(hookCtx, ev)
			} else {
				err = h.OnStateChanged(hookCtx, ev)
			}
			if err != nil {
				p.logger.Warn("event hook failed", "topic", ev.Topic, "error", err)
			}
		}
	}()
}

func (p *hookPublisher) Close(ctx context.Context) error {
	return p.inner.Close(ctx)
}

// ── Converters ─────────────────────────────────────────────────────────────────

// toPublicEvent converts an internal bus event to the public mirror.
func toPublicEvent(e bus.Event) Event {
	return Event{
		Topic:      e.Topic,
		CampaignID: e.CampaignID,
		BranchID:   e.BranchID,
		Payload:    e.Payload,
		At:         e.At,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
