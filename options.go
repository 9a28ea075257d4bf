package chronicle

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	notifyURL       string
	redisURL        string
	pubsubURL       string
	logger          *slog.Logger
	version         string
	publisher       Publisher
	eventHooks      []EventHook
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (DATABASE_NOTIFY_URL env var). Set this when using a connection pooler
// (e.g. PgBouncer) for queries — LISTEN/NOTIFY requires a direct
// (non-pooled) connection. Empty disables the invalidation listener.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL overrides the cache endpoint from config (REDIS_URL env var).
// Empty selects the in-memory cache.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithPubSubURL overrides the event bus endpoint from config (PUBSUB_URL
// env var). Empty selects the in-process bus.
func WithPubSubURL(url string) Option {
	return func(o *resolvedOptions) { o.pubsubURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in telemetry and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPublisher replaces the built-in event publisher. Only the last call
// wins. The built-in in-process bus is bypassed entirely, including the
// LISTEN/NOTIFY mirror — delivery to same-database subscribers becomes the
// provided implementation's concern.
func WithPublisher(p Publisher) Option {
	return func(o *resolvedOptions) { o.publisher = p }
}

// WithEventHook registers an event hook to receive post-commit
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. The FS must contain sequential
// SQL files named so lexical order is application order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
