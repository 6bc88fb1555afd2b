// Package plugin provides the public SDK types for SignalFleet modules.
// All SignalFleet modules (fleet, telemetry, liveness, dispatch) implement
// these interfaces and are composed by the registry at startup.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API version constants for module compatibility checking.
// The registry rejects modules outside the supported range.
const (
	APIVersionMin     = 1 // Oldest module API version this server supports
	APIVersionCurrent = 1 // Current module API version
)

// Plugin defines the lifecycle interface that all SignalFleet modules implement.
type Plugin interface {
	// Info returns the module's metadata and dependency declarations.
	Info() PluginInfo

	// Init initializes the module with its dependencies.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// PluginInfo contains module metadata and dependency declarations.
type PluginInfo struct {
	Name         string   // Unique identifier: "fleet", "telemetry", "liveness", "dispatch"
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Dependencies []string // Module names that must initialize first
	Required     bool     // If true, server refuses to start without this module
	APIVersion   int      // Module API version targeted (currently 1)
}

// Dependencies provides controlled access to shared services.
// Injected by the registry during Init.
type Dependencies struct {
	Config  Config      // Scoped to this module's config section
	Logger  *zap.Logger // Named logger for this module
	Store   Store       // Shared database with per-module migrations
	Bus     EventBus    // Event publish/subscribe for inter-module communication
	Plugins PluginResolver
}

// Route represents an HTTP route exposed by a module.
// Routes are mounted under /api/v1/{module}{Path}.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider is implemented by modules that expose HTTP routes.
type HTTPProvider interface {
	Routes() []Route
}

// Migration is a single schema migration step. Migrations are tracked
// per module and applied in ascending Version order exactly once.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store abstracts the shared persistent store. Backed by SQLite today.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events (follows io.Writer pattern).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus. Use this thin interface in
// code that only needs to listen for events (follows io.Reader pattern).
type Subscriber interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventBus provides typed publish/subscribe for inter-module communication.
type EventBus interface {
	Publisher
	Subscriber
	PublishAsync(ctx context.Context, event Event)
}

// Event represents a typed message on the event bus.
type Event struct {
	Topic     string
	Source    string // Module name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus.
type EventHandler func(ctx context.Context, event Event)

// PluginResolver allows modules to locate other modules by name.
type PluginResolver interface {
	Resolve(name string) (Plugin, bool)
}
