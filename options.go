package herd

import (
	"time"

	"github.com/herdlib/herd/types"
)

// Option configures a Herder with optional dependencies.
type Option func(*herderOptions)

// herderOptions holds optional Herder configuration.
type herderOptions struct {
	logger         Logger
	metrics        MetricsCollector
	hooks          *Hooks
	restartPlanner RestartPlanner
	keyGenerator   KeyGenerator
	clock          Clock
}

// Clock abstracts time for deterministic tests. Production code uses the
// system clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewHerder
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	h, _ := herd.NewHerder(&cfg, member, store, exec, herd.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *herderOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewHerder
//
// Example:
//
//	collector := metrics.NewPrometheusCollector(metrics.DefaultPrometheusConfig())
//	h, _ := herd.NewHerder(&cfg, member, store, exec, herd.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *herderOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewHerder
//
// Example:
//
//	hooks := &herd.Hooks{
//	    OnAssignmentChanged: func(ctx context.Context, addedC, removedC []string, addedT, removedT []herd.TaskID) error {
//	        return handleChanges(addedC, removedC, addedT, removedT)
//	    },
//	}
//	h, _ := herd.NewHerder(&cfg, member, store, exec, herd.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *herderOptions) {
		o.hooks = hooks
	}
}

// RestartPlanner decides what a restart request actually restarts.
//
// Given a coalesced restart request and the current status of the named
// connector's instances, it produces the concrete plan: whether the
// connector object itself restarts and which task IDs restart.
type RestartPlanner interface {
	// Plan builds a restart plan for one connector.
	//
	// Parameters:
	//   - req: Coalesced restart request
	//   - state: Current cluster configuration snapshot
	//   - connectorFailed: Whether the connector object is currently failed
	//   - failedTasks: Tasks currently reported failed by the runtime
	//
	// Returns:
	//   - types.RestartPlan: Concrete restart actions (may be empty)
	Plan(req types.RestartRequest, state *types.ClusterConfigState, connectorFailed bool, failedTasks []types.TaskID) types.RestartPlan
}

// WithRestartPlanner overrides the default restart planning policy.
//
// Parameters:
//   - planner: RestartPlanner implementation
//
// Returns:
//   - Option: Functional option for NewHerder
func WithRestartPlanner(planner RestartPlanner) Option {
	return func(o *herderOptions) {
		o.restartPlanner = planner
	}
}

// KeyGenerator mints session keys. The default generator reads
// crypto/rand; tests inject deterministic generators.
type KeyGenerator interface {
	// Generate returns key material of the given size in bytes.
	Generate(size int) ([]byte, error)
}

// WithKeyGenerator overrides the session key generator.
//
// Parameters:
//   - gen: KeyGenerator implementation
//
// Returns:
//   - Option: Functional option for NewHerder
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(o *herderOptions) {
		o.keyGenerator = gen
	}
}

// WithClock overrides the time source. Intended for tests that need
// deterministic request-queue deadlines and key expiry.
//
// Parameters:
//   - clock: Clock implementation
//
// Returns:
//   - Option: Functional option for NewHerder
func WithClock(clock Clock) Option {
	return func(o *herderOptions) {
		o.clock = clock
	}
}
