// Package plugin defines the uniform driver contract every service
// reconciliation module implements (name/init/on_change/reload/health/
// shutdown) and the ordered registry that fans watch events out to them.
package plugin

import (
	"context"
)

// ChangeKind distinguishes a Put from a tombstone delivered to OnChange.
type ChangeKind int

const (
	ChangePut ChangeKind = iota
	ChangeDelete
)

// Change is one relevant watch event handed to a plugin.
type Change struct {
	Key   string
	Value []byte // nil when Kind == ChangeDelete
	Kind  ChangeKind
}

// Driver is the per-daemon reconciliation module contract. Implementations
// must be tolerant of irrelevant events (treat as no-op) and must not block
// OnChange for longer than their own configured deadline.
type Driver interface {
	// Name returns the driver's stable identifier.
	Name() string
	// Init is called once, after dependency injection, and may start
	// background tasks.
	Init(ctx context.Context) error
	// OnChange is called for every watched event; the driver decides
	// relevance by key prefix.
	OnChange(ctx context.Context, change Change) error
	// Reload re-renders and signals the managed daemon from current state.
	Reload(ctx context.Context) error
	// Health reports whether the driver and its managed daemon are healthy.
	Health(ctx context.Context) bool
	// Shutdown stops background tasks and best-effort quiesces the daemon.
	Shutdown(ctx context.Context) error
}

// Registry holds an ordered, name-unique sequence of drivers. Drivers are
// created during startup and destroyed in reverse order at shutdown.
type Registry struct {
	drivers []Driver
	names   map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register appends d to the registry. It returns an error if a driver with
// the same name is already registered.
func (r *Registry) Register(d Driver) error {
	if r.names[d.Name()] {
		return &DuplicateNameError{Name: d.Name()}
	}
	r.names[d.Name()] = true
	r.drivers = append(r.drivers, d)
	return nil
}

// Drivers returns the registered drivers in registration order.
func (r *Registry) Drivers() []Driver {
	return r.drivers
}

// InitAll calls Init on every driver in registration order, stopping at the
// first failure.
func (r *Registry) InitAll(ctx context.Context) error {
	for _, d := range r.drivers {
		if err := d.Init(ctx); err != nil {
			return &DriverError{Driver: d.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// Dispatch fans change out to every registered driver, in registration
// order, regardless of kind. A driver's own error does not stop dispatch to
// the remaining drivers; each error is returned to the caller for logging.
func (r *Registry) Dispatch(ctx context.Context, change Change) []error {
	var errs []error
	for _, d := range r.drivers {
		if err := d.OnChange(ctx, change); err != nil {
			errs = append(errs, &DriverError{Driver: d.Name(), Op: "on_change", Err: err})
		}
	}
	return errs
}

// ShutdownAll calls Shutdown on every driver in reverse registration order,
// collecting (not stopping on) individual failures.
func (r *Registry) ShutdownAll(ctx context.Context) []error {
	var errs []error
	for i := len(r.drivers) - 1; i >= 0; i-- {
		d := r.drivers[i]
		if err := d.Shutdown(ctx); err != nil {
			errs = append(errs, &DriverError{Driver: d.Name(), Op: "shutdown", Err: err})
		}
	}
	return errs
}

// DuplicateNameError is returned by Register when a name collides.
type DuplicateNameError struct{ Name string }

func (e *DuplicateNameError) Error() string {
	return "plugin: duplicate driver name " + e.Name
}

// DriverError wraps a failure from a specific driver and operation.
type DriverError struct {
	Driver string
	Op     string
	Err    error
}

func (e *DriverError) Error() string {
	return "plugin " + e.Driver + ": " + e.Op + ": " + e.Err.Error()
}

func (e *DriverError) Unwrap() error { return e.Err }
