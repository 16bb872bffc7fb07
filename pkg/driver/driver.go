// Package driver defines the per-(entity,source) CRUD contract a data
// source must implement (spec.md §4.2), a static runtime registry binding
// driver instances to (entity, source) pairs (the replacement for the
// teacher's compile-time type index, per spec.md §9), and two reference
// drivers.
//
// The contract itself is the direct generalisation of the teacher's
// pkg/crud.Actions interface (Create/Update/Delete against an Arg) to the
// spec's get/set/delete-over-a-Document shape.
package driver

import (
	"context"
	"fmt"

	"github.com/quorumsync/reconciler/pkg/document"
	"github.com/quorumsync/reconciler/pkg/errs"
	"github.com/quorumsync/reconciler/pkg/keys"
)

// Config is the per-driver configuration bag declared in the
// configuration file under entities.<entity>.<source>.*.
type Config map[string]string

// Driver is the contract a data source implements for one (entity,
// source) pair.
type Driver interface {
	// Get returns the current Document for fk. It fails with an
	// errs.NotFound *errs.Error if fk no longer exists, or errs.Unavailable
	// on transport error.
	Get(ctx context.Context, fk string) (document.Document, error)
	// Set upserts doc. If fk is empty, the driver creates a new record and
	// returns its assigned foreign key. Idempotency is not required — the
	// Reconciler avoids duplicate calls.
	Set(ctx context.Context, doc document.Document, fk string) (assignedFK string, err error)
	// Delete removes fk. A missing fk is treated as success.
	Delete(ctx context.Context, fk string) error
}

// Initializer is implemented by drivers that need startup work (opening
// connections, warming caches) before serving calls.
type Initializer interface {
	Init(ctx context.Context, cfg Config) error
}

// Finalizer is implemented by drivers that need to release resources.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// Registration names one driver instance under the (entity, source) pair
// it serves.
type Registration struct {
	Entity keys.Entity
	Source keys.Source
	Driver Driver
	Config Config
}

// Registry is the static mapping from (entity, source) to a driver
// instance, built once at startup. Initialisation runs in declared order;
// finalisation runs in reverse.
type Registry struct {
	order []Registration
	byKey map[registryKey]Driver
}

type registryKey struct {
	entity keys.Entity
	source keys.Source
}

// NewRegistry builds a Registry from registrations, preserving their
// declared order for Init/Finalize sequencing.
func NewRegistry(registrations ...Registration) *Registry {
	r := &Registry{
		order: append([]Registration{}, registrations...),
		byKey: make(map[registryKey]Driver, len(registrations)),
	}
	for _, reg := range registrations {
		r.byKey[registryKey{reg.Entity, reg.Source}] = reg.Driver
	}
	return r
}

// Lookup returns the driver registered for (entity, source).
func (r *Registry) Lookup(entity keys.Entity, source keys.Source) (Driver, error) {
	d, ok := r.byKey[registryKey{entity, source}]
	if !ok {
		return nil, errs.New(errs.UnknownSource, fmt.Errorf("no driver registered for %s/%s", entity, source))
	}
	return d, nil
}

// Sources returns the declared sources for entity, in registration order.
func (r *Registry) Sources(entity keys.Entity) []keys.Source {
	var out []keys.Source
	for _, reg := range r.order {
		if reg.Entity == entity {
			out = append(out, reg.Source)
		}
	}
	return out
}

// Init initialises every registered driver that implements Initializer,
// in declared order, stopping at the first failure.
func (r *Registry) Init(ctx context.Context) error {
	for _, reg := range r.order {
		init, ok := reg.Driver.(Initializer)
		if !ok {
			continue
		}
		if err := init.Init(ctx, reg.Config); err != nil {
			return fmt.Errorf("initializing driver %s/%s: %w", reg.Entity, reg.Source, err)
		}
	}
	return nil
}

// Finalize finalises every registered driver that implements Finalizer, in
// reverse declared order, collecting (not stopping at) failures.
func (r *Registry) Finalize(ctx context.Context) error {
	var errsList []error
	for i := len(r.order) - 1; i >= 0; i-- {
		reg := r.order[i]
		fin, ok := reg.Driver.(Finalizer)
		if !ok {
			continue
		}
		if err := fin.Finalize(ctx); err != nil {
			errsList = append(errsList, fmt.Errorf("finalizing driver %s/%s: %w", reg.Entity, reg.Source, err))
		}
	}
	if len(errsList) > 0 {
		return fmt.Errorf("finalizing drivers: %v", errsList)
	}
	return nil
}
