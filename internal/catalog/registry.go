// Package catalog implements the materialized-view registry: the single
// source of truth the planner reads from and the builder writes to.
//
// Readers never block. The registry holds one atomically-swapped immutable
// snapshot (a map of name -> Descriptor plus a monotonic epoch number). A
// writer builds a new snapshot, swaps the pointer, and the old snapshot is
// retired only once every reader that acquired it before the swap has
// released it -- this is what lets the builder safely remove a retired
// ready/ directory without racing an in-flight reader.
//
// A Registry constructed with a checkpoint (NewRegistryWithCheckpoint) also
// persists its whole descriptor map, as one JSON blob, to an
// infrastructure/state.PersistentState after every swap -- via
// CompareAndSwap against the previously-persisted bytes, falling back to a
// plain Save the first time or if an out-of-band writer raced it. Hydrate
// restores that blob into a fresh registry at process startup, ahead of any
// per-MV manifest.json hydration (see catalog.Hydrate).
package catalog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	infrastate "github.com/adanalytics/queryaccel/infrastructure/state"
)

// checkpointKey is the single PersistentState key a Registry's whole
// descriptor map is saved under.
const checkpointKey = "registry-snapshot"

type snapshot struct {
	epoch       uint64
	descriptors map[string]Descriptor
}

// Registry is the concurrency-safe MV catalog.
type Registry struct {
	current atomic.Pointer[snapshot]

	mu        sync.Mutex // serializes writers (register/mark)
	nextEpoch uint64

	epochMu    sync.Mutex
	refCounts  map[uint64]int
	retireFunc map[uint64][]func()

	checkpoint *infrastate.PersistentState
}

// NewRegistry constructs an empty registry with no durable checkpointing.
func NewRegistry() *Registry {
	r := &Registry{
		refCounts:  make(map[uint64]int),
		retireFunc: make(map[uint64][]func()),
	}
	r.current.Store(&snapshot{epoch: 0, descriptors: make(map[string]Descriptor)})
	return r
}

// NewRegistryWithCheckpoint constructs an empty registry that persists its
// descriptor map to backend after every mutation. Call Hydrate afterward to
// restore a previously-persisted snapshot.
func NewRegistryWithCheckpoint(backend infrastate.PersistenceBackend) (*Registry, error) {
	checkpoint, err := infrastate.NewPersistentState(infrastate.Config{
		Backend:   backend,
		KeyPrefix: "catalog:",
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "constructing registry checkpoint", err)
	}
	r := NewRegistry()
	r.checkpoint = checkpoint
	return r, nil
}

// Hydrate restores the registry's descriptor map from its checkpoint, if
// one was ever persisted. A registry with no checkpoint configured, or one
// whose checkpoint has never been written, is left empty.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.checkpoint == nil {
		return nil
	}

	data, err := r.checkpoint.Load(ctx, checkpointKey)
	if err != nil {
		if stderrors.Is(err, infrastate.ErrNotFound) {
			return nil
		}
		return errors.Wrap(errors.KindFatal, "loading registry checkpoint", err)
	}

	var descriptors map[string]Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return errors.Wrap(errors.KindFatal, "decoding registry checkpoint", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current.Load()
	r.swapLocked(ctx, old, func(next map[string]Descriptor) {
		for name, d := range descriptors {
			next[name] = d
		}
	}, nil, false)
	return nil
}

// Acquire pins the current snapshot for the duration of a read, returning
// the descriptors visible at this instant and a release function the
// caller must call exactly once when done.
func (r *Registry) Acquire() (map[string]Descriptor, func()) {
	snap := r.current.Load()

	r.epochMu.Lock()
	r.refCounts[snap.epoch]++
	r.epochMu.Unlock()

	release := func() {
		r.epochMu.Lock()
		r.refCounts[snap.epoch]--
		count := r.refCounts[snap.epoch]
		var callbacks []func()
		if count == 0 {
			callbacks = r.retireFunc[snap.epoch]
			delete(r.refCounts, snap.epoch)
			delete(r.retireFunc, snap.epoch)
		}
		r.epochMu.Unlock()
		for _, cb := range callbacks {
			cb()
		}
	}
	return snap.descriptors, release
}

// ListHealthy returns every descriptor currently in StateHealthy.
func (r *Registry) ListHealthy() []Descriptor {
	descriptors, release := r.Acquire()
	defer release()

	out := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.State == StateHealthy {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Get returns the descriptor for name, if any.
func (r *Registry) Get(name string) (Descriptor, bool) {
	descriptors, release := r.Acquire()
	defer release()
	d, ok := descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// Register adds a new HEALTHY descriptor to the registry, rejecting it if
// another HEALTHY descriptor already shares its schema fingerprint (schema
// drift).
func (r *Registry) Register(ctx context.Context, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if d.State == StateHealthy {
		for name, existing := range old.descriptors {
			if name == d.Name {
				continue
			}
			if existing.State == StateHealthy && existing.SchemaFingerprint == d.SchemaFingerprint {
				return errors.NewSchemaDriftError(d.Name, nil).
					WithDetails("conflicts_with", name)
			}
		}
	}

	r.swapLocked(ctx, old, func(next map[string]Descriptor) {
		next[d.Name] = d.Clone()
	}, nil, true)
	return nil
}

// Mark transitions an existing descriptor to a new state, optionally
// attaching a quarantine reason. retireOldFiles, if non-nil, is deferred
// until every reader that observed the previous snapshot has released it --
// the builder uses this to delay deleting a retired ready/ directory.
func (r *Registry) Mark(ctx context.Context, name string, state State, reason string, retireOldFiles func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	existing, ok := old.descriptors[name]
	if !ok {
		return errors.NewInputError("unknown materialized view " + name)
	}
	existing.State = state
	if state == StateQuarantined {
		existing.QuarantineReason = reason
	}

	r.swapLocked(ctx, old, func(next map[string]Descriptor) {
		next[name] = existing
	}, retireOldFiles, true)
	return nil
}

// Remove deletes a descriptor entirely (used when a build is abandoned
// before ever reaching HEALTHY).
func (r *Registry) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, ok := old.descriptors[name]; !ok {
		return
	}
	r.swapLocked(ctx, old, func(next map[string]Descriptor) {
		delete(next, name)
	}, nil, true)
}

// swapLocked must be called with r.mu held. It builds the next snapshot
// from a copy of the current one, installs it, schedules retirement of the
// previous snapshot's epoch, and -- when persist is true and a checkpoint
// is configured -- durably saves the new descriptor map before returning.
func (r *Registry) swapLocked(ctx context.Context, old *snapshot, mutate func(map[string]Descriptor), onRetired func(), persist bool) {
	next := make(map[string]Descriptor, len(old.descriptors)+1)
	for k, v := range old.descriptors {
		next[k] = v
	}
	mutate(next)

	r.nextEpoch++
	newSnap := &snapshot{epoch: r.nextEpoch, descriptors: next}
	r.current.Store(newSnap)

	if persist && r.checkpoint != nil {
		// Best-effort: the in-memory swap has already succeeded, and a
		// failed checkpoint write only risks losing durability across a
		// restart, not correctness of the live registry.
		_ = r.persistCheckpoint(ctx, next)
	}

	if onRetired == nil {
		return
	}

	r.epochMu.Lock()
	if r.refCounts[old.epoch] == 0 {
		r.epochMu.Unlock()
		onRetired()
		return
	}
	r.retireFunc[old.epoch] = append(r.retireFunc[old.epoch], onRetired)
	r.epochMu.Unlock()
}

// persistCheckpoint saves descriptors to the checkpoint backend as one JSON
// blob, attempting a CompareAndSwap against the previously-persisted bytes
// and falling back to a plain Save if the key doesn't exist yet or the CAS
// loses to a concurrent out-of-band writer.
func (r *Registry) persistCheckpoint(ctx context.Context, descriptors map[string]Descriptor) error {
	data, err := json.Marshal(descriptors)
	if err != nil {
		return errors.Wrap(errors.KindFatal, "encoding registry checkpoint", err)
	}

	previous, loadErr := r.checkpoint.Load(ctx, checkpointKey)
	if loadErr != nil {
		if !stderrors.Is(loadErr, infrastate.ErrNotFound) {
			return errors.Wrap(errors.KindFatal, "loading registry checkpoint before swap", loadErr)
		}
		return r.checkpoint.Save(ctx, checkpointKey, data)
	}

	swapped, casErr := r.checkpoint.CompareAndSwap(ctx, checkpointKey, previous, data)
	if casErr != nil {
		return errors.Wrap(errors.KindFatal, "compare-and-swap of registry checkpoint", casErr)
	}
	if !swapped {
		return r.checkpoint.Save(ctx, checkpointKey, data)
	}
	return nil
}
