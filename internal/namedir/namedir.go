// Package namedir implements the global name directory: allocation of
// monotonically increasing reference ids and the simple blocking API an
// external publisher uses to learn when an id has at least one known
// concrete reference.
package namedir

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// ErrStopping is returned by WaitForCompletion when the directory has been
// stopped while a caller was blocked.
var ErrStopping = errors.New("namedir: server stopping")

type entry struct {
	producerTaskID *string
	refs           []types.Reference
}

// Directory allocates reference ids and tracks their producer and any
// refs reported for them so far.
type Directory struct {
	mu        sync.Mutex
	cond      *sync.Cond
	nextID    types.RefID
	entries   map[types.RefID]*entry
	stopping  bool
	bus       *eventbus.Bus
}

// New builds an empty Directory. bus may be nil if no global_name_available
// notifications are needed (e.g. in isolated unit tests).
func New(bus *eventbus.Bus) *Directory {
	d := &Directory{
		entries: make(map[types.RefID]*entry),
		bus:     bus,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Allocate returns the next id and records its optional producing task.
func (d *Directory) Allocate(producerTaskID *string) types.RefID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.entries[id] = &entry{producerTaskID: producerTaskID}
	return id
}

// AddRefsForID appends refs to id's known list, wakes anyone blocked in
// WaitForCompletion for this id, and publishes global_name_available.
func (d *Directory) AddRefsForID(id types.RefID, refs []types.Reference) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		e = &entry{}
		d.entries[id] = e
	}
	e.refs = append(e.refs, refs...)
	d.cond.Broadcast()
	d.mu.Unlock()

	if d.bus != nil {
		d.bus.Publish(eventbus.TopicGlobalNameAvailable, GlobalNameAvailable{ID: id, Refs: refs})
	}
}

// GlobalNameAvailable is the payload published on TopicGlobalNameAvailable.
type GlobalNameAvailable struct {
	ID   types.RefID
	Refs []types.Reference
}

// WaitForCompletion blocks until id has at least one known reference, or
// the directory is stopped. If refs are already known it returns
// immediately.
func (d *Directory) WaitForCompletion(id types.RefID) ([]types.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if e, ok := d.entries[id]; ok && len(e.refs) > 0 {
			out := make([]types.Reference, len(e.refs))
			copy(out, e.refs)
			return out, nil
		}
		if d.stopping {
			return nil, ErrStopping
		}
		d.cond.Wait()
	}
}

// Stop wakes every blocked waiter with ErrStopping.
func (d *Directory) Stop() {
	d.mu.Lock()
	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// ProducerTaskID returns the task id recorded for id, if any.
func (d *Directory) ProducerTaskID(id types.RefID) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok || e.producerTaskID == nil {
		return "", false
	}
	return *e.producerTaskID, true
}
