package taskpool

import (
	"github.com/ChuLiYu/dataflow-master/internal/eventbus"
	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// admitNotify, stateChangeNotify, jobNotify, and pendingError are deferred
// side effects captured while mu is held and applied after it is
// released, so no outgoing call (journal write, job wake-up, schedule
// publish) ever happens while a consumer could re-enter the pool.
type admitNotify struct {
	jobID string
	task  *types.Task
}

type stateChangeNotify struct {
	jobID, taskID string
	old, new      types.TaskState
}

type jobNotify struct {
	jobID string
	ref   types.Reference
}

type pendingError struct {
	id     types.RefID
	reason types.FailureReason
	detail string
}

type effects struct {
	scheduleNeeded bool
	admissions     []admitNotify
	stateChanges   []stateChangeNotify
	jobNotifies    []jobNotify
	pendingErrors  []pendingError
}

func newEffects() *effects {
	return &effects{}
}

// apply fires every deferred side effect. Must be called with mu NOT
// held.
func (p *Pool) apply(e *effects) {
	for _, a := range e.admissions {
		if p.hooks.OnTaskAdmitted != nil {
			p.hooks.OnTaskAdmitted(a.jobID, a.task)
		}
	}
	for _, s := range e.stateChanges {
		if p.hooks.OnStateChange != nil {
			p.hooks.OnStateChange(s.jobID, s.taskID, s.old, s.new)
		}
	}
	for _, j := range e.jobNotifies {
		if p.hooks.OnJobRootRef != nil {
			p.hooks.OnJobRootRef(j.jobID, j.ref)
		}
	}
	if e.scheduleNeeded && p.bus != nil {
		p.bus.Publish(eventbus.TopicSchedule, nil)
	}
	for _, pe := range e.pendingErrors {
		ref := types.NewError(pe.id, string(pe.reason), pe.detail)
		p.PublishError(pe.id, ref)
	}
}

// PublishError publishes a terminal Error reference for id. It is exported
// so that the deferred pending-error effects above (and any other caller
// needing to force-fail an output) can publish outside the pool's lock.
func (p *Pool) PublishError(id types.RefID, ref types.Reference) {
	p.mu.Lock()
	e := newEffects()
	p.publishRef(e, id, ref)
	p.mu.Unlock()
	p.apply(e)
}

// recordStateChange updates t.State's bookkeeping and queues a
// notification. Must be called with mu held; t.State itself is set by the
// caller before or after this call (this only records the transition for
// the deferred hook).
func (p *Pool) recordStateChange(e *effects, t *types.Task, old, new types.TaskState) {
	e.stateChanges = append(e.stateChanges, stateChangeNotify{
		jobID: t.JobID, taskID: t.ID, old: old, new: new,
	})
}

// reduce is the breadth-first graph-reduction walk. Must be called with mu
// held. demanded is the set of reference ids whose producers should be
// admitted if CREATED; seeds are tasks to process regardless of what
// demanded them (a just-added task, or a task retried/re-rooted after
// failure). ignoreEndpoints, when non-empty, blacklists those netlocs from
// any Concrete reference encountered while resolving dependencies.
func (p *Pool) reduce(e *effects, demanded map[types.RefID]struct{}, seeds []string, ignoreEndpoints map[string]struct{}) {
	var queue []string
	queued := make(map[string]bool)

	enqueue := func(taskID string) {
		if queued[taskID] {
			return
		}
		queued[taskID] = true
		queue = append(queue, taskID)
	}

	for id := range demanded {
		producerID, ok := p.taskForOutput[id]
		if !ok {
			continue
		}
		producer := p.tasks[producerID]
		if producer.State == types.TaskCreated {
			old := producer.State
			producer.State = types.TaskBlocking
			p.recordStateChange(e, producer, old, types.TaskBlocking)
		}
		enqueue(producerID)
	}

	for _, seedID := range seeds {
		t, ok := p.tasks[seedID]
		if !ok {
			continue
		}
		if t.State == types.TaskCreated || t.State == types.TaskFailed {
			old := t.State
			t.State = types.TaskBlocking
			p.recordStateChange(e, t, old, types.TaskBlocking)
		}
		enqueue(seedID)
	}

	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]

		t, ok := p.tasks[taskID]
		if !ok {
			continue
		}

		allResolved := true
		var newlyBlocked []types.RefID

		for localID, dep := range t.Dependencies {
			if len(ignoreEndpoints) == 0 {
				// Re-reduction under a blacklist must re-examine every
				// dependency, even ones already resolved by a prior pass;
				// ordinary reduction skips work already done.
				if _, already := t.Inputs[localID]; already {
					continue
				}
			}
			resolved, blocked := p.registerTaskInterestForRef(e, taskID, localID, dep, ignoreEndpoints)
			if blocked {
				allResolved = false
				t.BlockedOn[dep.ID] = struct{}{}
				newlyBlocked = append(newlyBlocked, dep.ID)
				continue
			}
			t.Inputs[localID] = *resolved
			delete(t.BlockedOn, dep.ID)
		}

		if len(t.BlockedOn) == 0 && allResolved {
			old := t.State
			if old != types.TaskRunnable {
				t.State = types.TaskRunnable
				p.recordStateChange(e, t, old, types.TaskRunnable)
				p.taskQueue = append(p.taskQueue, taskID)
				e.scheduleNeeded = true
			}
			continue
		}

		for _, blockedID := range newlyBlocked {
			producerID, ok := p.taskForOutput[blockedID]
			if !ok {
				continue
			}
			producer := p.tasks[producerID]
			if producer.State == types.TaskCreated || producer.State == types.TaskCommitted {
				old := producer.State
				producer.State = types.TaskBlocking
				p.recordStateChange(e, producer, old, types.TaskBlocking)
				enqueue(producerID)
			}
		}
	}
}

// registerTaskInterestForRef implements the four cases of spec §4.1.1.
// Must be called with mu held. Returns (resolvedRef, blocked); exactly one
// of resolvedRef!=nil or blocked==true holds.
func (p *Pool) registerTaskInterestForRef(e *effects, taskID, localID string, ref types.Reference, ignoreEndpoints map[string]struct{}) (*types.Reference, bool) {
	switch ref.Kind {
	case types.RefData, types.RefURL, types.RefNull, types.RefError:
		// Already satisfied as declared; Error can appear here if a
		// dependency was pre-resolved to a failure by an earlier pass.
		return &ref, false

	case types.RefFuture:
		existing, ok := p.refForOutput[ref.ID]
		if !ok || !isResolvedKind(existing.Kind) {
			p.consumersForOutput[ref.ID] = append(p.consumersForOutput[ref.ID], consumer{
				kind: consumerTask, taskID: taskID, localID: localID,
			})
			return nil, true
		}
		if len(ignoreEndpoints) == 0 || existing.Kind != types.RefConcrete {
			return &existing, false
		}
		// A re-reduction pass (MISSING_INPUT) must re-examine even an
		// already-cached concrete reference against the blacklist.
		return p.trimConcreteOrDegrade(e, taskID, localID, existing, ignoreEndpoints)

	case types.RefConcrete:
		if len(ignoreEndpoints) == 0 {
			merged := p.publishRef(e, ref.ID, ref)
			return &merged, false
		}
		current, hasCurrent := p.refForOutput[ref.ID]
		merged := ref
		if hasCurrent && current.Kind == types.RefConcrete {
			merged = current.Combine(ref)
		}
		return p.trimConcreteOrDegrade(e, taskID, localID, merged, ignoreEndpoints)
	}

	return &ref, false
}

func isResolvedKind(k types.RefKind) bool {
	return k == types.RefConcrete || k == types.RefData || k == types.RefURL || k == types.RefError
}

// trimConcreteOrDegrade removes ignoreEndpoints' netlocs from ref's
// location hints. If any remain, the trimmed reference is cached and
// returned resolved; if none remain, ref degrades to a Future and the
// caller is subscribed to its re-production, per spec §4.1.1 step 4.
func (p *Pool) trimConcreteOrDegrade(e *effects, taskID, localID string, ref types.Reference, ignoreEndpoints map[string]struct{}) (*types.Reference, bool) {
	trimmed, anyLeft := ref.WithoutEndpoints(endpointSlice(ignoreEndpoints))
	if anyLeft {
		p.refForOutput[ref.ID] = trimmed
		return &trimmed, false
	}
	delete(p.refForOutput, ref.ID)
	return p.registerTaskInterestForRef(e, taskID, localID, trimmed.AsFuture(), ignoreEndpoints)
}

func endpointSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// publishRef implements §4.1.2: combine-or-install, then atomically pop
// and notify the consumer set. Must be called with mu held. Returns the
// effective (possibly combined) reference now on file for id.
func (p *Pool) publishRef(e *effects, id types.RefID, ref types.Reference) types.Reference {
	effective := ref
	if existing, ok := p.refForOutput[id]; ok && existing.Kind == types.RefConcrete && ref.Kind == types.RefConcrete {
		effective = existing.Combine(ref)
	}
	p.refForOutput[id] = effective

	consumers := p.consumersForOutput[id]
	delete(p.consumersForOutput, id)

	for _, c := range consumers {
		switch c.kind {
		case consumerJob:
			e.jobNotifies = append(e.jobNotifies, jobNotify{jobID: c.jobID, ref: effective})
		case consumerTask:
			ct, ok := p.tasks[c.taskID]
			if !ok {
				continue
			}
			delete(ct.BlockedOn, id)
			ct.Inputs[c.localID] = effective
			if len(ct.BlockedOn) == 0 && ct.State != types.TaskRunnable && !ct.IsTerminal() {
				old := ct.State
				ct.State = types.TaskRunnable
				p.recordStateChange(e, ct, old, types.TaskRunnable)
				p.taskQueue = append(p.taskQueue, ct.ID)
				e.scheduleNeeded = true
			}
		}
	}

	return effective
}
