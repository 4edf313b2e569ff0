package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/fermi-ad/extapi-acsys/internal/failure"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

type taskState int

const (
	taskWaiting taskState = iota
	taskRunning
	taskDone
	taskFailed
)

// fieldTask is one backend-bound field instance in the operation's
// dependency graph.
type fieldTask struct {
	id        NodeID
	task      ResolveTask
	path      Path
	fieldType *schema.TypeRef
	fields    []*language.Field
	// hidden tasks resolve required siblings that were not selected; their
	// values and errors never reach the response.
	hidden bool

	state   taskState
	waiting int
	// dependents fail when this task fails
	dependents []*fieldTask
	// followers only wait for this task to finish
	followers []*fieldTask
}

type taskResult struct {
	t     *fieldTask
	value any
	err   error
}

// scheduler dispatches field tasks once their dependencies have resolved.
// All bookkeeping happens on the goroutine calling run; resolver goroutines
// report back over results.
type scheduler struct {
	state    *executionState
	nextID   NodeID
	tasks    []*fieldTask
	fresh    []*fieldTask
	results  chan taskResult
	done     chan struct{}
	inflight int
}

func newScheduler(state *executionState) *scheduler {
	return &scheduler{
		state:   state,
		results: make(chan taskResult),
		done:    make(chan struct{}),
	}
}

func (s *scheduler) add(task ResolveTask, path Path, fieldType *schema.TypeRef, fields []*language.Field, hidden bool) *fieldTask {
	s.nextID++
	task.Deps = make(map[string]any)
	t := &fieldTask{
		id:        s.nextID,
		task:      task,
		path:      path,
		fieldType: fieldType,
		fields:    fields,
		hidden:    hidden,
	}
	s.tasks = append(s.tasks, t)
	s.fresh = append(s.fresh, t)
	return t
}

// link makes dependent wait for dep and fail if dep fails.
func (s *scheduler) link(dep, dependent *fieldTask) {
	if dep.state == taskFailed {
		s.fail(dependent, failure.Newf(failure.DependencyFailed, "", "dependency %q failed", dep.task.Field))
		return
	}
	dep.dependents = append(dep.dependents, dependent)
	dependent.waiting++
}

// serialize orders tasks so each starts only after the previous finished.
func (s *scheduler) serialize(tasks []*fieldTask) {
	var prev *fieldTask
	for _, t := range tasks {
		if t.hidden {
			continue
		}
		if prev != nil {
			prev.followers = append(prev.followers, t)
			t.waiting++
		}
		prev = t
	}
}

// discardUnder drops tasks that have not started and whose path lies under
// prefix, after the object at prefix was nulled.
func (s *scheduler) discardUnder(prefix Path) {
	key := pathToString(prefix)
	for _, t := range s.fresh {
		if t.state != taskWaiting {
			continue
		}
		if p := pathToString(t.path); p == key || strings.HasPrefix(p, key+".") {
			t.hidden = true
			s.fail(t, failure.New(failure.DependencyFailed, "", "parent value was nulled"))
		}
	}
}

// run dispatches every ready task and processes results until the graph is
// drained or the operation context ends.
func (s *scheduler) run() {
	defer close(s.done)
	ctx := s.state.context

	s.flush()
	for s.inflight > 0 {
		select {
		case r := <-s.results:
			s.inflight--
			s.finish(r)
			s.flush()
		case <-ctx.Done():
			s.abandon(ctx.Err())
			return
		}
	}
	// Anything still waiting sits on a dependency cycle.
	for _, t := range s.tasks {
		if t.state == taskWaiting {
			s.fail(t, failure.Newf(failure.DependencyFailed, "", "field %q has a circular dependency", t.task.Field))
		}
	}
}

func (s *scheduler) flush() {
	for len(s.fresh) > 0 {
		fresh := s.fresh
		s.fresh = nil
		for _, t := range fresh {
			if t.state != taskWaiting || t.waiting > 0 {
				continue
			}
			if s.state.hasNullifiedPrefix(t.path) {
				t.hidden = true
				s.fail(t, failure.New(failure.DependencyFailed, "", "parent value was nulled"))
				continue
			}
			s.start(t)
		}
	}
}

// release re-queues tasks whose last dependency just resolved.
func (s *scheduler) release(ts []*fieldTask) {
	for _, t := range ts {
		if t.state != taskWaiting {
			continue
		}
		t.waiting--
		if t.waiting == 0 {
			s.fresh = append(s.fresh, t)
		}
	}
}

func (s *scheduler) start(t *fieldTask) {
	t.state = taskRunning
	s.inflight++
	task := t.task
	ctx := s.state.context
	timeout := s.state.opts.FieldTimeout
	runtime := s.state.runtime
	go func() {
		fctx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, timeout)
		}
		value, err := resolveAsync(fctx, runtime, task)
		if err != nil && fctx.Err() != nil && failure.KindOf(err) != failure.Timeout {
			err = failure.Wrap(failure.Timeout, failure.BackendOf(err), err, fmt.Sprintf("field %q: %v", task.Field, fctx.Err()))
		}
		cancel()
		select {
		case s.results <- taskResult{t: t, value: value, err: err}:
		case <-s.done:
		}
	}()
}

func resolveAsync(ctx context.Context, runtime Runtime, task ResolveTask) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, failure.Newf(failure.BackendCallFailed, "", "resolver for %s.%s panicked: %v", task.ObjectType, task.Field, r)
		}
	}()
	return runtime.ResolveAsync(ctx, task)
}

func (s *scheduler) finish(r taskResult) {
	t := r.t
	if t.state != taskRunning {
		return
	}
	if r.err != nil {
		s.fail(t, r.err)
		return
	}
	t.state = taskDone
	for _, d := range t.dependents {
		if d.state == taskWaiting {
			d.task.Deps[t.task.Field] = r.value
		}
	}
	if !t.hidden {
		s.state.completeTask(t, r.value)
	}
	s.release(t.dependents)
	s.release(t.followers)
}

// fail marks t failed and fails its direct dependents, which in turn fail
// theirs. Tasks that merely follow t are released.
func (s *scheduler) fail(t *fieldTask, err error) {
	if t.state == taskDone || t.state == taskFailed {
		return
	}
	t.state = taskFailed
	if !t.hidden {
		s.state.failTask(t, err)
	}
	for _, d := range t.dependents {
		if d.state == taskWaiting {
			s.fail(d, dependencyError(t.task.Field, err))
		}
	}
	s.release(t.followers)
}

// abandon reports every unresolved task as timed out.
func (s *scheduler) abandon(cause error) {
	for _, t := range s.tasks {
		if t.state != taskWaiting && t.state != taskRunning {
			continue
		}
		t.state = taskFailed
		if !t.hidden {
			s.state.failTask(t, failure.Wrap(failure.Timeout, "", cause, fmt.Sprintf("field %q did not resolve before the deadline", t.task.Field)))
		}
	}
}
