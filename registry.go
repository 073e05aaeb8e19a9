package durable

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Workflow is a deterministic orchestration body.
//
// Run is invoked from scratch on every poll until the workflow reaches a
// terminal state. It must produce the same sequence of activity calls for
// the same input and step outcomes; side effects belong in activities.
type Workflow[I any, O any] interface {
	Name() string
	Run(ctx context.Context, wf *Context, in I) (O, error)
}

// ActivityFunc is a side-effecting step. It receives the per-run scope and
// the serialized arguments the workflow passed to Invoke.
type ActivityFunc func(ctx context.Context, scope *Scope, args []byte) ([]byte, error)

// Activity adapts a typed function to an ActivityFunc using the engine codec.
func Activity[A any, R any](fn func(ctx context.Context, scope *Scope, args A) (R, error)) ActivityFunc {
	return func(ctx context.Context, scope *Scope, raw []byte) ([]byte, error) {
		var args A
		if err := scope.codec.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
		out, err := fn(ctx, scope, args)
		if err != nil {
			return nil, err
		}
		return scope.codec.Marshal(out)
	}
}

type activity struct {
	fn     ActivityFunc
	unique bool
}

// Schema describes a registered workflow.
type Schema struct {
	Name             string
	Activities       []string
	UniqueActivities []string
	TaskGroup        string
	Priority         int

	activities map[string]activity
	run        func(ctx context.Context, wf *Context, input []byte) ([]byte, error)
}

func (s *Schema) activity(name string) (activity, bool) {
	a, ok := s.activities[name]
	return a, ok
}

// RegisterOption configures workflow registration.
type RegisterOption func(*registerOptions) error

type registerOptions struct {
	activities map[string]activity
	taskGroup  string
	priority   int
}

func (o *registerOptions) addActivity(name string, a activity) error {
	if name == "" {
		return fmt.Errorf("activity name is empty")
	}
	if a.fn == nil {
		return fmt.Errorf("activity %s is nil", name)
	}
	if _, ok := o.activities[name]; ok {
		return fmt.Errorf("activity already registered: %s", name)
	}
	o.activities[name] = a
	return nil
}

// WithActivity adds an ordinary activity. Calls are memoized per argument
// and virtual instant, so the same call at a later point of the workflow
// runs again.
func WithActivity(name string, fn ActivityFunc) RegisterOption {
	return func(o *registerOptions) error {
		return o.addActivity(name, activity{fn: fn})
	}
}

// WithUniqueActivity adds an activity memoized by its arguments alone: it
// runs at most once per workflow for a given argument.
func WithUniqueActivity(name string, fn ActivityFunc) RegisterOption {
	return func(o *registerOptions) error {
		return o.addActivity(name, activity{fn: fn, unique: true})
	}
}

// WithTaskGroup routes the workflow to workers polling group.
func WithTaskGroup(group string) RegisterOption {
	return func(o *registerOptions) error {
		o.taskGroup = group
		return nil
	}
}

// WithPriority orders workflows that are due at the same instant; lower runs first.
func WithPriority(p int) RegisterOption {
	return func(o *registerOptions) error {
		o.priority = p
		return nil
	}
}

// Registry maps workflow names to their schema.
//
// Registration is type-safe; execution is dynamic (by workflow name from the store).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: map[string]*Schema{}}
}

// Handle is the typed entry point to a registered workflow.
type Handle[I any, O any] struct {
	name string
}

// Name returns the registered workflow name.
func (h *Handle[I, O]) Name() string { return h.name }

// Register records wf and its activities. A name may be registered once.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func Register[I any, O any](r *Registry, wf Workflow[I, O], opts ...RegisterOption) (*Handle[I, O], error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow is nil")
	}
	name := wf.Name()
	if name == "" {
		return nil, fmt.Errorf("workflow name is empty")
	}

	options := registerOptions{activities: map[string]activity{}}
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}

	schema := &Schema{
		Name:       name,
		TaskGroup:  options.taskGroup,
		Priority:   options.priority,
		activities: options.activities,
	}
	for actName, a := range options.activities {
		if a.unique {
			schema.UniqueActivities = append(schema.UniqueActivities, actName)
		} else {
			schema.Activities = append(schema.Activities, actName)
		}
	}
	sort.Strings(schema.Activities)
	sort.Strings(schema.UniqueActivities)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}
	schema.run = func(ctx context.Context, wfCtx *Context, input []byte) ([]byte, error) {
		codec := wfCtx.engine.codec
		var in I
		if err := codec.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
		out, err := wf.Run(ctx, wfCtx, in)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(out)
	}
	r.schemas[name] = schema
	return &Handle[I, O]{name: name}, nil
}

// MustRegister is Register that panics on error.
func MustRegister[I any, O any](r *Registry, wf Workflow[I, O], opts ...RegisterOption) *Handle[I, O] {
	h, err := Register(r, wf, opts...)
	if err != nil {
		panic(err)
	}
	return h
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the registered workflow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
