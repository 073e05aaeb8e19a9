package durable

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ServiceFactory builds the services activities of one run may resolve.
// It is called at most once per run, and only if an activity executes.
type ServiceFactory func(ctx context.Context, workflowID string) (map[any]any, error)

// Scope is the per-run context handed to activities.
type Scope struct {
	workflowID string
	logger     *zap.Logger
	codec      Codec
	services   map[any]any
}

// WorkflowID returns the id of the workflow running the activity.
func (s *Scope) WorkflowID() string { return s.workflowID }

// Logger returns a logger tagged with the workflow id.
func (s *Scope) Logger() *zap.Logger { return s.logger }

// Value returns the service registered under key.
func (s *Scope) Value(key any) (any, bool) {
	v, ok := s.services[key]
	return v, ok
}

// Resolve returns the service registered under key as a T.
func Resolve[T any](s *Scope, key any) (T, bool) {
	var zero T
	v, ok := s.Value(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// lazyScope builds the Scope on first use and shares it between All branches.
type lazyScope struct {
	once  sync.Once
	scope *Scope
	err   error
	build func(ctx context.Context) (*Scope, error)
}

func (l *lazyScope) get(ctx context.Context) (*Scope, error) {
	l.once.Do(func() {
		l.scope, l.err = l.build(ctx)
	})
	return l.scope, l.err
}

func (eng *Engine) newScope(workflowID string) *lazyScope {
	return &lazyScope{build: func(ctx context.Context) (*Scope, error) {
		s := &Scope{
			workflowID: workflowID,
			logger:     eng.logger.With(zap.String("workflow_id", workflowID)),
			codec:      eng.codec,
		}
		if eng.services == nil {
			return s, nil
		}
		services, err := eng.services(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		s.services = services
		return s, nil
	}}
}
