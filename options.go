package durable

import (
	"time"
)

// QueueOption configures Queue and RunChild.
type QueueOption func(*queueConfig)

// queueConfig holds configuration for queueing a workflow.
type queueConfig struct {
	id            string
	throwIfExists bool
	eta           time.Time
	parentID      string
	throttleGroup string
	maxPerSecond  float64
	groupName     string
}

// WithID queues under a caller supplied id. Queueing an existing id returns
// that id, or ErrAlreadyExists with ThrowIfExists.
func WithID(id string) QueueOption {
	return func(c *queueConfig) {
		c.id = id
	}
}

// ThrowIfExists makes Queue fail with ErrAlreadyExists for a taken id.
func ThrowIfExists() QueueOption {
	return func(c *queueConfig) {
		c.throwIfExists = true
	}
}

// WithETA schedules the first run no earlier than eta.
func WithETA(eta time.Time) QueueOption {
	return func(c *queueConfig) {
		c.eta = eta
	}
}

// WithParentID links the workflow to a parent, which is woken when it finishes.
func WithParentID(id string) QueueOption {
	return func(c *queueConfig) {
		c.parentID = id
	}
}

// WithThrottle spaces the etas of workflows queued in group at least
// 1/maxPerSecond apart.
func WithThrottle(group string, maxPerSecond float64) QueueOption {
	return func(c *queueConfig) {
		c.throttleGroup = group
		c.maxPerSecond = maxPerSecond
	}
}

// WithGroupName tags the workflow with an application defined group.
func WithGroupName(name string) QueueOption {
	return func(c *queueConfig) {
		c.groupName = name
	}
}

// getQueueConfig applies options and returns the final configuration.
func getQueueConfig(opts []QueueOption) *queueConfig {
	cfg := &queueConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// EventOption configures RaiseEvent.
type EventOption func(*eventConfig)

// eventConfig holds configuration for raising events.
type eventConfig struct {
	throwIfNotWaiting bool
}

// ThrowIfNotWaiting makes RaiseEvent fail with ErrNotWaiting when the
// workflow is not blocked on a matching WaitForExternalEvent.
func ThrowIfNotWaiting() EventOption {
	return func(c *eventConfig) {
		c.throwIfNotWaiting = true
	}
}

// getEventConfig applies options and returns the final configuration.
func getEventConfig(opts []EventOption) *eventConfig {
	cfg := &eventConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// throttleInterval is 1/maxPerSecond rounded up to the store's millisecond
// precision.
func throttleInterval(maxPerSecond float64) time.Duration {
	if maxPerSecond <= 0 {
		return 0
	}
	d := time.Duration(float64(time.Second) / maxPerSecond)
	if rem := d % time.Millisecond; rem != 0 {
		d += time.Millisecond - rem
	}
	return d
}
