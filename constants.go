package durable

import "time"

const (
	// PreserveTime is how long a done workflow stays queryable.
	PreserveTime = 5 * time.Minute

	// FailedPreserveTime is how long a failed workflow stays queryable.
	FailedPreserveTime = 24 * time.Hour

	// DefaultIdleTimeout bounds how long Start sleeps when nothing was due.
	DefaultIdleTimeout = 15 * time.Second

	// LeaseDuration is how long a dequeued item stays claimed. A crashed
	// worker's items become reclaimable once it passes.
	LeaseDuration = 5 * time.Minute

	// childParkDuration pushes a finished child's eta out of the way; the
	// parent's own retention cleanup deletes it.
	childParkDuration = 365 * 24 * time.Hour
)

const (
	// uniqueDiscriminator replaces the virtual time in memo ids of unique activities.
	uniqueDiscriminator = "unique"

	// maxArgsKeyLen is the longest serialized argument kept verbatim in a memo id.
	maxArgsKeyLen = 150

	// maxChildKeyLen is the longest child id kept verbatim.
	maxChildKeyLen = 200

	// queueAttempts is how often Queue retries with a caller supplied id.
	queueAttempts = 3
)

const (
	delayStepName = "delay"
	waitStepName  = "waitForExternalEvent"
)
