package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session cannot be found in the cache or the store.
	ErrNotFound = errors.New("session not found")
	// ErrSessionExists is returned when adding a session whose id is already resident.
	ErrSessionExists = errors.New("session already exists")
	// ErrMaxSessionsExceeded is returned when the number of resident sessions has reached the configured ceiling.
	ErrMaxSessionsExceeded = errors.New("maximum number of active sessions exceeded")
	// ErrIllegalState signals a lifecycle bug in the caller (unbalanced access/complete, double invalidation).
	ErrIllegalState = errors.New("illegal session state")
	// ErrAlreadyInvalid is returned when invalidating a session that is already invalid.
	ErrAlreadyInvalid = fmt.Errorf("%w: session already invalidated", ErrIllegalState)
	// ErrRequestUnderflow is returned when Complete is called more times than Access.
	ErrRequestUnderflow = fmt.Errorf("%w: session request count below zero", ErrIllegalState)
	// ErrInvalidSession is returned when writing to a session that has been invalidated.
	ErrInvalidSession = errors.New("session is invalid")
	// ErrUnreadableData is returned when persisted session data cannot be decoded.
	ErrUnreadableData = errors.New("unreadable session data")
	// ErrUnwritableData is returned when session data cannot be persisted.
	ErrUnwritableData = errors.New("unwritable session data")
	// ErrStoreNotConfigured is returned by operations that need a session store when none is configured.
	ErrStoreNotConfigured = errors.New("session store is not configured")
	// ErrManagerNotRunning is returned by health checks when the manager has not been started.
	ErrManagerNotRunning = errors.New("session manager is not running")
	// ErrHouseKeeperNotRunning is returned by health checks when the scavenger is stopped.
	ErrHouseKeeperNotRunning = errors.New("session housekeeper is not running")
	// ErrHealthcheckFailed wraps health check failures.
	ErrHealthcheckFailed = errors.New("session healthcheck failed")
	// ErrAlreadyStarted is returned when starting a component twice.
	ErrAlreadyStarted = errors.New("already started")
)
