package store

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	robot, err := repo.GetByID(ctx, id)
//	if errors.Is(err, store.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict reports that an insert or update violated a unique constraint.
// No repository in this package returns it, and queue.Manager.Enqueue
// answers a repeated idempotency key with the existing job's ID instead.
var ErrConflict = errors.New("record already exists")

// ErrLeaseLost is returned by lease-guarded operations (Heartbeat,
// UpdateProgress, Complete, Fail) when claimed_by no longer matches the
// caller — the lease has already been reclaimed by a stale-lock sweep.
var ErrLeaseLost = errors.New("lease lost")
