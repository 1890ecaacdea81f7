// Package store holds read-oriented repository interfaces and their GORM
// implementations for the admin control surface and for components that
// only need to query, not mutate, another component's owned entities.
//
// Per §3's ownership rule, the Queue owns Job/DLQEntry mutation, the
// Registry owns Robot mutation, and the Scheduler owns Schedule mutation —
// those write paths live in internal/queue, internal/registry and
// internal/scheduler respectively, each holding its own *gorm.DB handle.
// This package is what the admin HTTP surface (internal/admin) reads
// through, and it is also where the shared, ownership-neutral JobHistory
// append-only log and APIKey credential store live, since no single
// lifecycle-owning component is the sole writer of either.
package store

// ListOptions contains common pagination parameters for list queries,
// mirroring the reference daemon's repositories.ListOptions.
type ListOptions struct {
	Limit  int
	Offset int
}

// normalize applies sane defaults/caps so a zero-value ListOptions does not
// turn into an unbounded query.
func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 50
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
