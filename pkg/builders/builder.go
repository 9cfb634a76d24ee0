package builders

import (
	"context"

	"github.com/sierra-labs/blueplane/pkg/types"
)

// Class is the outcome classification of a builder application.
type Class int

const (
	// ClassOK means the record was applied (or skipped as a duplicate
	// or unknown type).
	ClassOK Class = iota
	// ClassTransient means the application failed in a way retries may
	// fix (I/O timeout, lock contention, missing raw batch).
	ClassTransient
	// ClassPermanent means retrying cannot help (schema violation,
	// unrepairable referential damage). The record goes to the DLQ.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Result is the classified outcome of one builder application.
type Result struct {
	Class Class
	Kind  string // error kind for DLQ records, e.g. "schema", "referential"
	Err   error
}

// OK is the success result.
func OK() Result { return Result{Class: ClassOK} }

// Transient wraps a retryable failure.
func Transient(err error) Result {
	return Result{Class: ClassTransient, Kind: "transient_io", Err: err}
}

// Permanent wraps a non-retryable failure.
func Permanent(kind string, err error) Result {
	return Result{Class: ClassPermanent, Kind: kind, Err: err}
}

// Builder applies one CDC record to a derived store. Implementations
// must be safe for concurrent use across distinct sessions and
// idempotent per event id.
type Builder interface {
	Name() string
	Apply(ctx context.Context, rec *types.CDCRecord) Result
}
