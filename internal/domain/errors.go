package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStaleReference   = errors.New("stale reference")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrRunInProgress    = errors.New("aggregation run already in progress")
)

// NotFoundError reports an unknown user or post at the source-of-truth boundary.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UserNotFound builds a NotFoundError for a user id.
func UserNotFound(uid int64) error {
	return &NotFoundError{Kind: "user", ID: fmt.Sprint(uid)}
}

// PostNotFound builds a NotFoundError for a post ref.
func PostNotFound(ref PostRef) error {
	return &NotFoundError{Kind: "post", ID: ref.Member()}
}

// ConflictError reports a write that collides with an existing record, such as
// a taken username.
type ConflictError struct {
	Kind string
	ID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, ErrConflict)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StaleReferenceError reports cached refs that resolve neither from the cache
// nor from the source of truth.
type StaleReferenceError struct {
	Refs []PostRef
}

func (e *StaleReferenceError) Error() string {
	members := make([]string, len(e.Refs))
	for i, r := range e.Refs {
		members[i] = r.Member()
	}
	return fmt.Sprintf("%s: %s", ErrStaleReference, strings.Join(members, ","))
}

func (e *StaleReferenceError) Is(target error) bool {
	return target == ErrStaleReference
}

// StoreUnavailableError reports that the cache or relational store could not
// be reached.
type StoreUnavailableError struct {
	Store string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, ErrStoreUnavailable, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// AggregationFailure reports a batch run that failed for some of its entries.
// Failed entries are dropped unless the aggregator requeues them.
type AggregationFailure struct {
	RunID    string
	Failed   int
	Requeued bool
	Err      error
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("aggregation run %s: %d entries failed (requeued=%t): %v", e.RunID, e.Failed, e.Requeued, e.Err)
}

func (e *AggregationFailure) Unwrap() error {
	return e.Err
}
