// Package faults classifies failures at component boundaries.
//
// Every error leaving the reconciler, loader or transport is a *Error carrying
// a Kind, so callers can tell a malformed request from a store rejection from
// a transient timeout without string matching. The underlying cause stays
// reachable through errors.Is / errors.As.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the caller-visible failure category.
type Kind string

const (
	// InvalidName: the table name failed validation.
	InvalidName Kind = "invalid_name"
	// Inference: no schema could be synthesized from the sample.
	Inference Kind = "inference"
	// DataQuality: a record does not fit the synthesized schema.
	DataQuality Kind = "data_quality"
	// SchemaDrift: the chunk carries attributes the existing table lacks.
	SchemaDrift Kind = "schema_drift"
	// Metadata: the store's catalog could not be queried.
	Metadata Kind = "metadata"
	// DDL: the store rejected table creation.
	DDL Kind = "ddl"
	// DML: the store rejected the insert; the whole chunk was rolled back.
	DML Kind = "dml"
	// Query: a raw passthrough query failed.
	Query Kind = "query"
	// Timeout: a store round trip exceeded its deadline.
	Timeout Kind = "timeout"
	// BadRequest: the request itself could not be decoded.
	BadRequest Kind = "bad_request"
)

// Retryable reports whether repeating the same call can succeed.
//
// Timeouts are transient. DDL failures are retryable because a retry of the
// whole load re-checks metadata and appends to a table a concurrent caller may
// have created.
func (k Kind) Retryable() bool {
	return k == Timeout || k == DDL
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Op    string // "reconcile", "load", "create", "exists", "query"
	Table string // normalized table name, if any
	Err   error
}

// E builds an *Error. A context deadline anywhere in err's chain overrides
// kind with Timeout.
func E(kind Kind, op, table string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Table != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Table, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// is nil or unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable()
}
