// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couchdb

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// PreconditionFailed indicates the server refused an operation
	// because the resource already exists (HTTP 412, "file_exists").
	PreconditionFailed = errors.ConstError("precondition failed")

	// TransientNetwork indicates the request never reached the server,
	// typically a name resolution or connection failure.
	TransientNetwork = errors.ConstError("transient network failure")

	// ServerOverloaded indicates the cluster answered with an explicit
	// quorum or ring failure and should be given time to recover.
	ServerOverloaded = errors.ConstError("server overloaded")

	// NotFound indicates the database or document does not exist.
	NotFound = errors.ConstError("not found")

	// GenericServerError covers server failures with no recognised
	// error code; callers retry these blindly.
	GenericServerError = errors.ConstError("server error")
)

// overloadCodes are the server error codes that signal the cluster
// cannot currently reach a quorum of shard replicas.
var overloadCodes = map[string]bool{
	"no_majority":                     true,
	"no_quorum":                       true,
	"no_ring":                         true,
	"nodes_unable_to_fulfill_request": true,
}

// Error is a structured error from the database server. Callers match
// on the kind with errors.Is rather than inspecting the payload shape.
type Error struct {
	kind errors.ConstError

	// Status is the HTTP status code of the response.
	Status int
	// Code is the server's machine-readable error code.
	Code string
	// Reason is the server's human-readable explanation.
	Reason string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: HTTP %d", e.kind, e.Status)
}

// Is reports whether the error carries the given kind, so that
// errors.Is(err, couchdb.ServerOverloaded) works through wrapping.
func (e *Error) Is(target error) bool {
	kind, ok := target.(errors.ConstError)
	return ok && kind == e.kind
}

// classify maps a server response to an Error of the right kind.
func classify(status int, code, reason string) *Error {
	e := &Error{Status: status, Code: code, Reason: reason}
	switch {
	case status == 412 || code == "file_exists":
		e.kind = PreconditionFailed
	case overloadCodes[code] || overloadCodes[reason]:
		e.kind = ServerOverloaded
	case status == 404:
		e.kind = NotFound
	default:
		e.kind = GenericServerError
	}
	return e
}
