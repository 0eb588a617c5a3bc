package domain

import "errors"

// ErrVersionConflict is returned by repositories when an optimistic version
// check fails because another writer committed first.
var ErrVersionConflict = errors.New("version conflict")

// ErrReferenceExists is returned by the ledger store when a transaction
// reference has already been committed.
var ErrReferenceExists = errors.New("transaction reference exists")

// ErrObjectNotFound is returned by the object store when an evidence key does not exist.
var ErrObjectNotFound = errors.New("object not found")
