package audit

import "errors"

var (
	// ErrMalformed marks payloads that cannot be deserialized. Dead-letter
	// immediately, never retry.
	ErrMalformed = errors.New("malformed event payload")

	// ErrSchemaViolation marks events whose entity/event type combination
	// is invalid. Dead-letter immediately, never retry.
	ErrSchemaViolation = errors.New("event violates schema")

	// ErrTransientStore marks store failures that a retry may resolve
	// (connection loss, timeout). Stores wrap connectivity errors with it.
	ErrTransientStore = errors.New("transient store failure")

	// ErrNotFound is returned by store lookups for unknown keys.
	ErrNotFound = errors.New("record not found")
)
