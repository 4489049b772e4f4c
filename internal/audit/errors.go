package audit

import "errors"

var (
	// ErrNoSecret is returned when a signing or verifying component is
	// built without a key.
	ErrNoSecret = errors.New("audit: signing secret is not configured")

	// ErrFiltered is returned by Emit when the event is below the minimum
	// level of its channel sink. The chain does not advance.
	ErrFiltered = errors.New("audit: event below channel minimum level")

	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("audit: logger closed")

	// ErrUnknownChannel is returned for names outside the closed channel set.
	ErrUnknownChannel = errors.New("audit: unknown channel")

	// ErrInvalidLevel is returned by Emit for a level outside the fixed set.
	ErrInvalidLevel = errors.New("audit: invalid level")

	// ErrRecordTooLarge is returned by Emit when the encoded record would
	// exceed MaxRecordSize. Nothing is written and the chain does not advance.
	ErrRecordTooLarge = errors.New("audit: record too large")

	// ErrSinkLocked is returned when another writer holds a sink open.
	ErrSinkLocked = errors.New("audit: sink is locked by another writer")
)
