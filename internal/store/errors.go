// SPDX-License-Identifier: MIT

package store

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrConflict is returned when an optimistic session update lost the
	// version race on every bounded retry. The caller decides whether to
	// re-attempt the whole logical operation.
	ErrConflict = errors.New("store: session update conflict")

	// ErrCorruptState marks a session blob that no longer parses. The
	// record is surfaced, never silently discarded.
	ErrCorruptState = errors.New("store: corrupt session state")
)
