// SPDX-License-Identifier: MIT

package machine

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on an instance
	// that already ran; instances are single-use.
	ErrAlreadyStarted = errors.New("machine: already started")

	// ErrNotRunning is returned by operations that need a live run loop.
	ErrNotRunning = errors.New("machine: not running")
)
