// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldUserID      = "user_id"
	FieldSessionID   = "session_id"
	FieldMachineID   = "machine_id"
	FieldFingerprint = "fingerprint"

	// Bus fields
	FieldTopic        = "topic"
	FieldSubscription = "subscription_id"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldKind     = "kind"

	// Misc
	FieldComponent = "component"
	FieldTask      = "task"
)
