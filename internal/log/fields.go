package log

// Canonical field name constants for structured logging.
const (
	FieldEvent     = "event"
	FieldComponent = "component"

	FieldVideo    = "video"
	FieldMode     = "mode"
	FieldRevision = "revision"
	FieldSource   = "source"
	FieldPath     = "path"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
