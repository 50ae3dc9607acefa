package schemas

import "time"

// ErrorKind is the taxonomy tag carried by recorded errors.
type ErrorKind string

const (
	ErrKindTransientDevice    ErrorKind = "TRANSIENT_DEVICE_ERROR"
	ErrKindNavigation         ErrorKind = "NAVIGATION_ERROR"
	ErrKindResolution         ErrorKind = "RESOLUTION_ERROR"
	ErrKindTimeout            ErrorKind = "TIMEOUT_ERROR"
	ErrKindFatalConfiguration ErrorKind = "FATAL_CONFIGURATION_ERROR"
	ErrKindNotFound           ErrorKind = "NOT_FOUND"
	ErrKindInternal           ErrorKind = "INTERNAL_ERROR"
)

// ErrorRecord is an error as it appears in results and telemetry.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Page    int       `json:"page,omitempty"`
	Slot    string    `json:"slot,omitempty"`
	At      time.Time `json:"at"`
}
