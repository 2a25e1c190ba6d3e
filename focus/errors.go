package focus

import "fmt"

// ErrorKind classifies controller errors.
type ErrorKind int

const (
	// ErrorMappingInvalid means no usable calibration mapping is loaded.
	ErrorMappingInvalid ErrorKind = iota
	// ErrorDevicesNotReady means the motor or depth sensor is unavailable.
	ErrorDevicesNotReady
	// ErrorCalculation means a focus computation failed numeric validation.
	ErrorCalculation
	// ErrorMotor means the motor transport rejected a command.
	ErrorMotor
	// ErrorDepth means the depth pipeline produced unusable data.
	ErrorDepth
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorMappingInvalid:
		return "mapping-invalid"
	case ErrorDevicesNotReady:
		return "devices-not-ready"
	case ErrorCalculation:
		return "calculation-error"
	case ErrorMotor:
		return "motor-error"
	case ErrorDepth:
		return "depth-error"
	default:
		return "unknown"
	}
}

// Error is a controller error with its classification. None of these are
// fatal: the worst outcome is that automatic focus stops while manual
// control stays available.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// transient reports whether the error describes a failed operation rather
// than a standing condition; transient errors clear on the next mode change
// or enable.
func (e *Error) transient() bool {
	switch e.Kind {
	case ErrorCalculation, ErrorMotor, ErrorDepth:
		return true
	default:
		return false
	}
}
