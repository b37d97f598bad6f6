package kernel

import "errors"

// Public error taxonomy. Every syscall failure maps to exactly one of these;
// none is fatal to the kernel itself. Internal invariant violations (lock
// misuse, double free) panic instead, since reaching them is a logic bug.
var (
	// ErrCapabilityInvalid reports an empty slot or an object of the wrong kind.
	ErrCapabilityInvalid = errors.New("capability invalid")
	// ErrPermissionDenied reports insufficient rights or an attempted widening.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRevoked reports use of a capability after its revocation.
	ErrRevoked = errors.New("capability revoked")
	// ErrWouldBlock reports an immediate-deadline operation that was not ready.
	ErrWouldBlock = errors.New("operation would block")
	// ErrTimeout reports a deadline that elapsed while blocked.
	ErrTimeout = errors.New("deadline elapsed")
	// ErrEndpointClosed reports an endpoint that is closing or destroyed.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrOutOfMemory reports object or mapping allocation failure.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrProcessTerminated reports a peer that died mid-operation.
	ErrProcessTerminated = errors.New("process terminated")
	// ErrPayloadTooLarge reports an inline payload over MaxInlinePayload.
	ErrPayloadTooLarge = errors.New("payload exceeds inline limit")
)

// Status is the wire/metrics form of a syscall outcome.
type Status uint8

const (
	StatusOK Status = iota
	StatusCapabilityInvalid
	StatusPermissionDenied
	StatusRevoked
	StatusWouldBlock
	StatusTimeout
	StatusEndpointClosed
	StatusOutOfMemory
	StatusProcessTerminated
	StatusPayloadTooLarge
)

// String returns the metrics label for the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCapabilityInvalid:
		return "capability_invalid"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusRevoked:
		return "revoked"
	case StatusWouldBlock:
		return "would_block"
	case StatusTimeout:
		return "timeout"
	case StatusEndpointClosed:
		return "endpoint_closed"
	case StatusOutOfMemory:
		return "out_of_memory"
	case StatusProcessTerminated:
		return "process_terminated"
	case StatusPayloadTooLarge:
		return "payload_too_large"
	default:
		return "unknown"
	}
}

// statusOf maps an error from the taxonomy to its Status.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrCapabilityInvalid):
		return StatusCapabilityInvalid
	case errors.Is(err, ErrPermissionDenied):
		return StatusPermissionDenied
	case errors.Is(err, ErrRevoked):
		return StatusRevoked
	case errors.Is(err, ErrWouldBlock):
		return StatusWouldBlock
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrEndpointClosed):
		return StatusEndpointClosed
	case errors.Is(err, ErrOutOfMemory):
		return StatusOutOfMemory
	case errors.Is(err, ErrProcessTerminated):
		return StatusProcessTerminated
	case errors.Is(err, ErrPayloadTooLarge):
		return StatusPayloadTooLarge
	default:
		return StatusCapabilityInvalid
	}
}
