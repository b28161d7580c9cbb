package errors

import "fmt"

// Error types raised by the service broker graph
type (
	// ServiceCompositionError indicates that service discovery or activation
	// failed for a reason other than "no such service".
	ServiceCompositionError struct {
		Message string
		Err     error
	}

	// ServiceActivationFailedError is a composition failure attributable to a
	// specific service moniker.
	ServiceActivationFailedError struct {
		Service string
		Err     error
	}

	// NotSupportedError indicates a failed handshake negotiation, or
	// connection instructions the client cannot carry out.
	NotSupportedError struct {
		Reason string
	}

	// UnauthorizedError indicates a pipe ownership mismatch or a denied
	// authorization check.
	UnauthorizedError struct {
		Reason string
	}

	// ObjectDisposedError indicates a call on an object that was already
	// disposed. Remote broker clients downgrade it to a null result so that
	// aggregators keep composing across graceful disconnects.
	ObjectDisposedError struct {
		Name string
	}
)

func (e *ServiceCompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service composition failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("service composition failed: %s", e.Message)
}

func (e *ServiceCompositionError) Unwrap() error { return e.Err }

func (e *ServiceActivationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activation of service %q failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("activation of service %q failed", e.Service)
}

func (e *ServiceActivationFailedError) Unwrap() error { return e.Err }

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("not supported: %s", e.Reason)
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

func (e *ObjectDisposedError) Error() string {
	return fmt.Sprintf("%s has been disposed", e.Name)
}
