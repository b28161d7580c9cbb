package errors

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

/*
RemoteInvocationError mirrors a failure raised by the far end of an RPC
connection. Local proxies wrap raw failures into this same shape so that a
consumer observes one error surface regardless of where the service runs.
*/
type RemoteInvocationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RemoteInvocationError) Error() string {
	return fmt.Sprintf("remote invocation error %d: %s", e.Code, e.Message)
}

// Reserved JSON-RPC codes (-32700 .. -32000). Application codes live outside
// that range.
var (
	ErrParseError     = &RemoteInvocationError{Code: -32700, Message: "Parse error"}
	ErrInvalidRequest = &RemoteInvocationError{Code: -32600, Message: "Invalid Request"}
	ErrMethodNotFound = &RemoteInvocationError{Code: -32601, Message: "Method not found"}
	ErrInvalidParams  = &RemoteInvocationError{Code: -32602, Message: "Invalid params"}
	ErrInternal       = &RemoteInvocationError{Code: -32603, Message: "Internal error"}
)

// WithMessagef returns a *copy* of an RemoteInvocationError with a formatted
// message. The template error variable is left untouched.
func (e *RemoteInvocationError) WithMessagef(format string, args ...any) *RemoteInvocationError {
	newErr := *e
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

/*
TimeoutError is surfaced when a connect-with-retry loop gives up. Histogram
counts the distinct failure kinds observed across the retries, which is
usually the only clue to why a pipe never became reachable.
*/
type TimeoutError struct {
	Operation string
	Elapsed   time.Duration
	Attempts  int
	Histogram map[string]int
}

func (e *TimeoutError) Error() string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "%s timed out after %d attempts in %s", e.Operation, e.Attempts, e.Elapsed)

	if len(e.Histogram) > 0 {
		kinds := make([]string, 0, len(e.Histogram))
		for kind := range e.Histogram {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		builder.WriteString(" (")
		for i, kind := range kinds {
			if i > 0 {
				builder.WriteString(", ")
			}
			fmt.Fprintf(builder, "%s: %d", kind, e.Histogram[kind])
		}
		builder.WriteString(")")
	}

	return builder.String()
}
