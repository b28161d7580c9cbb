package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

/*
AggregateError collects the failures of several independent operations into a
single error. It is what a disposable bag surfaces when more than one of its
members failed to release.
*/
type AggregateError struct {
	Errs []error
}

func NewAggregate(errs []error) error {
	filtered := make([]error, 0, len(errs))

	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}

	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}

	return &AggregateError{Errs: filtered}
}

func (err *AggregateError) Error() string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("%d errors occurred:", len(err.Errs)))

	for _, inner := range err.Errs {
		builder.WriteString("\n\t")
		builder.WriteString(inner.Error())
	}

	return builder.String()
}

func (err *AggregateError) Unwrap() []error {
	return err.Errs
}

// IsCancellation reports whether err represents cooperative cancellation.
// Cancellation is always rethrown unwrapped, so a plain errors.Is suffices.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
