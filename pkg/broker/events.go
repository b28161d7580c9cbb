package broker

import (
	"sort"
	"sync"
)

/*
BrokeredServicesChangedArgs is the payload of the availability-changed event.
When OtherServicesImpacted is set, consumers must treat every cached service
as potentially stale, not just the enumerated ones.
*/
type BrokeredServicesChangedArgs struct {
	ImpactedServices      []ServiceMoniker `json:"impactedServices"`
	OtherServicesImpacted bool             `json:"otherServicesImpacted"`
}

// Impacts reports whether the moniker is covered by this change.
func (args BrokeredServicesChangedArgs) Impacts(m ServiceMoniker) bool {
	if args.OtherServicesImpacted {
		return true
	}

	for _, impacted := range args.ImpactedServices {
		if impacted == m {
			return true
		}
	}

	return false
}

// AvailabilityChangedHandler observes availability changes. The sender is
// the broker the handler was registered on, which for aggregators is the
// aggregator itself rather than the inner broker.
type AvailabilityChangedHandler func(sender any, args BrokeredServicesChangedArgs)

/*
AvailabilityEvent is the event primitive broker implementations embed to
raise availability-changed. Handlers run synchronously on the raising
goroutine in subscription order.
*/
type AvailabilityEvent struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]AvailabilityChangedHandler
}

// Subscribe registers a handler and returns its removal function.
func (e *AvailabilityEvent) Subscribe(handler AvailabilityChangedHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[int]AvailabilityChangedHandler)
	}

	id := e.nextID
	e.nextID++
	e.handlers[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Raise invokes every subscribed handler with the given sender.
func (e *AvailabilityEvent) Raise(sender any, args BrokeredServicesChangedArgs) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	// Preserve subscription order.
	sort.Ints(ids)
	handlers := make([]AvailabilityChangedHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.Unlock()

	for _, handler := range handlers {
		handler(sender, args)
	}
}
