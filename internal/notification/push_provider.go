package notification

import "context"

// Provider defines a push delivery backend. Implementations must be
// safe for concurrent use.
type Provider interface {
	GetName() string
	ValidateConfig() error
	Send(ctx context.Context, n *Notification) error
	// SupportsEvent reports whether this provider delivers the named
	// event (diagnosis.highrisk, batch.complete, ...).
	SupportsEvent(event string) bool
	IsEnabled() bool
}

// eventSet builds the event filter for a provider. An empty configured
// list means all events are delivered.
type eventSet map[string]bool

func newEventSet(events []string) eventSet {
	set := make(eventSet, len(events))
	for _, e := range events {
		if e != "" {
			set[e] = true
		}
	}
	return set
}

func (s eventSet) supports(event string) bool {
	if len(s) == 0 {
		return true
	}
	return s[event]
}
