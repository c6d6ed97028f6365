package workflow

import "time"

// Observer receives per-turn signals for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	// ObserveStage records how long a step took.
	ObserveStage(step string, d time.Duration)
	// RetrievalDegraded counts a turn that continued with empty context
	// after a retrieval failure.
	RetrievalDegraded()
	// RoutingFallback counts a turn routed to retrieval because the router
	// reply was unusable.
	RoutingFallback()
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration) {}
func (nopObserver) RetrievalDegraded()                 {}
func (nopObserver) RoutingFallback()                   {}
