package escrow

// Observer receives counters from the client. The HTTP server backs it with
// prometheus.
type Observer interface {
	ObserveSubmission(method, outcome string)
	ObserveReadRetry(method string)
	ObserveSnapshot(outcome string)
}

type NopObserver struct{}

func (NopObserver) ObserveSubmission(string, string) {}
func (NopObserver) ObserveReadRetry(string)          {}
func (NopObserver) ObserveSnapshot(string)           {}
