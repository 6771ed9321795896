package orchestrator

// Sink receives actions. Implementations must be safe for concurrent use:
// overlapping invocations dispatch from different goroutines.
type Sink interface {
	Dispatch(action Action)
}

type SinkFunc func(action Action)

func (f SinkFunc) Dispatch(action Action) {
	f(action)
}

// MultiSink dispatches to each sink in order.
type MultiSink []Sink

func (m MultiSink) Dispatch(action Action) {
	for _, s := range m {
		if s != nil {
			s.Dispatch(action)
		}
	}
}
