package trace

import "sync"

// Sink receives the logical events of a run. Implementations must not block;
// the executor calls them through SafeRecord.
type Sink interface {
	Record(event Event)
}

// SafeRecord forwards event to s. A nil sink is ignored, and a sink that
// panics does not take the run down with it.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder collects the events of one run in memory. Events may arrive from
// any goroutine in any order; Trace puts them in canonical order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	kinds  map[EventKind]int
}

func NewRecorder() *Recorder {
	return &Recorder{kinds: make(map[EventKind]int)}
}

// Record stores a copy of event.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	event.Artifacts = append([]string(nil), event.Artifacts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kinds == nil {
		r.kinds = make(map[EventKind]int)
	}
	r.events = append(r.events, event)
	r.kinds[event.Kind]++
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[kind]
}

// Trace returns the canonical trace of everything recorded so far. The
// result shares nothing with the recorder.
func (r *Recorder) Trace(graphHash string) RunTrace {
	tr := RunTrace{GraphHash: graphHash}
	if r != nil {
		r.mu.Lock()
		tr.Events = make([]Event, len(r.events))
		copy(tr.Events, r.events)
		r.mu.Unlock()
	}
	tr.Canonicalize()
	return tr
}
