package device

import "sync"

// Event is a one-shot completion token. A completion event is signaled by
// the queue worker once the associated task has finished; a wait event makes
// a later submission's task wait until it is signaled. Chains across queues
// are built by passing one submission's completion event as another's wait.
type Event struct {
	once sync.Once
	done chan struct{}
}

// NewEvent returns an unsignaled event. Useful for building dependency
// chains whose head is triggered manually.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Signal marks the event complete. Signaling more than once is a no-op.
func (e *Event) Signal() {
	e.once.Do(func() { close(e.done) })
}

// Done returns a channel closed once the event is signaled.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Signaled reports whether the event has fired, without blocking.
func (e *Event) Signaled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks the calling goroutine until the event is signaled. The query
// engine itself never calls Wait on a caller's behalf; it exists for code
// observing completion, such as tests and renderers.
func (e *Event) Wait() {
	<-e.done
}
