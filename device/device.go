// Package device abstracts the compute device a ray-query backend dispatches
// work to: memory buffers, FIFO execution queues and completion events.
//
// Submission never blocks the caller on device work. Operations submitted to
// the same queue index run in submission order; operations on different
// queues may run concurrently and are only ordered relative to each other
// through explicit wait events.
package device

import "errors"

var (
	ErrClosed        = errors.New("device: device is closed")
	ErrBadQueue      = errors.New("device: queue index out of range")
	ErrOutOfBounds   = errors.New("device: buffer access out of bounds")
	ErrForeignBuffer = errors.New("device: buffer was not created by this device")
	ErrReleased      = errors.New("device: buffer already released")
)

// Buffer is an opaque block of device memory. The creator of a buffer owns
// it; components that merely read or write a caller-supplied buffer must not
// release it.
type Buffer interface {
	// Size returns the buffer capacity in bytes.
	Size() int
	// Release frees the buffer. Safe to call once; further access through
	// the owning device returns ErrReleased.
	Release()
}

// Task is a unit of work executed on a queue worker. It runs after the
// submission's wait event (if any) has been signaled and before the
// submission's completion event is signaled.
type Task func()

// Device is the capability set the query engine needs from a compute device.
type Device interface {
	// Name identifies the device for logs.
	Name() string

	// QueueCount reports how many independent execution queues exist.
	// Valid queue indices are [0, QueueCount).
	QueueCount() int

	// CreateBuffer allocates a zero-initialized buffer of size bytes.
	CreateBuffer(size int) (Buffer, error)

	// Write copies src into dst at offset. The copy is complete when Write
	// returns; ordering against queued tasks is the caller's concern.
	Write(dst Buffer, offset int, src []byte) error

	// Read copies len(dst) bytes out of src at offset.
	Read(src Buffer, offset int, dst []byte) error

	// Submit enqueues task on the given queue and returns its completion
	// event immediately. If wait is non-nil the task does not start until
	// wait is signaled; the wait happens on the queue worker, never on the
	// submitting goroutine.
	Submit(queue int, wait *Event, task Task) (*Event, error)

	// Close drains all queues and stops the workers. Buffers created by the
	// device stay readable until released.
	Close() error
}
