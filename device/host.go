package device

import (
	"fmt"
	"runtime"
	"sync"
)

type submission struct {
	wait *Event
	task Task
	done *Event
}

// hostQueue is one FIFO execution queue. The pending list is unbounded so
// Submit never blocks the caller, however far the worker falls behind.
type hostQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []submission
	closed  bool
}

func newHostQueue() *hostQueue {
	q := &hostQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *hostQueue) push(s submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, s)
	q.cond.Signal()
	return nil
}

// pop blocks until a submission is available or the queue is closed and
// drained.
func (q *hostQueue) pop() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return submission{}, false
	}
	s := q.pending[0]
	q.pending = q.pending[1:]
	return s, true
}

func (q *hostQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Host is a CPU implementation of Device. Each queue is a dedicated worker
// goroutine draining a FIFO list, so same-queue submissions execute in order
// while different queues run concurrently.
type Host struct {
	name   string
	queues []*hostQueue
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHost creates a host device with the given number of queues. A count of
// zero or less uses one queue per logical CPU.
func NewHost(queueCount int) *Host {
	if queueCount <= 0 {
		queueCount = runtime.NumCPU()
	}
	d := &Host{
		name:   fmt.Sprintf("host(%d queues)", queueCount),
		queues: make([]*hostQueue, queueCount),
	}
	for i := range d.queues {
		d.queues[i] = newHostQueue()
		d.wg.Add(1)
		go d.run(d.queues[i])
	}
	return d
}

func (d *Host) run(q *hostQueue) {
	defer d.wg.Done()
	for {
		s, ok := q.pop()
		if !ok {
			return
		}
		if s.wait != nil {
			// Device-side dependency: the queue stalls, the submitter
			// already returned.
			<-s.wait.Done()
		}
		if s.task != nil {
			s.task()
		}
		s.done.Signal()
	}
}

func (d *Host) Name() string { return d.name }

func (d *Host) QueueCount() int { return len(d.queues) }

func (d *Host) CreateBuffer(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("device: negative buffer size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return &hostBuffer{dev: d, data: make([]byte, size)}, nil
}

func (d *Host) Write(dst Buffer, offset int, src []byte) error {
	b, err := d.own(dst)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return ErrReleased
	}
	if offset < 0 || offset+len(src) > len(b.data) {
		return ErrOutOfBounds
	}
	copy(b.data[offset:], src)
	return nil
}

func (d *Host) Read(src Buffer, offset int, dst []byte) error {
	b, err := d.own(src)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return ErrReleased
	}
	if offset < 0 || offset+len(dst) > len(b.data) {
		return ErrOutOfBounds
	}
	copy(dst, b.data[offset:])
	return nil
}

func (d *Host) Submit(queue int, wait *Event, task Task) (*Event, error) {
	if queue < 0 || queue >= len(d.queues) {
		return nil, ErrBadQueue
	}
	done := NewEvent()
	if err := d.queues[queue].push(submission{wait: wait, task: task, done: done}); err != nil {
		return nil, err
	}
	return done, nil
}

// Close drains every queue and stops the workers. Pending submissions still
// execute; their wait events must eventually be signaled or Close blocks.
func (d *Host) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	for _, q := range d.queues {
		q.close()
	}
	d.wg.Wait()
	return nil
}

func (d *Host) own(buf Buffer) (*hostBuffer, error) {
	b, ok := buf.(*hostBuffer)
	if !ok || b.dev != d {
		return nil, ErrForeignBuffer
	}
	return b, nil
}

type hostBuffer struct {
	dev  *Host
	mu   sync.RWMutex
	data []byte
}

func (b *hostBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *hostBuffer) Release() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}
