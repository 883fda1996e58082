package memory

import (
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Bus is an in-process broker of named FIFO queues
type Bus struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	messages []*contracts.Message
	timers   map[*time.Timer]struct{}
	// notify is closed and replaced whenever the queue changes
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{timers: make(map[*time.Timer]struct{}), notify: make(chan struct{})}
}

func (q *queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{queues: make(map[string]*queue)}
}

// Declare creates the queue if it does not exist
func (b *Bus) Declare(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(name)
}

func (b *Bus) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

// Exists reports whether the queue was declared
func (b *Bus) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Enqueue appends messages to a queue, declaring it if needed
func (b *Bus) Enqueue(name string, msgs ...*contracts.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(name)
	q.messages = append(q.messages, msgs...)
	q.wake()
}

// EnqueueAfter appends msg once delay has passed
func (b *Bus) EnqueueAfter(name string, msg *contracts.Message, delay time.Duration) {
	if delay <= 0 {
		b.Enqueue(name, msg)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(name)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, pending := q.timers[timer]; !pending {
			return
		}
		delete(q.timers, timer)
		q.messages = append(q.messages, msg)
		q.wake()
	})
	q.timers[timer] = struct{}{}
}

// Len returns the number of ready messages in a queue
func (b *Bus) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Pending returns the number of delayed messages not yet due
func (b *Bus) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.timers)
	}
	return 0
}

// Purge drops every ready and delayed message of a queue
func (b *Bus) Purge(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return
	}
	for timer := range q.timers {
		timer.Stop()
	}
	clear(q.timers)
	q.messages = nil
}

// Queues returns the declared queue names
func (b *Bus) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// dequeue pops the head of a queue; when empty it returns a channel closed on the next change
func (b *Bus) dequeue(name string) (*contracts.Message, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(name)
	if len(q.messages) == 0 {
		return nil, q.notify
	}
	msg := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return msg, nil
}
