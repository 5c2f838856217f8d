package workerpool

// compactThreshold is how far the head index may advance before the backing
// slice is compacted.
const compactThreshold = 64

// taskQueue is an append-only slice with a separate head index so dequeues
// never shift elements. It is guarded by the pool mutex.
type taskQueue struct {
	items []*task
	head  int
}

func (q *taskQueue) len() int {
	return len(q.items) - q.head
}

func (q *taskQueue) push(t *task) {
	q.items = append(q.items, t)
}

// pop removes and returns the oldest task, or nil when the queue is empty.
func (q *taskQueue) pop() *task {
	if q.len() == 0 {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		q.compact()
	}
	return t
}

// remove deletes the task with the given id wherever it sits in the queue,
// preserving FIFO order of the rest. Returns nil when the id is not queued.
func (q *taskQueue) remove(id string) *task {
	for i := q.head; i < len(q.items); i++ {
		if q.items[i].id == id {
			t := q.items[i]
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return t
		}
	}
	return nil
}

// drain empties the queue and returns the remaining tasks in order.
func (q *taskQueue) drain() []*task {
	rest := make([]*task, q.len())
	copy(rest, q.items[q.head:])
	q.items = nil
	q.head = 0
	return rest
}

func (q *taskQueue) compact() {
	n := copy(q.items, q.items[q.head:])
	for i := n; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:n]
	q.head = 0
}
