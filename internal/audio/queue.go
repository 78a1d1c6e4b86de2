package audio

// QueueCap is the default bound of a frame queue: 200 ms of audio. The cap
// is the relay's only backpressure; overflow drops the incoming frame so
// buffered latency never grows past the bound.
const QueueCap = 10

// Queue is a bounded FIFO of inbound frames for one channel member. It is
// not internally synchronised — the registry's lock serialises the ingress
// push and the mixer pop.
type Queue struct {
	frames [][]byte
	cap    int
}

// NewQueue returns an empty queue bounded at capacity (QueueCap when <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = QueueCap
	}
	return &Queue{cap: capacity}
}

// Push appends a frame. When the queue is full the new frame is dropped and
// Push reports false; dropping the newest keeps already-buffered audio
// playing at its original latency.
func (q *Queue) Push(frame []byte) bool {
	if len(q.frames) >= q.cap {
		return false
	}
	q.frames = append(q.frames, frame)
	return true
}

// Pop removes and returns the oldest frame, or nil when empty.
func (q *Queue) Pop() []byte {
	if len(q.frames) == 0 {
		return nil
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	return len(q.frames)
}
