package audio

import "sync"

// SampleQueue is an unbounded FIFO of normalized samples. Any number of
// producers may push concurrently; a single consumer drains it.
type SampleQueue struct {
	mu   sync.Mutex
	buf  []float32
	head int
}

// NewSampleQueue returns an empty queue.
func NewSampleQueue() *SampleQueue {
	return &SampleQueue{}
}

// Push appends samples. It never waits on the consumer.
func (q *SampleQueue) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	q.mu.Lock()
	q.buf = append(q.buf, samples...)
	q.mu.Unlock()
}

// PushPCM16 decodes a little-endian PCM16 buffer and enqueues the samples.
func (q *SampleQueue) PushPCM16(pcm []byte) error {
	samples, err := DecodePCM16LE(pcm)
	if err != nil {
		return err
	}
	q.Push(samples)
	return nil
}

// Drain moves at most limit queued samples onto dst and returns the extended
// slice. It returns dst unchanged when the queue is empty or limit <= 0.
func (q *SampleQueue) Drain(dst []float32, limit int) []float32 {
	if limit <= 0 {
		return dst
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.buf)-q.head)
	if n == 0 {
		return dst
	}
	dst = append(dst, q.buf[q.head:q.head+n]...)
	q.head += n

	switch {
	case q.head == len(q.buf):
		q.buf = q.buf[:0]
		q.head = 0
	case q.head > len(q.buf)/2:
		remaining := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:remaining]
		q.head = 0
	}
	return dst
}

// Len reports how many samples are waiting.
func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// Reset discards everything queued.
func (q *SampleQueue) Reset() {
	q.mu.Lock()
	q.buf = nil
	q.head = 0
	q.mu.Unlock()
}
