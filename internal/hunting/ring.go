package hunting

// ringBuffer is a FIFO with fixed capacity that overwrites its oldest entry when full
type ringBuffer[T any] struct {
	data     []T
	capacity int
	head     int
	size     int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer[T]) push(item T) {
	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
}

// all returns the items oldest to newest
func (rb *ringBuffer[T]) all() []T {
	result := make([]T, rb.size)
	if rb.size < rb.capacity {
		copy(result, rb.data[:rb.size])
		return result
	}
	n := copy(result, rb.data[rb.head:])
	copy(result[n:], rb.data[:rb.head])
	return result
}

func (rb *ringBuffer[T]) reset() {
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.head = 0
	rb.size = 0
}

func (rb *ringBuffer[T]) len() int {
	return rb.size
}
