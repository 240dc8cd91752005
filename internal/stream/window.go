package stream

// Window is the bounded FIFO of recent 16 kHz samples. It is owned by one
// controller goroutine and is not safe for concurrent use.
type Window struct {
	capacity int
	samples  []float32
	// appended counts every sample ever added, including trimmed ones.
	appended uint64
}

func NewWindow(capacity int) *Window {
	return &Window{capacity: capacity, samples: make([]float32, 0, capacity)}
}

// Append adds samples and trims the oldest ones beyond capacity.
func (w *Window) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	w.appended += uint64(len(samples))
	w.samples = append(w.samples, samples...)
	if excess := len(w.samples) - w.capacity; excess > 0 {
		n := copy(w.samples, w.samples[excess:])
		w.samples = w.samples[:n]
	}
}

// Samples returns the current contents. The slice is only valid until the
// next Append.
func (w *Window) Samples() []float32 {
	return w.samples
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Capacity() int {
	return w.capacity
}

// Appended is the total number of samples ever added.
func (w *Window) Appended() uint64 {
	return w.appended
}
