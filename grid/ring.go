package grid

// Sample is one time-series observation for a tracked entity.
type Sample struct {
	Tick  int64
	Value float64
}

// MetricRing is a fixed-capacity time-series buffer. Push is O(1) and
// overwrites the oldest sample once full; reads come back in chronological
// order, oldest first. After >= capacity pushes, exactly the capacity most
// recent samples are retained.
type MetricRing struct {
	buf  []Sample
	head int // where the next sample is written
	size int
}

// NewMetricRing returns a ring holding up to capacity samples.
// Panics on non-positive capacity, which is a configuration bug.
func NewMetricRing(capacity int) *MetricRing {
	if capacity <= 0 {
		panic("NewMetricRing: capacity must be > 0")
	}
	return &MetricRing{buf: make([]Sample, capacity)}
}

// Capacity returns the fixed capacity of the ring.
func (r *MetricRing) Capacity() int { return len(r.buf) }

// Len returns the number of samples currently held.
func (r *MetricRing) Len() int { return r.size }

// Push appends a sample, evicting the oldest once the ring is full.
func (r *MetricRing) Push(s Sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Latest returns the most recently pushed sample.
func (r *MetricRing) Latest() (Sample, bool) {
	if r.size == 0 {
		return Sample{}, false
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)], true
}

// Recent returns the last window samples in chronological order, oldest
// first. A window larger than the current size returns everything held.
func (r *MetricRing) Recent(window int) []Sample {
	if window > r.size {
		window = r.size
	}
	if window <= 0 {
		return nil
	}
	out := make([]Sample, window)
	start := (r.head - window + len(r.buf)) % len(r.buf)
	for i := 0; i < window; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Values returns just the values of Recent(window), in the same order.
// Convenience for the predictor, which only needs the series.
func (r *MetricRing) Values(window int) []float64 {
	samples := r.Recent(window)
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
